package main

import (
	"picresize/cmd"
)

func main() {
	cmd.Execute()
}
