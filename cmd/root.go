package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"picresize/config"
)

var (
	v          = viper.New()
	configFile string
	cfg        *config.Config
)

// RootCmd resizes every image under a directory tree.
var RootCmd = &cobra.Command{
	Use:   "picresize [root]",
	Short: "PicResize batch-resizes an image tree to a fixed width",
	Long: `Walks a directory tree and writes every PNG, JPEG, GIF and WebP image resized
to the target width into output_<width>, keeping the aspect ratio and any animation.`,
	Args:              cobra.MaximumNArgs(1),
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runResize,
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./"+config.DefaultFile+" if present)")
	flags.IntP("width", "w", config.DefaultWidth, "target width in pixels")
	flags.StringP("output", "o", "", "output directory (default <root>/output_<width>)")
	flags.IntP("workers", "j", 1, "images processed in parallel, 0 uses every CPU")
	flags.String("engine", "imaging", "resampling engine: imaging or nfnt")
	flags.String("catalog", "", "SQLite file recording runs and results")
	flags.String("report", "", "write a YAML run report to this file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "console", "log format: console or json")

	bindFlags(flags, map[string]string{
		"width":      "width",
		"output":     "output",
		"workers":    "workers",
		"engine":     "engine",
		"catalog":    "catalog",
		"report":     "report",
		"log.level":  "log-level",
		"log.format": "log-format",
	})
}

func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(v, configFile)
	if err != nil {
		return err
	}
	return config.SetupLogging(cfg.Log, os.Stderr)
}

// ensureWidth asks for the target width on an interactive terminal when none
// was configured.
func ensureWidth(cmd *cobra.Command) error {
	if widthConfigured(cmd) || !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil
	}
	width, err := promptWidth(os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	cfg.Width = width
	return nil
}

// widthConfigured reports whether the width came from a flag, the environment
// or a config file rather than the built-in default.
func widthConfigured(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("width") || v.InConfig("width") {
		return true
	}
	_, ok := os.LookupEnv(config.EnvPrefix + "_WIDTH")
	return ok
}

func promptWidth(in io.Reader, out io.Writer) (int, error) {
	fmt.Fprintf(out, "Target width in pixels (Enter for %d): ", config.DefaultWidth)
	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read width: %w", err)
	}
	return config.ParseWidth(input)
}

func rootArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
