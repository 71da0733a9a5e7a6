package walker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// OutputDirPrefix prefixes every generated output directory name.
const OutputDirPrefix = "output_"

// ErrRootNotDir is returned when the scan root exists but is not a directory.
var ErrRootNotDir = errors.New("scan root is not a directory")

// imageExtensions defines the supported image file extensions.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".jfif": true,
}

// Task pairs an eligible input file with the path its resized copy is written to.
type Task struct {
	Input  string
	Output string
	// SharesStem is set when another task writes into the same directory under
	// the same name minus extension, so a rewritten extension could collide.
	SharesStem bool
}

// IsImageFile checks if a given file name has a supported image extension.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return imageExtensions[ext]
}

// IsExcludedDir reports whether name looks like a previous run's output directory,
// "output_" followed by one or more decimal digits.
func IsExcludedDir(name string) bool {
	digits, ok := strings.CutPrefix(name, OutputDirPrefix)
	if !ok || digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// OutputDirName returns the conventional output directory name for a target width.
func OutputDirName(width int) string {
	return OutputDirPrefix + strconv.Itoa(width)
}

// FindImageTasks walks rootPath depth-first and returns one Task per eligible file.
// Excluded directories, and outputRoot itself, are pruned before descending, so
// nothing under them is visited. Unreadable entries below the root are logged and
// skipped; only failing to read the root itself is an error. The result is
// materialized in lexical walk order.
func FindImageTasks(rootPath, outputRoot string) ([]Task, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("error accessing root %s: %w", rootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", rootPath, ErrRootNotDir)
	}

	cleanOutput := ""
	if outputRoot != "" {
		cleanOutput = filepath.Clean(outputRoot)
	}

	var tasks []Task
	err = filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == rootPath {
				return fmt.Errorf("error accessing path %s: %w", path, err)
			}
			// An unreadable entry below the root is skipped, not fatal.
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == rootPath {
				return nil
			}
			if IsExcludedDir(d.Name()) || filepath.Clean(path) == cleanOutput {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsImageFile(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("error resolving %s: %w", path, err)
		}
		tasks = append(tasks, Task{
			Input:  path,
			Output: filepath.Join(outputRoot, rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking path %s: %w", rootPath, err)
	}
	markSharedStems(tasks)
	return tasks, nil
}

func markSharedStems(tasks []Task) {
	stems := make(map[string]int, len(tasks))
	for _, t := range tasks {
		stems[stem(t.Output)]++
	}
	for i := range tasks {
		tasks[i].SharesStem = stems[stem(tasks[i].Output)] > 1
	}
}

// SharesStem reports whether another eligible file in path's directory has the
// same name minus extension.
func SharesStem(path string) bool {
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return false
	}
	base := filepath.Base(path)
	for _, e := range entries {
		if e.Name() != base && !e.IsDir() && IsImageFile(e.Name()) && stem(e.Name()) == stem(base) {
			return true
		}
	}
	return false
}

func stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
