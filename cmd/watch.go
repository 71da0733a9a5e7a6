package cmd

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"picresize/batch"
	"picresize/walker"
	"picresize/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Resize the tree, then keep resizing images as they are added or changed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureWidth(cmd); err != nil {
			return err
		}
		root, err := rootArg(args)
		if err != nil {
			return err
		}
		opts, cleanup, err := runOptions(root)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signalContext()
		defer stop()

		opts.Observer = newConsoleObserver(cmd.ErrOrStderr())
		return watchTree(ctx, cmd.OutOrStdout(), opts)
	},
}

// watchTree runs a full resize of opts.Root, then handles changed files until
// ctx is done. An interrupted initial run is summarized and ends the watch.
func watchTree(ctx context.Context, out io.Writer, opts batch.Options) error {
	summary, err := batch.Run(ctx, opts)
	if batch.IsFatal(err) {
		return err
	}
	printSummary(out, summary)
	if err != nil {
		log.Warn().Err(err).Msg("run interrupted, not watching")
		return nil
	}

	w, err := watcher.New(opts.Root, summary.OutputRoot)
	if err != nil {
		return err
	}
	log.Info().Str("root", opts.Root).Msg("watching for new images, press Ctrl+C to stop")

	err = w.Run(ctx, func(path string) {
		handleChange(ctx, opts, summary, path)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleChange resizes a single changed file into the run's output tree.
func handleChange(ctx context.Context, opts batch.Options, s *batch.Summary, path string) {
	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("file outside root")
		return
	}
	task := walker.Task{
		Input:      path,
		Output:     filepath.Join(s.OutputRoot, rel),
		SharesStem: walker.SharesStem(path),
	}
	o := batch.ProcessTask(task, opts.Width, opts.Resizer, opts.Recorder != nil)
	if !o.Succeeded {
		log.Warn().Str("file", filepath.Base(path)).Str("error", o.Message).Msg("failed to process image")
	} else {
		log.Info().Str("file", rel).Str("output", o.OutputPath).Msgf("resized to %dx%d", o.Width, o.Height)
	}
	if opts.Recorder != nil {
		if err := opts.Recorder.RecordOutcome(ctx, s.RunID, o); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to record outcome")
		}
	}
}

func init() {
	RootCmd.AddCommand(watchCmd)
}
