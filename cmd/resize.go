package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"picresize/batch"
	"picresize/database"
	"picresize/processor"
	"picresize/report"
	"picresize/walker"
)

func runResize(cmd *cobra.Command, args []string) error {
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
	summary, err := batch.Run(ctx, opts)
	if batch.IsFatal(err) {
		return err
	}
	if err != nil {
		log.Warn().Err(err).Msg("run interrupted")
	}

	printSummary(cmd.OutOrStdout(), summary)
	if cfg.Report != "" {
		if err := report.Write(cfg.Report, summary); err != nil {
			log.Error().Err(err).Msg("failed to write report")
		} else {
			log.Info().Str("report", cfg.Report).Msg("report written")
		}
	}
	return nil
}

// runOptions builds batch options from the loaded config. The returned
// cleanup closes the catalog if one was opened.
func runOptions(root string) (batch.Options, func(), error) {
	resizer, err := processor.NewResizer(processor.Engine(cfg.Engine))
	if err != nil {
		return batch.Options{}, nil, err
	}
	opts := batch.Options{
		Root:       root,
		Width:      cfg.Width,
		OutputRoot: cfg.Output,
		Workers:    cfg.WorkerCount(),
		Resizer:    resizer,
	}
	if cfg.Catalog == "" {
		return opts, func() {}, nil
	}

	catalog, err := database.Open(cfg.Catalog)
	if err != nil {
		return batch.Options{}, nil, err
	}
	opts.Recorder = catalog
	return opts, func() {
		if err := catalog.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close catalog")
		}
	}, nil
}

// consoleObserver shows a spinner while scanning and a progress bar while
// processing.
type consoleObserver struct {
	out     io.Writer
	spinner *spinner.Spinner
	bar     *progressbar.ProgressBar
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.Prefix = "Scanning for image files "
	return &consoleObserver{out: out, spinner: s}
}

func (o *consoleObserver) StateChanged(s batch.State) {
	switch s {
	case batch.Scanning:
		o.spinner.Start()
	case batch.Processing, batch.Done:
		o.spinner.Stop()
	case batch.Reporting:
		if o.bar != nil {
			o.bar.Finish()
			fmt.Fprintln(o.out)
		}
	}
}

func (o *consoleObserver) TaskStarted(index, total int, task walker.Task) {
	if o.bar == nil {
		o.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(o.out),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}
	o.bar.Describe(fmt.Sprintf("[%d/%d] %s", index, total, filepath.Base(task.Input)))
}

func (o *consoleObserver) TaskFinished(index, total int, outcome *batch.Outcome) {
	o.bar.Add(1)
}

func printSummary(w io.Writer, s *batch.Summary) {
	if s.Total == 0 {
		color.New(color.FgYellow).Fprintf(w, "No images found under %s\n", s.Root)
		return
	}
	status := color.New(color.FgGreen, color.Bold)
	if s.Failed() > 0 {
		status = color.New(color.FgYellow, color.Bold)
	}
	status.Fprintf(w, "Resized %d/%d images to %dpx", s.Succeeded, s.Total, s.Width)
	fmt.Fprintf(w, " in %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  output: %s\n", s.OutputRoot)
	fmt.Fprintf(w, "  size:   %s -> %s\n", humanize.Bytes(uint64(s.BytesIn)), humanize.Bytes(uint64(s.BytesOut)))

	failed := color.New(color.FgRed)
	for _, f := range s.Failures {
		failed.Fprintf(w, "  failed: %s", f.File)
		fmt.Fprintf(w, ": %s\n", f.Error)
	}
}
