// Package batch drives a resize run: it scans the root for eligible images,
// processes each one in isolation, and summarizes the results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"picresize/processor"
	"picresize/util"
	"picresize/walker"
)

// maxErrorLen bounds the error text kept per failed file.
const maxErrorLen = 160

// ErrOutputConflict is returned for a task whose output path was already
// written by another input during the same run.
var ErrOutputConflict = errors.New("output path already written by another input")

// State is the phase a run is in.
type State int

const (
	Idle State = iota
	Scanning
	Processing
	Reporting
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Processing:
		return "processing"
	case Reporting:
		return "reporting"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer receives progress callbacks. Calls are serialized even when tasks
// run on several workers.
type Observer interface {
	StateChanged(s State)
	TaskStarted(index, total int, task walker.Task)
	TaskFinished(index, total int, outcome *Outcome)
}

// Recorder persists runs and per-task outcomes. Recorder failures are logged
// and never fail the run.
type Recorder interface {
	BeginRun(ctx context.Context, s *Summary) error
	RecordOutcome(ctx context.Context, runID string, o *Outcome) error
	FinishRun(ctx context.Context, s *Summary) error
}

// Options configures a run.
type Options struct {
	Root  string
	Width int
	// OutputRoot defaults to <Root>/output_<Width>.
	OutputRoot string
	// Workers above one processes tasks concurrently; results are identical to a
	// sequential run.
	Workers  int
	Resizer  processor.Resizer
	Observer Observer
	Recorder Recorder
}

// Outcome is the result of processing a single task.
type Outcome struct {
	Task         walker.Task
	OutputPath   string
	Succeeded    bool
	Err          error
	Message      string
	Format       processor.Format
	Kind         processor.Kind
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Frames       int
	BytesIn      int64
	BytesOut     int64
	Fingerprint  *processor.Fingerprint
}

// Failure names a file that could not be processed.
type Failure struct {
	File  string `yaml:"file"`
	Error string `yaml:"error"`
}

// Summary aggregates a run.
type Summary struct {
	RunID      string        `yaml:"run_id"`
	Root       string        `yaml:"root"`
	OutputRoot string        `yaml:"output_root"`
	Width      int           `yaml:"width"`
	Total      int           `yaml:"total"`
	Succeeded  int           `yaml:"succeeded"`
	Failures   []Failure     `yaml:"failures,omitempty"`
	BytesIn    int64         `yaml:"bytes_in"`
	BytesOut   int64         `yaml:"bytes_out"`
	StartedAt  time.Time     `yaml:"started_at"`
	Elapsed    time.Duration `yaml:"elapsed"`
	Outcomes   []*Outcome    `yaml:"-"`
}

// Failed returns the number of tasks that did not succeed.
func (s *Summary) Failed() int {
	return s.Total - s.Succeeded
}

// outputRoot returns the configured output directory or the conventional one.
func (o Options) outputRoot() string {
	if o.OutputRoot != "" {
		return o.OutputRoot
	}
	return filepath.Join(o.Root, walker.OutputDirName(o.Width))
}

type runner struct {
	opts Options
	mu   sync.Mutex

	claimMu sync.Mutex
	claims  map[string]string // output path -> input path
}

// claim reserves output for input, failing if another input already holds it.
func (r *runner) claim(output, input string) error {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if owner, ok := r.claims[output]; ok && owner != input {
		return fmt.Errorf("%w: %s", ErrOutputConflict, owner)
	}
	r.claims[output] = input
	return nil
}

func (r *runner) setState(s State) {
	log.Debug().Stringer("state", s).Msg("run state")
	if r.opts.Observer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Observer.StateChanged(s)
}

// Run scans opts.Root and processes every eligible image. A failing file is
// recorded and skipped; only failure to enumerate the root aborts the run.
// Cancelling ctx stops new tasks from starting and returns ctx.Err() with the
// partial summary.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Width <= 0 {
		return nil, fmt.Errorf("invalid target width %d", opts.Width)
	}
	r := &runner{opts: opts, claims: make(map[string]string)}
	summary := &Summary{
		RunID:      uuid.NewString(),
		Root:       opts.Root,
		OutputRoot: opts.outputRoot(),
		Width:      opts.Width,
		StartedAt:  time.Now(),
	}

	r.setState(Scanning)
	tasks, err := walker.FindImageTasks(opts.Root, summary.OutputRoot)
	if err != nil {
		r.setState(Done)
		return nil, fmt.Errorf("scan %s: %w", opts.Root, err)
	}
	summary.Total = len(tasks)
	log.Info().Int("total", summary.Total).Str("root", opts.Root).Msg("found image files")

	if opts.Recorder != nil {
		if err := opts.Recorder.BeginRun(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("failed to record run start")
		}
	}

	r.setState(Processing)
	if len(tasks) > 0 {
		if err := os.MkdirAll(summary.OutputRoot, 0755); err != nil {
			log.Warn().Err(err).Str("output", summary.OutputRoot).Msg("failed to create output directory")
		}
	}
	summary.Outcomes = r.processAll(ctx, tasks, summary.RunID)

	r.setState(Reporting)
	for _, o := range summary.Outcomes {
		if o == nil {
			continue
		}
		summary.BytesIn += o.BytesIn
		if o.Succeeded {
			summary.Succeeded++
			summary.BytesOut += o.BytesOut
			continue
		}
		summary.Failures = append(summary.Failures, Failure{
			File:  filepath.Base(o.Task.Input),
			Error: o.Message,
		})
	}
	summary.Elapsed = time.Since(summary.StartedAt)

	if opts.Recorder != nil {
		if err := opts.Recorder.FinishRun(context.WithoutCancel(ctx), summary); err != nil {
			log.Warn().Err(err).Msg("failed to record run summary")
		}
	}
	log.Info().
		Int("succeeded", summary.Succeeded).
		Int("total", summary.Total).
		Str("output", summary.OutputRoot).
		Msg("run complete")
	r.setState(Done)

	return summary, ctx.Err()
}

// processAll runs every task and returns outcomes in task order. Tasks never
// started because ctx was cancelled leave a nil entry.
func (r *runner) processAll(ctx context.Context, tasks []walker.Task, runID string) []*Outcome {
	outcomes := make([]*Outcome, len(tasks))
	workers := r.opts.Workers
	if workers < 1 {
		workers = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r.started(i, len(tasks), task)
			o := processTask(task, r.opts.Width, r.opts.Resizer, r.opts.Recorder != nil, r.claim)
			outcomes[i] = o
			r.finished(ctx, i, len(tasks), o, runID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *runner) started(i, total int, task walker.Task) {
	if r.opts.Observer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Observer.TaskStarted(i+1, total, task)
}

func (r *runner) finished(ctx context.Context, i, total int, o *Outcome, runID string) {
	if !o.Succeeded {
		log.Warn().
			Str("file", filepath.Base(o.Task.Input)).
			Str("error", o.Message).
			Msg("failed to process image")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordOutcome(context.WithoutCancel(ctx), runID, o); err != nil {
			log.Warn().Err(err).Str("file", o.Task.Input).Msg("failed to record outcome")
		}
	}
	if r.opts.Observer != nil {
		r.opts.Observer.TaskFinished(i+1, total, o)
	}
}

// ProcessTask decodes, transforms and writes a single task. Every error is
// captured in the returned Outcome; the decoded image is released before it returns.
func ProcessTask(task walker.Task, width int, resizer processor.Resizer, fingerprint bool) *Outcome {
	return processTask(task, width, resizer, fingerprint, nil)
}

// processTask is ProcessTask with an optional claim on the output path, taken
// before anything is written.
func processTask(task walker.Task, width int, resizer processor.Resizer, fingerprint bool, claim func(output, input string) error) *Outcome {
	o := &Outcome{Task: task}

	d, err := processor.Open(task.Input)
	if err != nil {
		return o.fail(err)
	}
	defer d.Close()

	o.BytesIn = d.Size
	o.Format = d.Format
	o.Kind = d.Kind
	o.SourceWidth, o.SourceHeight = d.Width, d.Height

	res, err := processor.Process(d, resizer, width)
	if err != nil {
		return o.fail(err)
	}

	output := res.Format.OutputPath(task.Output)
	if task.SharesStem {
		output = res.Format.SiblingOutputPath(task.Output)
	}
	if claim != nil {
		if err := claim(output, task.Input); err != nil {
			return o.fail(&processor.FilesystemError{Path: output, Err: err})
		}
	}
	if err := util.WriteFile(output, res.Data); err != nil {
		return o.fail(&processor.FilesystemError{Path: output, Err: err})
	}
	o.OutputPath = output

	o.Width, o.Height = res.Width, res.Height
	o.Frames = res.Frames
	o.BytesOut = int64(len(res.Data))
	o.Succeeded = true

	if fingerprint {
		fp, err := processor.FingerprintFile(task.Input, res.Preview)
		if err != nil {
			log.Debug().Err(err).Str("file", task.Input).Msg("could not fingerprint input")
		}
		o.Fingerprint = fp
	}
	return o
}

func (o *Outcome) fail(err error) *Outcome {
	o.Succeeded = false
	o.Err = err
	o.Message = util.Truncate(err.Error(), maxErrorLen)
	return o
}

// IsFatal reports whether err ended a run before any task was processed.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
