// Package report writes a run summary as YAML.
package report

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"picresize/batch"
	"picresize/util"
)

type document struct {
	RunID      string          `yaml:"run_id"`
	Root       string          `yaml:"root"`
	OutputRoot string          `yaml:"output_root"`
	Width      int             `yaml:"width"`
	StartedAt  string          `yaml:"started_at"`
	Elapsed    string          `yaml:"elapsed"`
	Total      int             `yaml:"total"`
	Succeeded  int             `yaml:"succeeded"`
	Failed     int             `yaml:"failed"`
	BytesIn    int64           `yaml:"bytes_in"`
	BytesOut   int64           `yaml:"bytes_out"`
	Failures   []batch.Failure `yaml:"failures,omitempty"`
	Files      []file          `yaml:"files,omitempty"`
}

type file struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output,omitempty"`
	Format string `yaml:"format,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Size   string `yaml:"size,omitempty"`
	Frames int    `yaml:"frames,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

// Marshal renders s as a YAML document.
func Marshal(s *batch.Summary) ([]byte, error) {
	doc := document{
		RunID:      s.RunID,
		Root:       s.Root,
		OutputRoot: s.OutputRoot,
		Width:      s.Width,
		StartedAt:  s.StartedAt.UTC().Format(time.RFC3339),
		Elapsed:    s.Elapsed.Round(time.Millisecond).String(),
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed(),
		BytesIn:    s.BytesIn,
		BytesOut:   s.BytesOut,
		Failures:   s.Failures,
	}
	for _, o := range s.Outcomes {
		if o == nil {
			continue
		}
		f := file{Input: o.Task.Input, Error: o.Message}
		if o.Succeeded {
			f.Output = o.OutputPath
			f.Format = string(o.Format)
			f.Kind = o.Kind.String()
			f.Size = fmt.Sprintf("%dx%d", o.Width, o.Height)
			f.Frames = o.Frames
		}
		doc.Files = append(doc.Files, f)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}

// Write stores the report for s at path, replacing any previous file.
func Write(path string, s *batch.Summary) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := util.WriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
