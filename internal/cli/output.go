package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// Printer renders API objects as a table, JSON or YAML.
type Printer struct {
	w      io.Writer
	format string
}

func NewPrinter(w io.Writer, format string) (*Printer, error) {
	switch format {
	case "table", "json", "yaml":
		return &Printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (must be table, json or yaml)", format)
}

func (p *Printer) Runs(runs []*domain.PipelineRun) error {
	if p.format != "table" {
		return p.encode(runs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tSTAGE\tCOMMIT\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Status, r.CurrentStage, shortCommit(r.Change.AfterCommit), r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (p *Printer) Run(r *domain.PipelineRun) error {
	if p.format != "table" {
		return p.encode(r)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Pipeline:\t%s\n", r.Pipeline)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "Stage:\t%s\n", r.CurrentStage)
	fmt.Fprintf(tw, "Source:\t%s %s@%s\n", r.SourceProviderKind, r.Change.RepositoryID, r.Change.BranchName)
	fmt.Fprintf(tw, "Commit:\t%s\n", r.Change.AfterCommit)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.StageHistory) == 0 {
		return nil
	}
	fmt.Fprintln(p.w)
	tw = tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTAGE\tSTATUS\tMESSAGE")
	for _, rec := range r.StageHistory {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Timestamp.UTC().Format(time.RFC3339), rec.Stage, rec.Status, rec.Message)
	}
	return tw.Flush()
}

func (p *Printer) Events(events []*domain.Event) error {
	if p.format != "table" {
		return p.encode(events)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSTAGE\tSTATE")
	for _, e := range events {
		var stage string
		if e.Pipeline != nil {
			stage = string(e.Pipeline.Stage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Time.UTC().Format(time.RFC3339), e.DetailType, stage, e.Status())
	}
	return tw.Flush()
}

// encode writes v as JSON, or as YAML with the same field names.
func (p *Printer) encode(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if p.format == "json" {
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}
