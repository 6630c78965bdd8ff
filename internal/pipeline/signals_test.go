package pipeline

import (
	"context"
	"testing"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

type fakeTriggerer struct {
	changes []domain.ChangeReference
}

func (f *fakeTriggerer) Trigger(_ context.Context, change domain.ChangeReference) (*domain.PipelineRun, error) {
	f.changes = append(f.changes, change)
	return &domain.PipelineRun{RunID: "run-1", Change: change, Status: domain.RunRunning}, nil
}

func TestSignalHandler_BranchUpdateTriggersRun(t *testing.T) {
	trig := &fakeTriggerer{}
	runner := &fakeRunner{}
	h := NewSignalHandler(trig, runner, "site-pr-validation", nil)

	out, err := h.Handle(context.Background(), &domain.SourceSignal{
		Kind:   domain.SignalBranchUpdated,
		Change: domain.ChangeReference{RepositoryID: "site", BranchName: "main", AfterCommit: "abc123"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Run == nil || out.Run.RunID != "run-1" {
		t.Errorf("outcome = %+v", out)
	}
	if len(trig.changes) != 1 || len(runner.started) != 0 {
		t.Errorf("triggers = %d, builds = %d", len(trig.changes), len(runner.started))
	}
}

func TestSignalHandler_ChangeRequestStartsValidation(t *testing.T) {
	for _, kind := range []domain.SignalKind{domain.SignalChangeRequestCreated, domain.SignalChangeRequestUpdated} {
		t.Run(string(kind), func(t *testing.T) {
			trig := &fakeTriggerer{}
			runner := &fakeRunner{handle: &domain.BuildHandle{BuildID: "site-pr-validation:9"}}
			h := NewSignalHandler(trig, runner, "site-pr-validation", nil)

			out, err := h.Handle(context.Background(), &domain.SourceSignal{
				Kind: kind,
				Change: domain.ChangeReference{
					RepositoryID:    "site",
					BranchName:      "feature",
					BeforeCommit:    "abc123",
					AfterCommit:     "def456",
					ChangeRequestID: "42",
				},
				DestinationBranch: "main",
			})
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if out.BuildID != "site-pr-validation:9" {
				t.Errorf("BuildID = %q", out.BuildID)
			}
			if len(trig.changes) != 0 {
				t.Error("change request must not trigger a pipeline run")
			}

			req := runner.started[0]
			if req.ProjectName != "site-pr-validation" || req.ArtifactMode != domain.ArtifactsNone {
				t.Errorf("request = %+v", req)
			}
			if req.SourceVersion != "abc123" {
				t.Errorf("SourceVersion = %q, want abc123", req.SourceVersion)
			}
			want := map[string]string{
				"pullRequestId":     "42",
				"repositoryName":    "site",
				"sourceCommit":      "abc123",
				"destinationCommit": "def456",
			}
			for k, v := range want {
				if req.EnvironmentOverrides[k] != v {
					t.Errorf("env %s = %q, want %q", k, req.EnvironmentOverrides[k], v)
				}
			}
		})
	}
}

func TestSignalHandler_UnknownKind(t *testing.T) {
	h := NewSignalHandler(&fakeTriggerer{}, &fakeRunner{}, "v", nil)
	_, err := h.Handle(context.Background(), &domain.SourceSignal{Kind: "tag_pushed"})
	if e, ok := domain.AsError(err); !ok || e.Type != domain.ErrorTypeInvalidRequest {
		t.Errorf("Handle() error = %v, want invalid request", err)
	}
}
