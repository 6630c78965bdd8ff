package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	artmemory "github.com/tjfontaine/sitepipe/internal/adapters/artifacts/memory"
	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

type fakeFetcher struct {
	body string
	err  error
	got  domain.ChangeReference
}

func (f *fakeFetcher) FetchSource(_ context.Context, change domain.ChangeReference) (io.ReadCloser, int64, error) {
	f.got = change
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

type fakeRunner struct {
	result  *domain.BuildResult
	err     error
	handle  *domain.BuildHandle
	runs    []*domain.BuildRequest
	started []*domain.BuildRequest
}

func (r *fakeRunner) RunBuild(_ context.Context, req *domain.BuildRequest) (*domain.BuildResult, error) {
	r.runs = append(r.runs, req)
	return r.result, r.err
}

func (r *fakeRunner) StartBuild(_ context.Context, req *domain.BuildRequest) (*domain.BuildHandle, error) {
	r.started = append(r.started, req)
	if r.err != nil {
		return nil, r.err
	}
	return r.handle, nil
}

func testRun(change domain.ChangeReference) *domain.PipelineRun {
	return &domain.PipelineRun{RunID: "run-1", Pipeline: "site-pipeline", Change: change}
}

func TestSourceAction_StoresRepoSource(t *testing.T) {
	arts := artmemory.New()
	fetcher := &fakeFetcher{body: "tarball"}
	action := NewSourceAction(fetcher, arts)

	change := domain.ChangeReference{RepositoryID: "site", BranchName: "main", AfterCommit: "abc123"}
	result, err := action.Execute(context.Background(), &ports.StageInput{
		Run:    testRun(change),
		Output: OutputRef("run-1", domain.StageSource),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != domain.StageSucceeded {
		t.Errorf("Status = %s, want Succeeded", result.Status)
	}
	if fetcher.got.AfterCommit != "abc123" {
		t.Errorf("fetched %+v", fetcher.got)
	}

	rc, err := arts.Get(context.Background(), "runs/run-1/RepoSource")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "tarball" {
		t.Errorf("artifact = %q, want tarball", data)
	}
}

func TestSourceAction_FetchError(t *testing.T) {
	action := NewSourceAction(&fakeFetcher{err: errors.New("connection reset")}, artmemory.New())

	_, err := action.Execute(context.Background(), &ports.StageInput{
		Run:    testRun(domain.ChangeReference{AfterCommit: "abc123"}),
		Output: OutputRef("run-1", domain.StageSource),
	})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Execute() error = %v, want fetch error", err)
	}
}

func TestBuildAction(t *testing.T) {
	tests := []struct {
		name        string
		change      domain.ChangeReference
		result      *domain.BuildResult
		wantStatus  domain.StageStatus
		wantVersion string
	}{
		{
			name:        "push build succeeds",
			change:      domain.ChangeReference{BeforeCommit: "old", AfterCommit: "abc123"},
			result:      &domain.BuildResult{BuildID: "b-1", BuildStatus: domain.BuildSucceeded},
			wantStatus:  domain.StageSucceeded,
			wantVersion: "abc123",
		},
		{
			name:        "timed out build fails the stage",
			change:      domain.ChangeReference{AfterCommit: "abc123"},
			result:      &domain.BuildResult{BuildID: "b-2", BuildStatus: domain.BuildTimedOut},
			wantStatus:  domain.StageFailed,
			wantVersion: "abc123",
		},
		{
			name:        "change request builds the source commit",
			change:      domain.ChangeReference{BeforeCommit: "abc123", AfterCommit: "def456", ChangeRequestID: "42"},
			result:      &domain.BuildResult{BuildID: "b-3", BuildStatus: domain.BuildSucceeded},
			wantStatus:  domain.StageSucceeded,
			wantVersion: "abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: tt.result}
			action := NewBuildAction(domain.StageBuild, "site-build", runner)

			inputs := []domain.ArtifactRef{{Name: domain.ArtifactRepoSource, Key: "runs/run-1/RepoSource"}}
			result, err := action.Execute(context.Background(), &ports.StageInput{
				Run:    testRun(tt.change),
				Inputs: inputs,
				Output: OutputRef("run-1", domain.StageBuild),
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", result.Status, tt.wantStatus)
			}

			req := runner.runs[0]
			if req.SourceVersion != tt.wantVersion {
				t.Errorf("SourceVersion = %q, want %q", req.SourceVersion, tt.wantVersion)
			}
			if req.ArtifactMode != domain.ArtifactsPipeline || req.ProjectName != "site-build" || req.RunID != "run-1" {
				t.Errorf("request = %+v", req)
			}
			if req.OutputArtifact == nil || req.OutputArtifact.Name != domain.ArtifactBuildOutput {
				t.Errorf("OutputArtifact = %+v", req.OutputArtifact)
			}
		})
	}
}

func TestBuildAction_RunnerError(t *testing.T) {
	action := NewBuildAction(domain.StageTest, "site-test", &fakeRunner{err: errors.New("503")})

	_, err := action.Execute(context.Background(), &ports.StageInput{Run: testRun(domain.ChangeReference{AfterCommit: "x"})})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestContracts(t *testing.T) {
	for _, stage := range domain.StageOrder {
		c, ok := Contracts[stage]
		if !ok {
			t.Errorf("no contract for %s", stage)
			continue
		}
		// Every input must be produced by an earlier stage.
		for _, in := range c.Inputs {
			found := false
			for _, earlier := range domain.StageOrder[:stage.Index()] {
				if Contracts[earlier].Output == in {
					found = true
				}
			}
			if !found {
				t.Errorf("%s consumes %s which no earlier stage produces", stage, in)
			}
		}
	}

	if OutputRef("r", domain.StageApproval) != nil {
		t.Error("Approval should produce nothing")
	}
	if ref := OutputRef("r", domain.StageBuild); ref == nil || ref.Key != "runs/r/BuildOutput" {
		t.Errorf("OutputRef(Build) = %+v", ref)
	}
}
