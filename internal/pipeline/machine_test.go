package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	artmemory "github.com/tjfontaine/sitepipe/internal/adapters/artifacts/memory"
	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/storage/memory"
)

type fakeSource struct {
	kind       domain.ProviderKind
	resolveErr error
}

func (s *fakeSource) Kind() domain.ProviderKind { return s.kind }

func (s *fakeSource) Identity() domain.SourceIdentity {
	if s.kind == domain.ProviderGitHub {
		return domain.SourceIdentity{Kind: s.kind, Owner: "ThirdParty", Provider: "GitHub", Repository: "acme/site", Branch: "main"}
	}
	return domain.SourceIdentity{Kind: s.kind, Owner: "AWS", Provider: "CodeCommit", Repository: "site", Branch: "main"}
}

func (s *fakeSource) Resolve(_ context.Context, change domain.ChangeReference) (domain.ChangeReference, error) {
	if s.resolveErr != nil {
		return domain.ChangeReference{}, s.resolveErr
	}
	if change.AfterCommit == "" {
		change.AfterCommit = "head123"
	}
	return change, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *e
	detail := *e.Pipeline
	cp.Pipeline = &detail
	p.events = append(p.events, &cp)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// executionStates returns the states of execution-level events for a run.
func (p *recordingPublisher) executionStates(runID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.DetailType == domain.DetailPipelineExecution && e.Pipeline.RunID == runID {
			out = append(out, e.Pipeline.State)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeAction writes its declared output unless skipOutput is set. When block
// is non-nil it waits for it (or cancellation) before finishing.
type fakeAction struct {
	stage      domain.StageName
	artifacts  ports.ArtifactStore
	status     domain.StageStatus
	err        error
	skipOutput bool
	block      chan struct{}
	started    chan struct{}

	mu     sync.Mutex
	inputs [][]domain.ArtifactRef
}

func newFakeAction(stage domain.StageName, artifacts ports.ArtifactStore) *fakeAction {
	return &fakeAction{
		stage:     stage,
		artifacts: artifacts,
		status:    domain.StageSucceeded,
		started:   make(chan struct{}, 1),
	}
}

func (a *fakeAction) Stage() domain.StageName { return a.stage }

func (a *fakeAction) Execute(ctx context.Context, in *ports.StageInput) (*domain.StageResult, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, in.Inputs)
	a.mu.Unlock()

	select {
	case a.started <- struct{}{}:
	default:
	}

	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.err != nil {
		return nil, a.err
	}
	if in.Output != nil && !a.skipOutput {
		if err := a.artifacts.Put(ctx, in.Output.Key, strings.NewReader(string(in.Output.Name)), -1); err != nil {
			return nil, err
		}
	}
	return &domain.StageResult{Stage: a.stage, Status: a.status, ProducedArtifact: in.Output}, nil
}

func (a *fakeAction) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

type harness struct {
	machine   *Machine
	actions   map[domain.StageName]*fakeAction
	events    *recordingPublisher
	store     *memory.Store
	artifacts *artmemory.Store
	source    *fakeSource
}

func newHarness(t *testing.T, kind domain.ProviderKind) *harness {
	t.Helper()

	h := &harness{
		actions:   make(map[domain.StageName]*fakeAction),
		events:    &recordingPublisher{},
		store:     memory.New(),
		artifacts: artmemory.New(),
		source:    &fakeSource{kind: kind},
	}

	var actions []ports.StageAction
	for _, stage := range []domain.StageName{domain.StageSource, domain.StageTest, domain.StageBuild, domain.StageDeploy} {
		a := newFakeAction(stage, h.artifacts)
		h.actions[stage] = a
		actions = append(actions, a)
	}

	m, err := NewMachine(MachineConfig{
		Pipeline:  "site-pipeline",
		Account:   "123456789012",
		Region:    "eu-west-1",
		Source:    h.source,
		Actions:   actions,
		Artifacts: h.artifacts,
		Store:     h.store,
		Events:    h.events,
	})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	h.machine = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Wait(ctx); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})
	return h
}

func (h *harness) trigger(t *testing.T) *domain.PipelineRun {
	t.Helper()
	run, err := h.machine.Trigger(context.Background(), domain.ChangeReference{RepositoryID: "site", BranchName: "main", AfterCommit: "abc123"})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	return run
}

func (h *harness) waitFor(t *testing.T, runID string, status domain.RunStatus) *domain.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := h.machine.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", runID, err)
		}
		if run.Status == status {
			return run
		}
		if run.Status.Terminal() || time.Now().After(deadline) {
			t.Fatalf("run %s status = %s, want %s (history %+v)", runID, run.Status, status, run.StageHistory)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// assertOrdered checks that no stage entered Running before its predecessor
// succeeded.
func assertOrdered(t *testing.T, run *domain.PipelineRun) {
	t.Helper()
	succeeded := make(map[domain.StageName]bool)
	for _, rec := range run.StageHistory {
		if rec.Status == domain.StageRunning {
			if i := rec.Stage.Index(); i > 0 && !succeeded[domain.StageOrder[i-1]] {
				t.Errorf("%s ran before %s succeeded", rec.Stage, domain.StageOrder[i-1])
			}
		}
		if rec.Status == domain.StageSucceeded {
			succeeded[rec.Stage] = true
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMachine_FullRunSameForEveryProvider(t *testing.T) {
	for _, kind := range []domain.ProviderKind{domain.ProviderCodeCommit, domain.ProviderGitHub} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, kind)

			run := h.trigger(t)
			if run.SourceProviderKind != kind {
				t.Errorf("SourceProviderKind = %s, want %s", run.SourceProviderKind, kind)
			}

			parked := h.waitFor(t, run.RunID, domain.RunAwaitingApproval)
			if parked.CurrentStage != domain.StageApproval {
				t.Errorf("CurrentStage = %s, want Approval", parked.CurrentStage)
			}
			if h.actions[domain.StageDeploy].calls() != 0 {
				t.Fatal("Deploy ran before approval")
			}

			if _, err := h.machine.Approve(context.Background(), run.RunID); err != nil {
				t.Fatalf("Approve() error = %v", err)
			}
			done := h.waitFor(t, run.RunID, domain.RunSucceeded)

			var seq []string
			for _, s := range done.StageSequence() {
				seq = append(seq, string(s))
			}
			want := []string{"Source", "Test", "Build", "Approval", "Deploy"}
			if !equalStrings(seq, want) {
				t.Errorf("stage sequence = %v, want %v", seq, want)
			}
			assertOrdered(t, done)

			states := h.events.executionStates(run.RunID)
			if !equalStrings(states, []string{"STARTED", "RESUMED", "SUCCEEDED"}) {
				t.Errorf("execution states = %v", states)
			}

			if len(done.Artifacts) != 2 {
				t.Errorf("artifacts = %+v, want RepoSource and BuildOutput", done.Artifacts)
			}
			deployInputs := h.actions[domain.StageDeploy].inputs[0]
			if len(deployInputs) != 1 || deployInputs[0].Name != domain.ArtifactBuildOutput {
				t.Errorf("Deploy inputs = %+v, want BuildOutput", deployInputs)
			}

			persisted, err := h.store.GetRun(context.Background(), run.RunID)
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if persisted.Status != domain.RunSucceeded {
				t.Errorf("persisted status = %s", persisted.Status)
			}
		})
	}
}

func TestMachine_FailureHaltsRun(t *testing.T) {
	tests := []struct {
		name      string
		configure func(h *harness)
		failed    domain.StageName
		wantMsg   string
	}{
		{
			name:      "test reports failure",
			configure: func(h *harness) { h.actions[domain.StageTest].status = domain.StageFailed },
			failed:    domain.StageTest,
			wantMsg:   "Failed",
		},
		{
			name:      "build returns error",
			configure: func(h *harness) { h.actions[domain.StageBuild].err = errors.New("compiler exploded") },
			failed:    domain.StageBuild,
			wantMsg:   "compiler exploded",
		},
		{
			name:      "build omits declared output",
			configure: func(h *harness) { h.actions[domain.StageBuild].skipOutput = true },
			failed:    domain.StageBuild,
			wantMsg:   "declared output BuildOutput was not produced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, domain.ProviderCodeCommit)
			tt.configure(h)

			run := h.trigger(t)
			done := h.waitFor(t, run.RunID, domain.RunFailed)

			if got := done.StageStatus(tt.failed); got != domain.StageFailed {
				t.Errorf("%s status = %s, want Failed", tt.failed, got)
			}
			last := done.StageHistory[len(done.StageHistory)-1]
			if !strings.Contains(last.Message, tt.wantMsg) {
				t.Errorf("failure message = %q, want it to contain %q", last.Message, tt.wantMsg)
			}
			for _, later := range domain.StageOrder[tt.failed.Index()+1:] {
				if a, ok := h.actions[later]; ok && a.calls() != 0 {
					t.Errorf("%s ran after %s failed", later, tt.failed)
				}
				if done.StageStatus(later) != domain.StagePending {
					t.Errorf("%s recorded after failure", later)
				}
			}
			assertOrdered(t, done)

			states := h.events.executionStates(run.RunID)
			if states[len(states)-1] != "FAILED" {
				t.Errorf("execution states = %v, want trailing FAILED", states)
			}
		})
	}
}

func TestMachine_MissingInputArtifact(t *testing.T) {
	h := newHarness(t, domain.ProviderCodeCommit)
	run := h.trigger(t)
	h.waitFor(t, run.RunID, domain.RunAwaitingApproval)

	h.artifacts.Delete(ArtifactKey(run.RunID, domain.ArtifactBuildOutput))

	if _, err := h.machine.Approve(context.Background(), run.RunID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	done := h.waitFor(t, run.RunID, domain.RunFailed)

	if h.actions[domain.StageDeploy].calls() != 0 {
		t.Error("Deploy ran without its input")
	}
	if done.StageStatus(domain.StageDeploy) != domain.StageFailed {
		t.Errorf("Deploy status = %s, want Failed", done.StageStatus(domain.StageDeploy))
	}
}

func TestMachine_Reject(t *testing.T) {
	h := newHarness(t, domain.ProviderGitHub)
	run := h.trigger(t)
	h.waitFor(t, run.RunID, domain.RunAwaitingApproval)

	rejected, err := h.machine.Reject(context.Background(), run.RunID, "copy is wrong")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != domain.RunRejected {
		t.Errorf("status = %s, want Rejected", rejected.Status)
	}
	if h.actions[domain.StageDeploy].calls() != 0 {
		t.Error("Deploy ran after rejection")
	}

	states := h.events.executionStates(run.RunID)
	if !equalStrings(states, []string{"STARTED", "FAILED"}) {
		t.Errorf("execution states = %v, want rejection announced as FAILED", states)
	}

	_, err = h.machine.Reject(context.Background(), run.RunID, "")
	if !domain.IsTransitionError(err) {
		t.Errorf("second Reject() error = %v, want transition error", err)
	}
}

func TestMachine_CancelAtApproval(t *testing.T) {
	h := newHarness(t, domain.ProviderCodeCommit)
	run := h.trigger(t)
	h.waitFor(t, run.RunID, domain.RunAwaitingApproval)

	canceled, err := h.machine.Cancel(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if canceled.Status != domain.RunCanceled {
		t.Errorf("status = %s, want Canceled", canceled.Status)
	}
	if got := canceled.StageStatus(domain.StageApproval); got != domain.StageCanceled {
		t.Errorf("Approval status = %s, want Canceled", got)
	}

	_, err = h.machine.Approve(context.Background(), run.RunID)
	if !domain.IsTransitionError(err) {
		t.Errorf("Approve() after cancel error = %v, want transition error", err)
	}
	if h.actions[domain.StageDeploy].calls() != 0 {
		t.Error("Deploy started after cancel")
	}
}

func TestMachine_CancelWhileRunning(t *testing.T) {
	h := newHarness(t, domain.ProviderCodeCommit)
	build := h.actions[domain.StageBuild]
	build.block = make(chan struct{})

	run := h.trigger(t)
	select {
	case <-build.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Build never started")
	}

	_, err := h.machine.Approve(context.Background(), run.RunID)
	if !domain.IsTransitionError(err) {
		t.Errorf("Approve() while running error = %v, want transition error", err)
	}

	if _, err := h.machine.Cancel(context.Background(), run.RunID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	done := h.waitFor(t, run.RunID, domain.RunCanceled)

	if got := done.StageStatus(domain.StageBuild); got != domain.StageCanceled {
		t.Errorf("Build status = %s, want Canceled", got)
	}
	if done.StageStatus(domain.StageApproval) != domain.StagePending {
		t.Error("Approval recorded after cancel")
	}
}

func TestMachine_NewRunSupersedesParkedRun(t *testing.T) {
	h := newHarness(t, domain.ProviderCodeCommit)
	first := h.trigger(t)
	h.waitFor(t, first.RunID, domain.RunAwaitingApproval)

	second := h.trigger(t)

	old, err := h.machine.Get(context.Background(), first.RunID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if old.Status != domain.RunSuperseded {
		t.Errorf("first run status = %s, want Superseded", old.Status)
	}
	if states := h.events.executionStates(first.RunID); states[len(states)-1] != "SUPERSEDED" {
		t.Errorf("first run states = %v", states)
	}

	h.waitFor(t, second.RunID, domain.RunAwaitingApproval)
	if _, err := h.machine.Approve(context.Background(), first.RunID); !domain.IsTransitionError(err) {
		t.Errorf("Approve(superseded) error = %v, want transition error", err)
	}
	if _, err := h.machine.Approve(context.Background(), second.RunID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	h.waitFor(t, second.RunID, domain.RunSucceeded)
}

func TestMachine_ResolveFailureCreatesNoRun(t *testing.T) {
	h := newHarness(t, domain.ProviderGitHub)
	h.source.resolveErr = domain.NewConfigError("branch %q does not exist", "gone")

	_, err := h.machine.Trigger(context.Background(), domain.ChangeReference{BranchName: "gone"})
	if !domain.IsConfigError(err) {
		t.Fatalf("Trigger() error = %v, want config error", err)
	}

	runs, err := h.store.ListRuns(context.Background(), ports.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("ListRuns() = %d runs, want 0", len(runs))
	}
	if h.events.count() != 0 {
		t.Errorf("published %d events, want 0", h.events.count())
	}
}

func TestMachine_UnknownRun(t *testing.T) {
	h := newHarness(t, domain.ProviderCodeCommit)

	if _, err := h.machine.Approve(context.Background(), "nope"); !domain.IsNotFound(err) {
		t.Errorf("Approve() error = %v, want not found", err)
	}
	if _, err := h.machine.Cancel(context.Background(), "nope"); !domain.IsNotFound(err) {
		t.Errorf("Cancel() error = %v, want not found", err)
	}
	if _, err := h.machine.Get(context.Background(), "nope"); !domain.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not found", err)
	}
}

func TestNewMachine_Validation(t *testing.T) {
	arts := artmemory.New()
	base := func() MachineConfig {
		return MachineConfig{
			Pipeline:  "p",
			Source:    &fakeSource{kind: domain.ProviderCodeCommit},
			Artifacts: arts,
			Store:     memory.New(),
			Events:    &recordingPublisher{},
			Actions: []ports.StageAction{
				newFakeAction(domain.StageSource, arts),
				newFakeAction(domain.StageTest, arts),
				newFakeAction(domain.StageBuild, arts),
				newFakeAction(domain.StageDeploy, arts),
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*MachineConfig)
	}{
		{name: "missing deploy", mutate: func(c *MachineConfig) { c.Actions = c.Actions[:3] }},
		{name: "approval action", mutate: func(c *MachineConfig) {
			c.Actions = append(c.Actions, newFakeAction(domain.StageApproval, arts))
		}},
		{name: "duplicate stage", mutate: func(c *MachineConfig) {
			c.Actions = append(c.Actions, newFakeAction(domain.StageTest, arts))
		}},
		{name: "no source", mutate: func(c *MachineConfig) { c.Source = nil }},
		{name: "no pipeline name", mutate: func(c *MachineConfig) { c.Pipeline = "" }},
	}

	if _, err := NewMachine(base()); err != nil {
		t.Fatalf("NewMachine(valid) error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if _, err := NewMachine(cfg); !domain.IsConfigError(err) {
				t.Errorf("NewMachine() error = %v, want config error", err)
			}
		})
	}
}
