package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
)

var tracer = otel.Tracer("github.com/tjfontaine/sitepipe/internal/pipeline")

// SourceResolver is the slice of the source provider the machine needs to
// admit a change.
type SourceResolver interface {
	Kind() domain.ProviderKind
	Identity() domain.SourceIdentity
	Resolve(ctx context.Context, change domain.ChangeReference) (domain.ChangeReference, error)
}

// MachineConfig wires a Machine.
type MachineConfig struct {
	Pipeline string
	Account  string
	Region   string

	Source    SourceResolver
	Actions   []ports.StageAction
	Artifacts ports.ArtifactStore
	Store     ports.RunStore
	Events    ports.EventPublisher
	Logger    *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Machine owns every PipelineRun. All run mutation happens under mu; stage
// actions run outside it.
type Machine struct {
	pipeline string
	account  string
	region   string

	source    SourceResolver
	actions   map[domain.StageName]ports.StageAction
	artifacts ports.ArtifactStore
	store     ports.RunStore
	events    ports.EventPublisher
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// activeRun is a non-terminal run. cancel is nil while the run is parked at
// Approval.
type activeRun struct {
	run      *domain.PipelineRun
	cancel   context.CancelFunc
	canceled bool
}

// NewMachine validates cfg. Source, Test, Build and Deploy must each have an
// action; Approval must not.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	switch {
	case cfg.Pipeline == "":
		return nil, domain.NewConfigError("pipeline name is required")
	case cfg.Source == nil:
		return nil, domain.NewConfigError("pipeline requires a source provider")
	case cfg.Artifacts == nil:
		return nil, domain.NewConfigError("pipeline requires an artifact store")
	case cfg.Store == nil:
		return nil, domain.NewConfigError("pipeline requires a run store")
	case cfg.Events == nil:
		return nil, domain.NewConfigError("pipeline requires an event publisher")
	}

	actions := make(map[domain.StageName]ports.StageAction, len(cfg.Actions))
	for _, a := range cfg.Actions {
		stage := a.Stage()
		if stage == domain.StageApproval {
			return nil, domain.NewConfigError("approval is handled by the pipeline and takes no action")
		}
		if stage.Index() < 0 {
			return nil, domain.NewConfigError("unknown stage %q", stage)
		}
		if _, dup := actions[stage]; dup {
			return nil, domain.NewConfigError("duplicate action for stage %s", stage)
		}
		actions[stage] = a
	}
	for _, stage := range domain.StageOrder {
		if stage == domain.StageApproval {
			continue
		}
		if _, ok := actions[stage]; !ok {
			return nil, domain.NewConfigError("no action configured for stage %s", stage)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Machine{
		pipeline:  cfg.Pipeline,
		account:   cfg.Account,
		region:    cfg.Region,
		source:    cfg.Source,
		actions:   actions,
		artifacts: cfg.Artifacts,
		store:     cfg.Store,
		events:    cfg.Events,
		logger:    logger.With(slog.String("pipeline", cfg.Pipeline)),
		now:       now,
		active:    make(map[string]*activeRun),
	}, nil
}

// Pipeline returns the pipeline name.
func (m *Machine) Pipeline() string { return m.pipeline }

// Trigger admits a change and starts a run. The branch is resolved first; a
// resolution failure is a configuration error and no run is created. Runs
// parked at Approval are superseded by the new run.
func (m *Machine) Trigger(ctx context.Context, change domain.ChangeReference) (*domain.PipelineRun, error) {
	resolved, err := m.source.Resolve(ctx, change)
	if err != nil {
		return nil, err
	}

	now := m.now()
	run := &domain.PipelineRun{
		RunID:              uuid.NewString(),
		Pipeline:           m.pipeline,
		SourceProviderKind: m.source.Kind(),
		Source:             m.source.Identity(),
		Change:             resolved,
		CurrentStage:       domain.StageSource,
		Status:             domain.RunRunning,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	m.mu.Lock()
	for _, other := range m.active {
		if other.run.Status == domain.RunAwaitingApproval {
			m.closeParkedLocked(other, domain.RunSuperseded, "superseded by run "+run.RunID)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &activeRun{run: run, cancel: cancel}
	m.active[run.RunID] = a
	m.persistLocked(run)
	m.publishLocked(run, "", string(domain.ExecutionStarted), "")
	snapshot := run.Clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("run started",
		slog.String("run_id", run.RunID),
		slog.String("provider", string(run.SourceProviderKind)),
		slog.String("commit", resolved.AfterCommit))

	go m.execute(runCtx, cancel, a, 0)
	return snapshot, nil
}

// Approve releases a run parked at Approval. Deploy starts immediately.
func (m *Machine) Approve(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	a, err := m.parkedLocked(ctx, runID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.recordLocked(a, domain.StageApproval, domain.StageSucceeded, "approved")
	a.run.Status = domain.RunRunning
	m.persistLocked(a.run)
	m.publishLocked(a.run, "", string(domain.ExecutionResumed), "")

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	snapshot := a.run.Clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("run approved", slog.String("run_id", runID))

	go m.execute(runCtx, cancel, a, domain.StageDeploy.Index())
	return snapshot, nil
}

// Reject terminates a run parked at Approval. Deploy never starts.
func (m *Machine) Reject(ctx context.Context, runID, reason string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.parkedLocked(ctx, runID)
	if err != nil {
		return nil, err
	}

	msg := "rejected"
	if reason != "" {
		msg = "rejected: " + reason
	}
	m.recordLocked(a, domain.StageApproval, domain.StageFailed, msg)
	m.completeLocked(a, domain.RunRejected, msg)

	m.logger.Info("run rejected", slog.String("run_id", runID), slog.String("reason", reason))
	return a.run.Clone(), nil
}

// Cancel stops a non-terminal run. A run parked at Approval becomes Canceled
// immediately. A run inside a stage has its context canceled and is
// finalized by its executor; the returned snapshot may still read Running.
func (m *Machine) Cancel(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[runID]
	if !ok {
		return nil, m.inactiveErrorLocked(ctx, runID, "cancel")
	}

	if a.run.Status == domain.RunAwaitingApproval {
		m.closeParkedLocked(a, domain.RunCanceled, "canceled by operator")
	} else if !a.canceled {
		a.canceled = true
		if a.cancel != nil {
			a.cancel()
		}
	}

	m.logger.Info("run cancel requested", slog.String("run_id", runID))
	return a.run.Clone(), nil
}

// Get returns a snapshot of a run, active or persisted.
func (m *Machine) Get(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	m.mu.Lock()
	if a, ok := m.active[runID]; ok {
		snapshot := a.run.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	return m.store.GetRun(ctx, runID)
}

// List returns persisted runs of this pipeline.
func (m *Machine) List(ctx context.Context, opts ports.RunListOptions) ([]*domain.PipelineRun, error) {
	if opts.Pipeline == "" {
		opts.Pipeline = m.pipeline
	}
	return m.store.ListRuns(ctx, opts)
}

// Events returns the lifecycle event log of a run.
func (m *Machine) Events(ctx context.Context, runID string) ([]*domain.Event, error) {
	if _, err := m.Get(ctx, runID); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, runID)
}

// ActiveRuns returns the number of non-terminal runs.
func (m *Machine) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every in-flight stage has finished or ctx is done.
// Parked runs do not hold anything and are not waited for.
func (m *Machine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) execute(ctx context.Context, cancel context.CancelFunc, a *activeRun, from int) {
	defer m.wg.Done()
	defer cancel()

	for i := from; i < len(domain.StageOrder); i++ {
		if domain.StageOrder[i] == domain.StageApproval {
			m.park(a)
			return
		}
		if !m.runStage(ctx, a, i) {
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeLocked(a, domain.RunSucceeded, "")
	m.logger.Info("run succeeded", slog.String("run_id", a.run.RunID))
}

// runStage executes StageOrder[i]. It reports whether the run may continue.
func (m *Machine) runStage(ctx context.Context, a *activeRun, i int) bool {
	stage := domain.StageOrder[i]
	contract := Contracts[stage]

	m.mu.Lock()
	if a.canceled {
		m.cancelLocked(a, stage)
		m.mu.Unlock()
		return false
	}
	if i > 0 {
		prev := domain.StageOrder[i-1]
		if st := a.run.StageStatus(prev); st != domain.StageSucceeded {
			m.failLocked(a, stage, fmt.Sprintf("predecessor %s is %s", prev, st))
			m.mu.Unlock()
			return false
		}
	}
	inputs := make([]domain.ArtifactRef, 0, len(contract.Inputs))
	for _, name := range contract.Inputs {
		ref, ok := a.run.Artifact(name)
		if !ok {
			m.failLocked(a, stage, fmt.Sprintf("input artifact %s is not available", name))
			m.mu.Unlock()
			return false
		}
		inputs = append(inputs, ref)
	}
	runID := a.run.RunID
	m.mu.Unlock()

	for _, ref := range inputs {
		ok, err := m.artifacts.Exists(ctx, ref.Key)
		if err != nil || !ok {
			msg := fmt.Sprintf("input artifact %s does not exist", ref.Name)
			if err != nil {
				msg = fmt.Sprintf("check input artifact %s: %v", ref.Name, err)
			}
			m.mu.Lock()
			if a.canceled {
				m.cancelLocked(a, stage)
			} else {
				m.failLocked(a, stage, msg)
			}
			m.mu.Unlock()
			return false
		}
	}

	m.mu.Lock()
	if a.canceled {
		m.cancelLocked(a, stage)
		m.mu.Unlock()
		return false
	}
	m.recordLocked(a, stage, domain.StageRunning, "")
	snapshot := a.run.Clone()
	m.mu.Unlock()

	output := OutputRef(runID, stage)
	failure := m.invoke(ctx, stage, &ports.StageInput{Run: snapshot, Inputs: inputs, Output: output})

	m.mu.Lock()
	defer m.mu.Unlock()

	if a.canceled {
		m.cancelLocked(a, stage)
		return false
	}
	if failure != "" {
		m.failLocked(a, stage, failure)
		return false
	}

	m.recordLocked(a, stage, domain.StageSucceeded, "")
	if output != nil {
		a.run.Artifacts = append(a.run.Artifacts, *output)
		m.persistLocked(a.run)
	}
	return true
}

// invoke runs the stage action and checks its declared output. It returns a
// failure message, or "" on success.
func (m *Machine) invoke(ctx context.Context, stage domain.StageName, in *ports.StageInput) string {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+string(stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", in.Run.RunID),
		attribute.String("stage", string(stage)))

	result, err := m.actions[stage].Execute(ctx, in)

	var failure string
	switch {
	case err != nil:
		failure = err.Error()
	case result == nil:
		failure = "stage action returned no result"
	case result.Status != domain.StageSucceeded:
		failure = result.Message
		if failure == "" {
			failure = fmt.Sprintf("stage action reported %s", result.Status)
		}
	case in.Output != nil:
		ok, err := m.artifacts.Exists(ctx, in.Output.Key)
		if err != nil {
			failure = fmt.Sprintf("check output artifact %s: %v", in.Output.Name, err)
		} else if !ok {
			failure = fmt.Sprintf("declared output %s was not produced", in.Output.Name)
		}
	}

	if failure != "" {
		span.SetStatus(codes.Error, failure)
	}
	return failure
}

// park suspends the run at Approval. The newest parked run wins: older
// parked runs are superseded, and a run that parks after a newer one is
// superseded itself.
func (m *Machine) park(a *activeRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.canceled {
		m.cancelLocked(a, domain.StageApproval)
		return
	}

	for _, other := range m.active {
		if other == a || other.run.Status != domain.RunAwaitingApproval {
			continue
		}
		if other.run.CreatedAt.After(a.run.CreatedAt) {
			m.recordLocked(a, domain.StageApproval, domain.StageCanceled, "superseded by run "+other.run.RunID)
			m.completeLocked(a, domain.RunSuperseded, "superseded by run "+other.run.RunID)
			return
		}
		m.closeParkedLocked(other, domain.RunSuperseded, "superseded by run "+a.run.RunID)
	}

	a.cancel = nil
	a.run.Status = domain.RunAwaitingApproval
	m.recordLocked(a, domain.StageApproval, domain.StagePending, "awaiting approval")

	m.logger.Info("run awaiting approval", slog.String("run_id", a.run.RunID))
}

// parkedLocked returns the run if it is parked at Approval.
func (m *Machine) parkedLocked(ctx context.Context, runID string) (*activeRun, error) {
	a, ok := m.active[runID]
	if !ok {
		return nil, m.inactiveErrorLocked(ctx, runID, "approval signal")
	}
	if a.run.Status != domain.RunAwaitingApproval {
		return nil, domain.NewTransitionError(runID, "run is %s at stage %s, not awaiting approval", a.run.Status, a.run.CurrentStage)
	}
	return a, nil
}

// inactiveErrorLocked distinguishes unknown runs from terminal ones.
func (m *Machine) inactiveErrorLocked(ctx context.Context, runID, signal string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return domain.ErrRunNotFound
		}
		return err
	}
	return domain.NewTransitionError(runID, "%s does not apply to a %s run", signal, run.Status)
}

func (m *Machine) closeParkedLocked(a *activeRun, status domain.RunStatus, msg string) {
	m.recordLocked(a, domain.StageApproval, domain.StageCanceled, msg)
	m.completeLocked(a, status, msg)
	m.logger.Info("parked run closed",
		slog.String("run_id", a.run.RunID),
		slog.String("status", string(status)),
		slog.String("reason", msg))
}

func (m *Machine) cancelLocked(a *activeRun, stage domain.StageName) {
	m.recordLocked(a, stage, domain.StageCanceled, "canceled by operator")
	m.completeLocked(a, domain.RunCanceled, "canceled by operator")
	m.logger.Info("run canceled", slog.String("run_id", a.run.RunID), slog.String("stage", string(stage)))
}

func (m *Machine) failLocked(a *activeRun, stage domain.StageName, msg string) {
	m.recordLocked(a, stage, domain.StageFailed, msg)
	m.completeLocked(a, domain.RunFailed, msg)
	m.logger.Warn("run failed",
		slog.String("run_id", a.run.RunID),
		slog.String("error", domain.NewStageError(a.run.RunID, stage, errors.New(msg)).Error()))
}

// recordLocked appends a stage record, persists, and publishes the stage
// event.
func (m *Machine) recordLocked(a *activeRun, stage domain.StageName, status domain.StageStatus, msg string) {
	now := m.now()
	a.run.StageHistory = append(a.run.StageHistory, domain.StageRecord{
		Stage:     stage,
		Status:    status,
		Timestamp: now,
		Message:   msg,
	})
	if stage.Index() > a.run.CurrentStage.Index() {
		a.run.CurrentStage = stage
	}
	a.run.UpdatedAt = now
	m.persistLocked(a.run)
	m.publishLocked(a.run, stage, domain.StageState(status), msg)
}

// completeLocked moves the run to a terminal status and retires it.
func (m *Machine) completeLocked(a *activeRun, status domain.RunStatus, msg string) {
	a.run.Status = status
	a.run.UpdatedAt = m.now()
	delete(m.active, a.run.RunID)
	m.persistLocked(a.run)

	if state, ok := domain.ExecutionStateFor(status); ok {
		m.publishLocked(a.run, "", string(state), msg)
	}
}

func (m *Machine) persistLocked(run *domain.PipelineRun) {
	if err := m.store.SaveRun(context.Background(), run); err != nil {
		m.logger.Error("failed to persist run",
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()))
	}
}

func (m *Machine) publishLocked(run *domain.PipelineRun, stage domain.StageName, state, msg string) {
	detailType := domain.DetailPipelineExecution
	if stage != "" {
		detailType = domain.DetailPipelineStage
	}

	event := &domain.Event{
		ID:         uuid.NewString(),
		Source:     domain.SourcePipelineLifecycle,
		DetailType: detailType,
		Time:       m.now(),
		Account:    m.account,
		Region:     m.region,
		Resources:  []string{m.pipeline, run.RunID},
		Pipeline: &domain.PipelineEventDetail{
			Pipeline: m.pipeline,
			RunID:    run.RunID,
			Stage:    stage,
			State:    state,
			Message:  msg,
		},
	}

	if err := m.events.Publish(context.Background(), event); err != nil {
		m.logger.Error("failed to publish lifecycle event",
			slog.String("run_id", run.RunID),
			slog.String("state", state),
			slog.String("error", err.Error()))
	}
}
