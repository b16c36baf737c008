package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/validation"
)

// Config is the orchestration policy. It is independent of the gate limits.
type Config struct {
	MaxToolCalls         int           // per subtask in comprehensive runs
	SubtaskParallelism   int           // subtasks researched at once within a run
	RunParallelism       int           // runs started at once by ResearchParallel
	QuickTimeout         time.Duration // wall-clock budget of a quick run
	ComprehensiveTimeout time.Duration // wall-clock budget of a comprehensive run
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolCalls:         agents.DefaultMaxToolCalls,
		SubtaskParallelism:   4,
		RunParallelism:       4,
		QuickTimeout:         2 * time.Minute,
		ComprehensiveTimeout: 10 * time.Minute,
	}
}

func (c Config) timeoutFor(d models.Depth) time.Duration {
	if d == models.DepthQuick {
		return c.QuickTimeout
	}
	return c.ComprehensiveTimeout
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = def.MaxToolCalls
	}
	if c.SubtaskParallelism <= 0 {
		c.SubtaskParallelism = def.SubtaskParallelism
	}
	if c.RunParallelism <= 0 {
		c.RunParallelism = def.RunParallelism
	}
	if c.QuickTimeout <= 0 {
		c.QuickTimeout = def.QuickTimeout
	}
	if c.ComprehensiveTimeout <= 0 {
		c.ComprehensiveTimeout = def.ComprehensiveTimeout
	}
	return c
}

// Result is the outcome of one run. Report is always populated, also for failed runs.
type Result struct {
	Query    models.Query
	Report   models.Report
	Usage    []models.UsageRecord
	Duration time.Duration
	Err      error
}

// Orchestrator drives research runs. Runs share the gate and cache behind the agents and
// the executor but nothing else, so any number of runs may execute concurrently.
type Orchestrator struct {
	agents   *agents.Agents
	executor *tools.Executor
	streams  *streaming.Manager
	clarify  agents.ClarifyFunc
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStreams publishes run updates to m.
func WithStreams(m *streaming.Manager) Option {
	return func(o *Orchestrator) { o.streams = m }
}

// WithClarifier lets researchers ask for clarification. Without it such subtasks stay unresolved.
func WithClarifier(fn agents.ClarifyFunc) Option {
	return func(o *Orchestrator) { o.clarify = fn }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(ag *agents.Agents, exec *tools.Executor, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		agents:   ag,
		executor: exec,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetConfig replaces the policy for runs started afterwards.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// NewRunID returns a fresh run id.
func NewRunID() string { return uuid.NewString() }

// Research runs q under a fresh run id.
func (o *Orchestrator) Research(ctx context.Context, q models.Query) (Result, error) {
	return o.Run(ctx, NewRunID(), q)
}

// Run executes one research run: planning, researching, validating and synthesizing.
//
// The returned Result always carries a Report. When the run fails the Report holds the
// partial findings with Low confidence and the error is returned as well.
func (o *Orchestrator) Run(ctx context.Context, runID string, q models.Query) (Result, error) {
	cfg := o.config()
	if d, ok := models.ParseDepth(string(q.Depth)); ok {
		q.Depth = d
	}
	r := &run{
		o:       o,
		id:      runID,
		q:       q,
		cfg:     cfg,
		state:   models.StatePending,
		acc:     budget.NewAccumulator(runID, o.logger),
		outputs: make(map[int]agents.ResearchOutput),
		logger:  o.logger.With(zap.String("run_id", runID)),
	}
	start := time.Now()
	metrics.RunsStarted.WithLabelValues(string(q.Depth)).Inc()

	ctx, span := tracing.StartSpan(ctx, "research.run",
		attribute.String("run_id", runID),
		attribute.String("depth", string(q.Depth)),
	)
	defer span.End()

	timeout := cfg.timeoutFor(q.Depth)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = budget.WithRecorder(runCtx, r.acc)

	r.logger.Info("Research run started",
		zap.String("query", q.Text),
		zap.String("depth", string(q.Depth)),
		zap.Duration("timeout", timeout),
	)
	o.emit(runID, streaming.AgentOrchestrator, streaming.StatusStarted, q.Text)

	err := r.execute(runCtx)
	if err != nil {
		err = classifyFailure(ctx, runCtx, timeout, err)
		r.fail(err)
		tracing.Fail(span, err)
	}

	res := Result{
		Query:    q,
		Report:   r.report(err),
		Usage:    r.acc.Records(),
		Duration: time.Since(start),
		Err:      err,
	}
	metrics.RecordRunMetrics(string(q.Depth), string(res.Report.State), res.Report.Confidence, res.Duration.Seconds())

	if err != nil {
		r.logger.Error("Research run failed",
			zap.String("stage", string(r.failedIn)),
			zap.Int("findings", len(res.Report.KeyFindings)),
			zap.Error(err),
		)
		o.emit(runID, streaming.AgentOrchestrator, streaming.StatusFailed, err.Error())
		return res, err
	}
	r.logger.Info("Research run completed",
		zap.Int("findings", len(res.Report.KeyFindings)),
		zap.Int("sources", len(res.Report.Sources)),
		zap.String("confidence", res.Report.Confidence),
		zap.Duration("duration", res.Duration),
	)
	o.emit(runID, streaming.AgentOrchestrator, streaming.StatusCompleted,
		fmt.Sprintf("%d finding(s), confidence %s", len(res.Report.KeyFindings), res.Report.Confidence))
	return res, nil
}

// ResearchParallel runs every query concurrently and returns one Result per query in input order.
// A failed run is reported in its Result and never affects the others.
func (o *Orchestrator) ResearchParallel(ctx context.Context, queries []models.Query) []Result {
	results := make([]Result, len(queries))
	var g errgroup.Group
	g.SetLimit(o.config().RunParallelism)
	for i, q := range queries {
		g.Go(func() error {
			res, _ := o.Research(ctx, q)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		o.logger.Warn("Some parallel runs failed", zap.Int("failed", failed), zap.Int("total", len(queries)))
	}
	o.logger.Info("Parallel research complete", zap.Int("succeeded", len(queries)-failed))
	return results
}

func (o *Orchestrator) emit(runID, agent string, status streaming.Status, msg string) {
	if o.streams == nil {
		return
	}
	o.streams.Publish(runID, streaming.Event{Agent: agent, Status: status, Message: msg})
}

// classifyFailure attributes an error seen after the run context ended to cancellation or timeout.
func classifyFailure(parent, runCtx context.Context, timeout time.Duration, err error) error {
	const op = "orchestrator.run"
	switch {
	case parent.Err() != nil:
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return models.NewError(models.KindRunTimeout, op, parent.Err())
		}
		return models.NewError(models.KindCancelled, op, parent.Err())
	case runCtx.Err() != nil:
		return models.NewError(models.KindRunTimeout, op, fmt.Errorf("run exceeded its %s budget: %w", timeout, runCtx.Err()))
	}
	return err
}

// run is the state of one research run.
type run struct {
	o      *Orchestrator
	id     string
	q      models.Query
	cfg    Config
	acc    *budget.Accumulator
	logger *zap.Logger

	mu       sync.Mutex
	state    models.RunState
	failedIn models.RunState

	available      []tools.Descriptor
	complexity     string
	subtasks       []models.Subtask
	outputs        map[int]agents.ResearchOutput
	findings       []models.Finding
	unresolved     []int
	annotations    []models.ValidationAnnotation
	validated      bool
	contradictions []models.Contradiction
	synthesis      *agents.Synthesis
}

func (r *run) execute(ctx context.Context) error {
	if err := r.q.Validate(); err != nil {
		return err
	}
	if err := r.checkTools(); err != nil {
		return err
	}
	stages := []struct {
		state models.RunState
		fn    func(context.Context) error
	}{
		{models.StatePlanning, r.plan},
		{models.StateResearching, r.research},
		{models.StateValidating, r.validate},
		{models.StateSynthesizing, r.synthesize},
	}
	for _, s := range stages {
		if err := r.stage(ctx, s.state, s.fn); err != nil {
			return err
		}
	}
	return r.transition(models.StateDone)
}

// checkTools rejects allow-lists naming unregistered tools and resolves the tools of the run.
func (r *run) checkTools() error {
	reg := r.o.executor.Registry()
	for _, name := range r.q.Tools {
		if _, ok := reg.Get(name); !ok {
			return models.NewError(models.KindConfiguration, "orchestrator.tools", fmt.Errorf("%w: %s", models.ErrUnknownTool, name))
		}
	}
	r.available = reg.Describe(r.q.Allows)
	return nil
}

func (r *run) stage(ctx context.Context, next models.RunState, fn func(context.Context) error) error {
	if err := r.transition(next); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "research.stage."+string(next), attribute.String("run_id", r.id))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(next)).Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.Fail(span, err)
	}
	return err
}

func (r *run) transition(next models.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", r.state, next)
	}
	r.logger.Debug("Run state changed", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	return nil
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.failedIn = r.state
	r.state = models.StateFailed
}

func (r *run) plan(ctx context.Context) error {
	planner := string(agents.RolePlanner)
	r.o.emit(r.id, planner, streaming.StatusStarted, "decomposing the query")

	plan, err := r.o.agents.Plan(ctx, r.q, r.available)
	if err != nil {
		r.o.emit(r.id, planner, streaming.StatusFailed, err.Error())
		return fmt.Errorf("planning: %w", err)
	}
	r.complexity = plan.Complexity
	r.subtasks = plan.Subtasks
	if len(r.subtasks) == 0 {
		r.logger.Warn("Planner returned no subtasks, researching the query as a whole")
		r.subtasks = []models.Subtask{agents.DefaultSubtask(r.q)}
	}
	r.o.emit(r.id, planner, streaming.StatusCompleted,
		fmt.Sprintf("%d subtask(s), complexity %s", len(r.subtasks), r.complexity))
	return nil
}

// research fans the subtasks out with bounded parallelism. A dependent subtask starts
// after its dependencies finished. Tool failures stay inside their subtask; only errors
// that fail the run cancel the siblings.
func (r *run) research(ctx context.Context) error {
	maxCalls := r.cfg.MaxToolCalls
	if r.q.Depth == models.DepthQuick {
		maxCalls = agents.QuickMaxToolCalls
	}

	order := dispatchOrder(r.subtasks)
	done := make(map[int]chan struct{}, len(order))
	for _, st := range order {
		done[st.ID] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SubtaskParallelism)
	for _, st := range order {
		g.Go(func() error {
			defer close(done[st.ID])
			for _, dep := range st.Dependencies {
				ch, ok := done[dep]
				if !ok {
					continue
				}
				select {
				case <-ch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return r.researchSubtask(gctx, st, maxCalls)
		})
	}
	err := g.Wait()
	r.collect()
	return err
}

// dispatchOrder orders subtasks so dependencies come first. Subtasks are launched in this
// order, so a subtask holding a slot only ever waits for subtasks launched before it.
func dispatchOrder(subtasks []models.Subtask) []models.Subtask {
	res := validation.DetectCyclicDependencies(subtasks)
	if res.HasCycle || len(res.SortedOrder) != len(subtasks) {
		out := make([]models.Subtask, len(subtasks))
		for i, st := range subtasks {
			st.Dependencies = nil
			out[i] = st
		}
		return out
	}
	byID := make(map[int]models.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}
	out := make([]models.Subtask, 0, len(subtasks))
	for _, id := range res.SortedOrder {
		out = append(out, byID[id])
	}
	return out
}

func (r *run) researchSubtask(ctx context.Context, st models.Subtask, maxCalls int) error {
	researcher := string(agents.RoleResearcher)
	worker := agents.WorkerName(r.id, st.ID)
	r.o.emit(r.id, researcher, streaming.StatusStarted, fmt.Sprintf("%s: subtask %d: %s", worker, st.ID, st.Description))

	out, err := r.o.agents.Research(ctx, agents.ResearchInput{
		Query:        r.q,
		Subtask:      st,
		Tools:        r.available,
		MaxToolCalls: maxCalls,
		Clarify:      r.o.clarify,
		Progress: func(status, msg string) {
			r.o.emit(r.id, researcher, streaming.Status(status), worker+": "+msg)
		},
	}, r.o.executor)

	r.mu.Lock()
	r.outputs[st.ID] = out
	r.mu.Unlock()

	if err != nil {
		r.o.emit(r.id, researcher, streaming.StatusFailed, fmt.Sprintf("%s: subtask %d: %v", worker, st.ID, err))
		return fmt.Errorf("subtask %d: %w", st.ID, err)
	}
	if !out.Resolved() {
		metrics.UnresolvedSubtasks.Inc()
		r.logger.Info("Subtask unresolved",
			zap.Int("subtask_id", st.ID),
			zap.Int("tool_calls", out.ToolCalls),
			zap.Strings("failures", out.Failures),
			zap.Bool("needs_clarification", out.NeedsClarification),
		)
	}
	r.o.emit(r.id, researcher, streaming.StatusCompleted,
		fmt.Sprintf("%s: subtask %d: %d finding(s) from %d tool call(s)", worker, st.ID, len(out.Findings), out.ToolCalls))
	return nil
}

// collect gathers findings in plan order, so the outcome does not depend on scheduling.
func (r *run) collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectLocked()
}

func (r *run) collectLocked() {
	r.findings = nil
	r.unresolved = nil
	for _, st := range r.subtasks {
		out := r.outputs[st.ID]
		if !out.Resolved() {
			r.unresolved = append(r.unresolved, st.ID)
			continue
		}
		r.findings = append(r.findings, out.Findings...)
	}
}

func (r *run) validate(ctx context.Context) error {
	validator := string(agents.RoleValidator)
	r.o.emit(r.id, validator, streaming.StatusStarted, fmt.Sprintf("checking %d finding(s)", len(r.findings)))

	val, err := r.o.agents.Validate(ctx, r.q, r.findings)
	switch {
	case err == nil:
		r.validated = true
		r.annotations = val.Annotations
		for i := range r.findings {
			if s, ok := val.Scores[r.findings[i].ID]; ok {
				r.findings[i].Credibility = s
			}
		}
	case errors.Is(err, agents.ErrNoFindings):
		r.o.emit(r.id, validator, streaming.StatusCompleted, "no findings to validate")
		return nil
	case models.Escalates(err) || ctx.Err() != nil:
		r.o.emit(r.id, validator, streaming.StatusFailed, err.Error())
		return fmt.Errorf("validation: %w", err)
	default:
		r.logger.Warn("Validation degraded, continuing with unvalidated findings", zap.Error(err))
		r.o.emit(r.id, validator, streaming.StatusFailed, "validation unavailable, findings left unvalidated")
		return nil
	}

	r.contradictions = contradictions(r.findings, r.annotations)
	r.o.emit(r.id, validator, streaming.StatusCompleted,
		fmt.Sprintf("%d annotation(s), %d contradiction(s)", len(r.annotations), len(r.contradictions)))
	return nil
}

func (r *run) synthesize(ctx context.Context) error {
	synthesizer := string(agents.RoleSynthesizer)
	r.o.emit(r.id, synthesizer, streaming.StatusStarted, "writing the report")

	syn, err := r.o.agents.Synthesize(ctx, agents.SynthesisInput{
		Query:          r.q,
		Findings:       r.findings,
		Contradictions: unresolvedNotes(r.contradictions),
	})
	if err != nil {
		r.o.emit(r.id, synthesizer, streaming.StatusFailed, err.Error())
		return fmt.Errorf("synthesis: %w", err)
	}
	r.synthesis = &syn
	r.o.emit(r.id, synthesizer, streaming.StatusCompleted, fmt.Sprintf("%d key insight(s)", len(syn.KeyInsights)))
	return nil
}

// report seals the run into a Report. Slices are never nil so the JSON shape is stable.
func (r *run) report(failure error) models.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	if failure != nil && r.findings == nil {
		// failed before the research barrier: keep what finished
		r.collectLocked()
	}
	findings := r.findings
	if findings == nil {
		findings = []models.Finding{}
	}
	unresolved := r.unresolved
	if unresolved == nil {
		unresolved = []int{}
	}

	score, label := ScoreConfidence(ConfidenceInput{
		Subtasks:    r.subtasks,
		Findings:    findings,
		Annotations: r.annotations,
		Validated:   r.validated,
		Failed:      failure != nil,
	})

	rep := models.Report{
		RunID:              r.id,
		Query:              r.q.Text,
		Depth:              r.q.Depth,
		State:              r.state,
		Title:              "Research Report: " + r.q.Text,
		KeyInsights:        []string{},
		KeyFindings:        findings,
		Contradictions:     r.contradictions,
		Sources:            sourcesOf(findings),
		UnresolvedSubtasks: unresolved,
		Confidence:         label,
		ConfidenceScore:    score,
		Usage:              r.acc.Totals(),
		GeneratedAt:        r.o.now().UTC(),
	}
	if rep.Contradictions == nil {
		rep.Contradictions = []models.Contradiction{}
	}
	rep.Limitations = limitations(limitationInput{
		findings:   findings,
		unresolved: unresolved,
		validated:  r.validated,
		failure:    failure,
		stage:      r.failedIn,
	})

	switch {
	case failure != nil:
		rep.Summary = failureSummary(r.q, r.failedIn, failure, len(findings))
	case r.synthesis != nil:
		rep.Title = r.synthesis.Title
		rep.Summary = r.synthesis.Summary
		rep.DetailedAnalysis = r.synthesis.DetailedAnalysis
		if r.synthesis.KeyInsights != nil {
			rep.KeyInsights = r.synthesis.KeyInsights
		}
	default:
		rep.Summary = agents.NoFindingsSummary(r.q)
	}
	return rep
}
