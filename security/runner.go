package security

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/grid-variants/internal/logging"
	"github.com/signalsfoundry/grid-variants/network"
)

const tracerName = "github.com/signalsfoundry/grid-variants/security"

// Status is the outcome of solving one state.
type Status string

const (
	StatusConverged Status = "CONVERGED"
	StatusFailed    Status = "FAILED"
)

// Solver computes the state of the working variant of ctx in place.
// Implementations live outside this package.
type Solver interface {
	Solve(ctx context.Context, n *network.Network) error
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, n *network.Network) error

// Solve implements Solver.
func (f SolverFunc) Solve(ctx context.Context, n *network.Network) error { return f(ctx, n) }

// StateResult holds the outcome of one solved variant.
type StateResult struct {
	Status     Status           `yaml:"status" json:"status"`
	Error      string           `yaml:"error,omitempty" json:"error,omitempty"`
	Violations []LimitViolation `yaml:"violations,omitempty" json:"violations,omitempty"`
	Islands    int              `yaml:"islands" json:"islands"`
}

// ContingencyResult is the post-contingency outcome of one contingency.
type ContingencyResult struct {
	Contingency Contingency `yaml:"contingency" json:"contingency"`
	VariantID   string      `yaml:"variant_id" json:"variant_id"`
	StateResult `yaml:",inline" json:",inline"`
}

// Result is the outcome of a security analysis run.
type Result struct {
	RunID           string              `yaml:"run_id" json:"run_id"`
	BaseVariantID   string              `yaml:"base_variant_id" json:"base_variant_id"`
	PreContingency  StateResult         `yaml:"pre_contingency" json:"pre_contingency"`
	PostContingency []ContingencyResult `yaml:"post_contingency" json:"post_contingency"`
}

// MetricsRecorder receives per-contingency measurements.
type MetricsRecorder interface {
	ObserveContingency(status string, d time.Duration)
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithParallelism bounds the number of contingencies solved at once.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// Runner executes security analyses: the working variant is solved first,
// then cloned once per contingency, and every contingency is simulated on
// its own variant by its own worker.
type Runner struct {
	solver      Solver
	parallelism int
	log         logging.Logger
	tracer      trace.Tracer
	metrics     MetricsRecorder
}

// NewRunner returns a Runner using solver for every state.
func NewRunner(solver Solver, opts ...RunnerOption) *Runner {
	r := &Runner{
		solver:      solver,
		parallelism: runtime.GOMAXPROCS(0),
		log:         logging.Noop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run analyses n from the working variant of ctx. Contingency variants are
// removed before Run returns, and the variant concurrency mode is restored.
// Solver failures are reported per contingency; variant registry errors and
// cancellation abort the run.
func (r *Runner) Run(ctx context.Context, n *network.Network, in *Inputs) (res *Result, err error) {
	if r.solver == nil {
		return nil, errors.New("security: runner has no solver")
	}
	if in == nil {
		in = NewInputs()
	}
	ctx, runID := logging.EnsureRunID(ctx)
	ctx, span := r.tracer.Start(ctx, "security.Run", trace.WithAttributes(
		attribute.String("network.id", n.ID()),
		attribute.String("run.id", runID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	variants := n.Variants()
	base, err := variants.WorkingVariantID(ctx)
	if err != nil {
		return nil, err
	}
	contingencies := in.Contingencies()
	for _, c := range contingencies {
		if err := c.validate(n.Graph()); err != nil {
			return nil, err
		}
	}
	detector := in.Detector()
	params := in.Parameters()

	log := r.log.With(logging.String("network_id", n.ID()), logging.String("base_variant", base))
	log.Info(ctx, "security analysis started", logging.Int("contingencies", len(contingencies)))

	res = &Result{
		RunID:           runID,
		BaseVariantID:   base,
		PreContingency:  r.solveState(ctx, n, detector, params),
		PostContingency: make([]ContingencyResult, len(contingencies)),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(contingencies) == 0 {
		return res, nil
	}

	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	ids := make([]string, len(contingencies))
	for i, c := range contingencies {
		ids[i] = fmt.Sprintf("%s@%s", c.ID, prefix)
	}
	if err := variants.CloneVariants(base, ids); err != nil {
		return nil, fmt.Errorf("security: clone contingency variants: %w", err)
	}
	defer r.discard(ctx, n, ids, log)

	wasMulti := variants.IsVariantMultiThreadAccessAllowed()
	if !wasMulti {
		if err := variants.AllowVariantMultiThreadAccess(ctx, true); err != nil {
			return nil, err
		}
		defer func() {
			if merr := variants.AllowVariantMultiThreadAccess(ctx, false); merr != nil {
				log.Warn(ctx, "failed to restore single-thread variant access", logging.Err(merr))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i := range contingencies {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.runContingency(gctx, n, contingencies[i], ids[i], detector, params)
			if err != nil {
				return err
			}
			// a solve cut short by cancellation is not a result
			if err := gctx.Err(); err != nil {
				return err
			}
			res.PostContingency[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info(ctx, "security analysis finished", logging.Int("contingencies", len(contingencies)))
	return res, nil
}

func (r *Runner) runContingency(ctx context.Context, n *network.Network, c Contingency, variantID string, detector LimitViolationDetector, params Parameters) (ContingencyResult, error) {
	start := time.Now()
	variants := n.Variants()
	wctx := variants.RegisterWorker(ctx)
	defer variants.ReleaseWorker(wctx)

	wctx, span := r.tracer.Start(wctx, "security.Contingency", trace.WithAttributes(
		attribute.String("contingency.id", c.ID),
		attribute.String("variant.id", variantID),
	))
	defer span.End()

	if err := variants.SetWorkingVariant(wctx, variantID); err != nil {
		span.RecordError(err)
		return ContingencyResult{}, err
	}
	for _, id := range c.BranchIDs {
		if err := n.SetBranchConnected(wctx, id, false); err != nil {
			span.RecordError(err)
			return ContingencyResult{}, fmt.Errorf("contingency %q: %w", c.ID, err)
		}
	}

	out := ContingencyResult{
		Contingency: c,
		VariantID:   variantID,
		StateResult: r.solveState(wctx, n, detector, params),
	}
	span.SetAttributes(
		attribute.String("status", string(out.Status)),
		attribute.Int("violations", len(out.Violations)),
	)
	if out.Status == StatusFailed {
		span.SetStatus(codes.Error, out.Error)
	}
	if r.metrics != nil {
		r.metrics.ObserveContingency(string(out.Status), time.Since(start))
	}
	r.log.Debug(wctx, "contingency simulated",
		logging.String("contingency_id", c.ID),
		logging.String("status", string(out.Status)),
		logging.Int("violations", len(out.Violations)),
	)
	return out, nil
}

// solveState runs the solver and the detector on the working variant of ctx.
func (r *Runner) solveState(ctx context.Context, n *network.Network, detector LimitViolationDetector, params Parameters) StateResult {
	if err := r.solver.Solve(ctx, n); err != nil {
		return StateResult{Status: StatusFailed, Error: err.Error()}
	}
	out := StateResult{Status: StatusConverged}
	if islands, err := n.Islands(ctx); err == nil {
		out.Islands = len(islands)
	}
	violations, err := detector.Detect(ctx, n, params)
	if err != nil {
		return StateResult{Status: StatusFailed, Error: err.Error(), Islands: out.Islands}
	}
	out.Violations = violations
	return out
}

func (r *Runner) discard(ctx context.Context, n *network.Network, ids []string, log logging.Logger) {
	for _, id := range ids {
		if err := n.Variants().RemoveVariant(id); err != nil {
			log.Warn(ctx, "failed to discard contingency variant", logging.String("variant_id", id), logging.Err(err))
		}
	}
}
