package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/grid-variants/internal/dcflow"
	"github.com/signalsfoundry/grid-variants/network"
	"github.com/signalsfoundry/grid-variants/variant"
)

// newDoubleCircuit builds two parallel 150 MW lines feeding a 200 MW load.
func newDoubleCircuit(t *testing.T) *network.Network {
	t.Helper()
	n := network.New("double-circuit")
	require.NoError(t, n.AddBus(network.Bus{ID: "B1", NominalKV: 400, LowVoltageLimit: 380, HighVoltageLimit: 420}))
	require.NoError(t, n.AddBus(network.Bus{ID: "B2", NominalKV: 400, LowVoltageLimit: 380, HighVoltageLimit: 420}))
	require.NoError(t, n.AddLine(network.Branch{ID: "L1", Bus1: "B1", Bus2: "B2", X: 16, RatedMW: 150}))
	require.NoError(t, n.AddLine(network.Branch{ID: "L2", Bus1: "B1", Bus2: "B2", X: 16, RatedMW: 150}))
	require.NoError(t, n.AddGenerator(network.Generator{ID: "G1", Bus: "B1", MaxP: 300, TargetP: 200}))
	require.NoError(t, n.AddLoad(network.Load{ID: "D2", Bus: "B2", P0: 200}))
	return n
}

func doubleCircuitInputs(t *testing.T) *Inputs {
	t.Helper()
	in := NewInputs()
	require.NoError(t, in.SetContingencies([]Contingency{
		{ID: "N-1-L1", BranchIDs: []string{"L1"}},
		{ID: "N-2", BranchIDs: []string{"L1", "L2"}},
	}))
	return in
}

type contingencyRecorder struct {
	mu       sync.Mutex
	statuses map[string]int
}

func (r *contingencyRecorder) ObserveContingency(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[status]++
}

func TestRunnerReportsPerContingencyViolations(t *testing.T) {
	ctx := context.Background()
	n := newDoubleCircuit(t)
	rec := &contingencyRecorder{}

	res, err := NewRunner(dcflow.Solver{}, WithParallelism(2), WithMetricsRecorder(rec)).Run(ctx, n, doubleCircuitInputs(t))
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, variant.DefaultInitialVariantID, res.BaseVariantID)

	require.Equal(t, StatusConverged, res.PreContingency.Status)
	require.Empty(t, res.PreContingency.Violations)
	require.Equal(t, 1, res.PreContingency.Islands)

	require.Len(t, res.PostContingency, 2)
	n1 := res.PostContingency[0]
	require.Equal(t, "N-1-L1", n1.Contingency.ID)
	require.Equal(t, StatusConverged, n1.Status)
	require.Len(t, n1.Violations, 1)
	require.Equal(t, "L2", n1.Violations[0].SubjectID)
	require.Equal(t, ActivePower, n1.Violations[0].Type)
	require.InDelta(t, 200, n1.Violations[0].Value, 1e-6)

	n2 := res.PostContingency[1]
	require.Equal(t, 2, n2.Islands)
	require.Len(t, n2.Violations, 1)
	require.Equal(t, LowVoltage, n2.Violations[0].Type)
	require.Equal(t, "B2", n2.Violations[0].SubjectID)

	require.Equal(t, []string{variant.DefaultInitialVariantID}, n.Variants().VariantIDs(), "contingency variants are discarded")
	require.False(t, n.Variants().IsVariantMultiThreadAccessAllowed(), "mode is restored")

	// the base variant holds the pre-contingency solution
	flow, err := n.BranchFlow(ctx, "L1")
	require.NoError(t, err)
	require.InDelta(t, 100, flow.P1, 1e-6)
	connected, err := n.BranchConnected(ctx, "L1")
	require.NoError(t, err)
	require.True(t, connected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 2, rec.statuses[string(StatusConverged)])
}

func TestRunnerAppliesLimitReduction(t *testing.T) {
	n := newDoubleCircuit(t)
	in := NewInputs()
	require.NoError(t, in.SetContingencies([]Contingency{}))
	require.NoError(t, in.SetParameters(Parameters{LimitReduction: 0.5}))

	res, err := NewRunner(dcflow.Solver{}).Run(context.Background(), n, in)
	require.NoError(t, err)
	require.Empty(t, res.PostContingency)
	require.Len(t, res.PreContingency.Violations, 2, "100 MW on each line exceeds 75 MW")
	require.Equal(t, 0.5, res.PreContingency.Violations[0].Reduction)
}

func TestRunnerKeepsGoingWhenASolveFails(t *testing.T) {
	n := newDoubleCircuit(t)
	solver := SolverFunc(func(ctx context.Context, n *network.Network) error {
		connected, err := n.BranchConnected(ctx, "L2")
		if err != nil {
			return err
		}
		if !connected {
			return errors.New("diverged")
		}
		return dcflow.Solver{}.Solve(ctx, n)
	})

	res, err := NewRunner(solver).Run(context.Background(), n, doubleCircuitInputs(t))
	require.NoError(t, err)
	require.Equal(t, StatusConverged, res.PostContingency[0].Status)
	require.Equal(t, StatusFailed, res.PostContingency[1].Status)
	require.Equal(t, "diverged", res.PostContingency[1].Error)
	require.Equal(t, []string{variant.DefaultInitialVariantID}, n.Variants().VariantIDs())
}

func TestRunnerRunsFromTheCallersWorkingVariant(t *testing.T) {
	ctx := context.Background()
	n := newDoubleCircuit(t)
	vm := n.Variants()
	require.NoError(t, vm.CloneVariant(variant.DefaultInitialVariantID, "peak"))
	require.NoError(t, vm.SetWorkingVariant(ctx, "peak"))
	require.NoError(t, n.SetLoadPower(ctx, "D2", 280, 0))
	require.NoError(t, n.SetGeneratorTargetP(ctx, "G1", 280))

	res, err := NewRunner(dcflow.Solver{}).Run(ctx, n, NewInputs())
	require.NoError(t, err)
	require.Equal(t, "peak", res.BaseVariantID)
	require.Empty(t, res.PreContingency.Violations, "140 MW per line stays under 150 MW")

	require.NoError(t, vm.SetWorkingVariant(ctx, variant.DefaultInitialVariantID))
	flow, err := n.BranchFlow(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, 0.0, flow.P1, "other variants are left unsolved")
}

func TestRunnerIsolatesContingenciesFromACallerWorker(t *testing.T) {
	bg := context.Background()
	n := newDoubleCircuit(t)
	vm := n.Variants()
	require.NoError(t, vm.CloneVariant(variant.DefaultInitialVariantID, "peak"))
	require.NoError(t, vm.AllowVariantMultiThreadAccess(bg, true))

	caller := vm.RegisterWorker(bg)
	require.NoError(t, vm.SetWorkingVariant(caller, "peak"))
	require.NoError(t, n.SetLoadPower(caller, "D2", 280, 0))
	require.NoError(t, n.SetGeneratorTargetP(caller, "G1", 280))

	var (
		mu     sync.Mutex
		drifts []string
	)
	solver := SolverFunc(func(ctx context.Context, n *network.Network) error {
		before, err := n.Variants().WorkingVariantID(ctx)
		if err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
		after, err := n.Variants().WorkingVariantID(ctx)
		if err != nil || after != before {
			mu.Lock()
			drifts = append(drifts, before+" -> "+after)
			mu.Unlock()
		}
		return dcflow.Solver{}.Solve(ctx, n)
	})

	res, err := NewRunner(solver, WithParallelism(2)).Run(caller, n, doubleCircuitInputs(t))
	require.NoError(t, err)
	require.Empty(t, drifts, "every contingency keeps its own working variant")
	require.Equal(t, "peak", res.BaseVariantID)

	n1 := res.PostContingency[0]
	require.Equal(t, StatusConverged, n1.Status)
	require.Len(t, n1.Violations, 1)
	require.Equal(t, "L2", n1.Violations[0].SubjectID)
	require.InDelta(t, 280, n1.Violations[0].Value, 1e-6)
	require.Equal(t, 2, res.PostContingency[1].Islands)

	id, err := vm.WorkingVariantID(caller)
	require.NoError(t, err, "the caller keeps its selection")
	require.Equal(t, "peak", id)
	require.True(t, vm.IsVariantMultiThreadAccessAllowed())
	require.Equal(t, []string{variant.DefaultInitialVariantID, "peak"}, vm.VariantIDs())

	connected, err := n.BranchConnected(caller, "L1")
	require.NoError(t, err)
	require.True(t, connected, "contingencies never touch the base variant")
}

func TestRunnerRejectsInvalidContingencies(t *testing.T) {
	n := newDoubleCircuit(t)
	in := NewInputs()
	require.NoError(t, in.SetContingencies([]Contingency{{ID: "ghost", BranchIDs: []string{"L9"}}}))

	_, err := NewRunner(dcflow.Solver{}).Run(context.Background(), n, in)
	require.ErrorIs(t, err, ErrInvalidContingency)
	require.Equal(t, []string{variant.DefaultInitialVariantID}, n.Variants().VariantIDs())
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	n := newDoubleCircuit(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(dcflow.Solver{}).Run(ctx, n, doubleCircuitInputs(t))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{variant.DefaultInitialVariantID}, n.Variants().VariantIDs())
	require.False(t, n.Variants().IsVariantMultiThreadAccessAllowed())
}

func TestRunnerRecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	n := newDoubleCircuit(t)
	_, err := NewRunner(dcflow.Solver{}, WithTracer(tp.Tracer("test"))).Run(context.Background(), n, doubleCircuitInputs(t))
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	require.Equal(t, 1, names["security.Run"])
	require.Equal(t, 2, names["security.Contingency"])
}

func TestRunnerRequiresASolver(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), newDoubleCircuit(t), nil)
	require.Error(t, err)
}
