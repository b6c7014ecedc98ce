package network

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/grid-variants/variant"
)

func read[T any](ctx context.Context, n *Network, store *variant.AttributeStore[T], elem int) (T, error) {
	slot, err := n.core.WorkingSlot(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return store.Get(slot, elem), nil
}

func write[T any](ctx context.Context, n *Network, store *variant.AttributeStore[T], elem int, v T) error {
	if n.frozen {
		return fmt.Errorf("%w: set %s", ErrUnmodifiableNetwork, store.Kind())
	}
	slot, err := n.core.WorkingSlot(ctx)
	if err != nil {
		return err
	}
	store.Set(slot, elem, v)
	return nil
}

// ---------- Buses ----------

// BusVoltage returns the voltage magnitude (kV) of a bus.
func (n *Network) BusVoltage(ctx context.Context, id string) (float64, error) {
	b, err := n.graph.Bus(id)
	if err != nil {
		return 0, err
	}
	return read(ctx, n, n.attrs.busV, b.index)
}

// SetBusVoltage overwrites the voltage magnitude (kV) of a bus.
func (n *Network) SetBusVoltage(ctx context.Context, id string, kv float64) error {
	b, err := n.graph.Bus(id)
	if err != nil {
		return err
	}
	if kv < 0 {
		return fmt.Errorf("%w: negative voltage %g on bus %q", ErrInvalidValue, kv, id)
	}
	return write(ctx, n, n.attrs.busV, b.index, kv)
}

// BusAngle returns the voltage angle (degrees) of a bus.
func (n *Network) BusAngle(ctx context.Context, id string) (float64, error) {
	b, err := n.graph.Bus(id)
	if err != nil {
		return 0, err
	}
	return read(ctx, n, n.attrs.busAngle, b.index)
}

// SetBusAngle overwrites the voltage angle (degrees) of a bus.
func (n *Network) SetBusAngle(ctx context.Context, id string, deg float64) error {
	b, err := n.graph.Bus(id)
	if err != nil {
		return err
	}
	return write(ctx, n, n.attrs.busAngle, b.index, deg)
}

// ---------- Branches ----------

// BranchConnected reports whether a branch is in service.
func (n *Network) BranchConnected(ctx context.Context, id string) (bool, error) {
	br, err := n.graph.Branch(id)
	if err != nil {
		return false, err
	}
	return read(ctx, n, n.attrs.branchConnected, br.index)
}

// SetBranchConnected puts a branch in or out of service.
func (n *Network) SetBranchConnected(ctx context.Context, id string, connected bool) error {
	br, err := n.graph.Branch(id)
	if err != nil {
		return err
	}
	return write(ctx, n, n.attrs.branchConnected, br.index, connected)
}

// BranchFlow returns the terminal flows of a branch.
func (n *Network) BranchFlow(ctx context.Context, id string) (BranchFlow, error) {
	br, err := n.graph.Branch(id)
	if err != nil {
		return BranchFlow{}, err
	}
	return read(ctx, n, n.attrs.branchFlow, br.index)
}

// SetBranchFlow overwrites the terminal flows of a branch.
func (n *Network) SetBranchFlow(ctx context.Context, id string, flow BranchFlow) error {
	br, err := n.graph.Branch(id)
	if err != nil {
		return err
	}
	return write(ctx, n, n.attrs.branchFlow, br.index, flow)
}

// ---------- Tap changers ----------

func (n *Network) tapChanger(id string) (*Branch, error) {
	br, err := n.graph.Branch(id)
	if err != nil {
		return nil, err
	}
	if br.TapChanger == nil {
		return nil, fmt.Errorf("%w: branch %q has no tap changer", ErrElementNotFound, id)
	}
	return br, nil
}

// TapPosition returns the current tap of a transformer.
func (n *Network) TapPosition(ctx context.Context, id string) (int, error) {
	br, err := n.tapChanger(id)
	if err != nil {
		return 0, err
	}
	return read(ctx, n, n.attrs.tapPosition, br.tapIndex)
}

// SetTapPosition moves a transformer to another tap within its range.
func (n *Network) SetTapPosition(ctx context.Context, id string, position int) error {
	br, err := n.tapChanger(id)
	if err != nil {
		return err
	}
	if _, err := br.TapChanger.Ratio(position); err != nil {
		return fmt.Errorf("transformer %q: %w", id, err)
	}
	return write(ctx, n, n.attrs.tapPosition, br.tapIndex, position)
}

// TapRatio returns rho at the current tap of a transformer.
func (n *Network) TapRatio(ctx context.Context, id string) (float64, error) {
	br, err := n.tapChanger(id)
	if err != nil {
		return 0, err
	}
	pos, err := read(ctx, n, n.attrs.tapPosition, br.tapIndex)
	if err != nil {
		return 0, err
	}
	return br.TapChanger.Ratio(pos)
}

// TapRegulation returns whether the tap changer regulates and its target.
func (n *Network) TapRegulation(ctx context.Context, id string) (bool, float64, error) {
	br, err := n.tapChanger(id)
	if err != nil {
		return false, 0, err
	}
	regulating, err := read(ctx, n, n.attrs.tapRegulating, br.tapIndex)
	if err != nil {
		return false, 0, err
	}
	target, err := read(ctx, n, n.attrs.tapTargetV, br.tapIndex)
	if err != nil {
		return false, 0, err
	}
	return regulating, target, nil
}

// SetTapRegulation switches voltage regulation of a tap changer.
func (n *Network) SetTapRegulation(ctx context.Context, id string, regulating bool, targetV float64) error {
	br, err := n.tapChanger(id)
	if err != nil {
		return err
	}
	if regulating {
		if !br.TapChanger.LoadTapChanging {
			return fmt.Errorf("%w: transformer %q cannot regulate off load", ErrInvalidValue, id)
		}
		if targetV <= 0 {
			return fmt.Errorf("%w: transformer %q target voltage %g", ErrInvalidValue, id, targetV)
		}
	}
	if err := write(ctx, n, n.attrs.tapRegulating, br.tapIndex, regulating); err != nil {
		return err
	}
	return write(ctx, n, n.attrs.tapTargetV, br.tapIndex, targetV)
}

// ---------- Generators ----------

// GeneratorTargetP returns the active power setpoint (MW) of a generator.
func (n *Network) GeneratorTargetP(ctx context.Context, id string) (float64, error) {
	g, err := n.graph.Generator(id)
	if err != nil {
		return 0, err
	}
	return read(ctx, n, n.attrs.genTargetP, g.index)
}

// SetGeneratorTargetP overwrites the active power setpoint (MW).
func (n *Network) SetGeneratorTargetP(ctx context.Context, id string, mw float64) error {
	g, err := n.graph.Generator(id)
	if err != nil {
		return err
	}
	if mw < g.MinP || mw > g.MaxP {
		return fmt.Errorf("%w: generator %q target P %g outside [%g, %g]", ErrInvalidValue, id, mw, g.MinP, g.MaxP)
	}
	return write(ctx, n, n.attrs.genTargetP, g.index, mw)
}

// GeneratorVoltageRegulation returns whether the generator regulates voltage
// and its target (kV).
func (n *Network) GeneratorVoltageRegulation(ctx context.Context, id string) (bool, float64, error) {
	g, err := n.graph.Generator(id)
	if err != nil {
		return false, 0, err
	}
	on, err := read(ctx, n, n.attrs.genVoltageRegOn, g.index)
	if err != nil {
		return false, 0, err
	}
	target, err := read(ctx, n, n.attrs.genTargetV, g.index)
	if err != nil {
		return false, 0, err
	}
	return on, target, nil
}

// SetGeneratorVoltageRegulation switches voltage regulation of a generator.
func (n *Network) SetGeneratorVoltageRegulation(ctx context.Context, id string, on bool, targetV float64) error {
	g, err := n.graph.Generator(id)
	if err != nil {
		return err
	}
	if on && targetV <= 0 {
		return fmt.Errorf("%w: generator %q target voltage %g", ErrInvalidValue, id, targetV)
	}
	if err := write(ctx, n, n.attrs.genVoltageRegOn, g.index, on); err != nil {
		return err
	}
	return write(ctx, n, n.attrs.genTargetV, g.index, targetV)
}

// ---------- Loads ----------

// LoadPower returns the constant active (MW) and reactive (MVar) demand.
func (n *Network) LoadPower(ctx context.Context, id string) (float64, float64, error) {
	l, err := n.graph.Load(id)
	if err != nil {
		return 0, 0, err
	}
	p, err := read(ctx, n, n.attrs.loadP0, l.index)
	if err != nil {
		return 0, 0, err
	}
	q, err := read(ctx, n, n.attrs.loadQ0, l.index)
	if err != nil {
		return 0, 0, err
	}
	return p, q, nil
}

// SetLoadPower overwrites the demand of a load.
func (n *Network) SetLoadPower(ctx context.Context, id string, p, q float64) error {
	l, err := n.graph.Load(id)
	if err != nil {
		return err
	}
	if err := write(ctx, n, n.attrs.loadP0, l.index, p); err != nil {
		return err
	}
	return write(ctx, n, n.attrs.loadQ0, l.index, q)
}
