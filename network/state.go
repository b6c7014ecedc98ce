package network

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"
)

// State captures every variant-aware value of the caller's working variant.
// It is what exporters serialize; other variants are never included.
type State struct {
	NetworkID  string           `yaml:"network_id" json:"network_id"`
	VariantID  string           `yaml:"variant_id" json:"variant_id"`
	Buses      []BusState       `yaml:"buses" json:"buses"`
	Branches   []BranchState    `yaml:"branches" json:"branches"`
	Generators []GeneratorState `yaml:"generators,omitempty" json:"generators,omitempty"`
	Loads      []LoadState      `yaml:"loads,omitempty" json:"loads,omitempty"`
}

// BusState is the solved voltage and angle of one bus.
type BusState struct {
	ID    string  `yaml:"id" json:"id"`
	V     float64 `yaml:"v" json:"v"`
	Angle float64 `yaml:"angle" json:"angle"`
}

// BranchState is the service status, flow and tap position of one branch.
type BranchState struct {
	ID          string     `yaml:"id" json:"id"`
	Connected   bool       `yaml:"connected" json:"connected"`
	Flow        BranchFlow `yaml:"flow" json:"flow"`
	TapPosition *int       `yaml:"tap_position,omitempty" json:"tap_position,omitempty"`
}

// GeneratorState holds the dispatch and regulation settings of one generator.
type GeneratorState struct {
	ID                 string  `yaml:"id" json:"id"`
	TargetP            float64 `yaml:"target_p" json:"target_p"`
	TargetV            float64 `yaml:"target_v" json:"target_v"`
	VoltageRegulatorOn bool    `yaml:"voltage_regulator_on" json:"voltage_regulator_on"`
}

// LoadState holds the consumption of one load.
type LoadState struct {
	ID string  `yaml:"id" json:"id"`
	P0 float64 `yaml:"p0" json:"p0"`
	Q0 float64 `yaml:"q0" json:"q0"`
}

// Snapshot reads the working variant of ctx into a State.
func (n *Network) Snapshot(ctx context.Context) (*State, error) {
	variantID, err := n.variants.WorkingVariantID(ctx)
	if err != nil {
		return nil, err
	}
	slot, err := n.core.WorkingSlot(ctx)
	if err != nil {
		return nil, err
	}

	a := n.attrs
	st := &State{
		NetworkID:  n.id,
		VariantID:  variantID,
		Buses:      make([]BusState, 0, len(n.graph.buses)),
		Branches:   make([]BranchState, 0, len(n.graph.branches)),
		Generators: make([]GeneratorState, 0, len(n.graph.generators)),
		Loads:      make([]LoadState, 0, len(n.graph.loads)),
	}
	for _, b := range n.graph.buses {
		st.Buses = append(st.Buses, BusState{
			ID:    b.ID,
			V:     a.busV.Get(slot, b.index),
			Angle: a.busAngle.Get(slot, b.index),
		})
	}
	for _, br := range n.graph.branches {
		bs := BranchState{
			ID:        br.ID,
			Connected: a.branchConnected.Get(slot, br.index),
			Flow:      a.branchFlow.Get(slot, br.index),
		}
		if br.tapIndex >= 0 {
			pos := a.tapPosition.Get(slot, br.tapIndex)
			bs.TapPosition = &pos
		}
		st.Branches = append(st.Branches, bs)
	}
	for _, g := range n.graph.generators {
		st.Generators = append(st.Generators, GeneratorState{
			ID:                 g.ID,
			TargetP:            a.genTargetP.Get(slot, g.index),
			TargetV:            a.genTargetV.Get(slot, g.index),
			VoltageRegulatorOn: a.genVoltageRegOn.Get(slot, g.index),
		})
	}
	for _, l := range n.graph.loads {
		st.Loads = append(st.Loads, LoadState{
			ID: l.ID,
			P0: a.loadP0.Get(slot, l.index),
			Q0: a.loadQ0.Get(slot, l.index),
		})
	}
	return st, nil
}

// WriteState encodes the working variant of ctx as YAML.
func (n *Network) WriteState(ctx context.Context, w io.Writer) error {
	st, err := n.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return err
	}
	return enc.Close()
}
