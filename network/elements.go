package network

import "fmt"

// BranchKind distinguishes the two kinds of branch carried by the graph.
type BranchKind string

const (
	KindLine        BranchKind = "line"
	KindTransformer BranchKind = "transformer"
)

// Bus is an electrical node. Its voltage and angle are variant-aware; the
// limits are structural.
type Bus struct {
	ID               string
	Name             string
	NominalKV        float64
	LowVoltageLimit  float64 // kV, 0 when unset
	HighVoltageLimit float64 // kV, 0 when unset

	index int
}

// Index returns the dense index of the bus in attribute stores.
func (b *Bus) Index() int { return b.index }

// Branch connects two buses. Lines and two-winding transformers share this
// shape; only transformers may carry a tap changer.
type Branch struct {
	ID      string
	Name    string
	Kind    BranchKind
	Bus1    string
	Bus2    string
	R       float64 // ohm
	X       float64 // ohm
	RatedMW float64 // thermal limit on |P|, 0 when unlimited

	TapChanger *RatioTapChanger

	index    int
	tapIndex int
}

// Index returns the dense index of the branch in attribute stores.
func (b *Branch) Index() int { return b.index }

// RatioTapChanger describes the structural part of a transformer tap
// changer. TapPosition, Regulating and TargetV are initial values; their
// live values are variant-aware.
type RatioTapChanger struct {
	LowTapPosition  int
	Ratios          []float64 // one rho per tap, starting at LowTapPosition
	LoadTapChanging bool
	RegulatedBus    string

	TapPosition int
	Regulating  bool
	TargetV     float64
}

// HighTapPosition is the last valid tap position.
func (tc *RatioTapChanger) HighTapPosition() int {
	return tc.LowTapPosition + len(tc.Ratios) - 1
}

// Ratio returns rho for a tap position.
func (tc *RatioTapChanger) Ratio(position int) (float64, error) {
	if position < tc.LowTapPosition || position > tc.HighTapPosition() {
		return 0, fmt.Errorf("%w: tap position %d outside [%d, %d]", ErrInvalidValue, position, tc.LowTapPosition, tc.HighTapPosition())
	}
	return tc.Ratios[position-tc.LowTapPosition], nil
}

func (tc *RatioTapChanger) validate() error {
	if len(tc.Ratios) == 0 {
		return fmt.Errorf("%w: tap changer without taps", ErrInvalidElement)
	}
	if tc.TapPosition < tc.LowTapPosition || tc.TapPosition > tc.HighTapPosition() {
		return fmt.Errorf("%w: tap position %d outside [%d, %d]", ErrInvalidElement, tc.TapPosition, tc.LowTapPosition, tc.HighTapPosition())
	}
	if tc.Regulating {
		if !tc.LoadTapChanging {
			return fmt.Errorf("%w: regulating tap changer must be load tap changing", ErrInvalidElement)
		}
		if tc.TargetV <= 0 {
			return fmt.Errorf("%w: regulating tap changer needs a positive target voltage", ErrInvalidElement)
		}
	}
	return nil
}

// Generator injects power at a bus.
type Generator struct {
	ID                 string
	Name               string
	Bus                string
	MinP               float64
	MaxP               float64
	TargetP            float64
	TargetV            float64
	VoltageRegulatorOn bool

	index int
}

// Index returns the dense index of the generator in attribute stores.
func (g *Generator) Index() int { return g.index }

// Load consumes power at a bus.
type Load struct {
	ID   string
	Name string
	Bus  string
	P0   float64
	Q0   float64

	index int
}

// Index returns the dense index of the load in attribute stores.
func (l *Load) Index() int { return l.index }

// BranchFlow holds the computed terminal flows of a branch.
type BranchFlow struct {
	P1 float64 `yaml:"p1" json:"p1"`
	Q1 float64 `yaml:"q1" json:"q1"`
	P2 float64 `yaml:"p2" json:"p2"`
	Q2 float64 `yaml:"q2" json:"q2"`
}
