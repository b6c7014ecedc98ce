package security

import (
	"context"
	"math"

	"github.com/signalsfoundry/grid-variants/network"
)

// ViolationType classifies a limit violation.
type ViolationType string

const (
	LowVoltage  ViolationType = "LOW_VOLTAGE"
	HighVoltage ViolationType = "HIGH_VOLTAGE"
	ActivePower ViolationType = "ACTIVE_POWER"
)

// LimitViolation reports one element outside its limit in one variant.
type LimitViolation struct {
	SubjectID string        `yaml:"subject_id" json:"subject_id"`
	Type      ViolationType `yaml:"type" json:"type"`
	Limit     float64       `yaml:"limit" json:"limit"`
	Reduction float64       `yaml:"reduction" json:"reduction"`
	Value     float64       `yaml:"value" json:"value"`
}

// LimitViolationDetector inspects the working variant of ctx.
type LimitViolationDetector interface {
	Detect(ctx context.Context, n *network.Network, params Parameters) ([]LimitViolation, error)
}

// DefaultDetector checks bus voltages against their limits and connected
// branch flows against their rated power scaled by the limit reduction.
type DefaultDetector struct{}

// Detect implements LimitViolationDetector.
func (DefaultDetector) Detect(ctx context.Context, n *network.Network, params Parameters) ([]LimitViolation, error) {
	var out []LimitViolation
	g := n.Graph()

	for _, b := range g.Buses() {
		v, err := n.BusVoltage(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case b.LowVoltageLimit > 0 && v < b.LowVoltageLimit:
			out = append(out, LimitViolation{SubjectID: b.ID, Type: LowVoltage, Limit: b.LowVoltageLimit, Reduction: 1, Value: v})
		case b.HighVoltageLimit > 0 && v > b.HighVoltageLimit:
			out = append(out, LimitViolation{SubjectID: b.ID, Type: HighVoltage, Limit: b.HighVoltageLimit, Reduction: 1, Value: v})
		}
	}

	reduction := params.LimitReduction
	if reduction <= 0 {
		reduction = 1
	}
	for _, br := range g.Branches() {
		if br.RatedMW <= 0 {
			continue
		}
		connected, err := n.BranchConnected(ctx, br.ID)
		if err != nil {
			return nil, err
		}
		if !connected {
			continue
		}
		flow, err := n.BranchFlow(ctx, br.ID)
		if err != nil {
			return nil, err
		}
		value := math.Max(math.Abs(flow.P1), math.Abs(flow.P2))
		if value > br.RatedMW*reduction {
			out = append(out, LimitViolation{SubjectID: br.ID, Type: ActivePower, Limit: br.RatedMW, Reduction: reduction, Value: value})
		}
	}
	return out, nil
}
