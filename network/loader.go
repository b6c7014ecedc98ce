package network

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// internal YAML shapes; kept unexported so the file layout can evolve
// independently of the element types.
type scenarioYAML struct {
	ID           string          `yaml:"id"`
	Buses        []busYAML       `yaml:"buses"`
	Lines        []branchYAML    `yaml:"lines"`
	Transformers []branchYAML    `yaml:"transformers"`
	Generators   []generatorYAML `yaml:"generators"`
	Loads        []loadYAML      `yaml:"loads"`
}

type busYAML struct {
	ID               string  `yaml:"id"`
	Name             string  `yaml:"name"`
	NominalKV        float64 `yaml:"nominal_kv"`
	LowVoltageLimit  float64 `yaml:"low_voltage_limit"`
	HighVoltageLimit float64 `yaml:"high_voltage_limit"`
}

type branchYAML struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Bus1       string          `yaml:"bus1"`
	Bus2       string          `yaml:"bus2"`
	R          float64         `yaml:"r"`
	X          float64         `yaml:"x"`
	RatedMW    float64         `yaml:"rated_mw"`
	TapChanger *tapChangerYAML `yaml:"tap_changer"`
}

type tapChangerYAML struct {
	LowTapPosition  int       `yaml:"low_tap_position"`
	TapPosition     int       `yaml:"tap_position"`
	Ratios          []float64 `yaml:"ratios"`
	LoadTapChanging bool      `yaml:"load_tap_changing"`
	Regulating      bool      `yaml:"regulating"`
	TargetV         float64   `yaml:"target_v"`
	RegulatedBus    string    `yaml:"regulated_bus"`
}

type generatorYAML struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	Bus                string  `yaml:"bus"`
	MinP               float64 `yaml:"min_p"`
	MaxP               float64 `yaml:"max_p"`
	TargetP            float64 `yaml:"target_p"`
	TargetV            float64 `yaml:"target_v"`
	VoltageRegulatorOn bool    `yaml:"voltage_regulator_on"`
}

type loadYAML struct {
	ID   string  `yaml:"id"`
	Name string  `yaml:"name"`
	Bus  string  `yaml:"bus"`
	P0   float64 `yaml:"p0"`
	Q0   float64 `yaml:"q0"`
}

// LoadScenario reads a YAML network definition from r and builds a Network
// holding only the initial variant. Unlike a file-format importer it knows
// nothing about variants; every value becomes the initial state.
func LoadScenario(r io.Reader, opts ...Option) (*Network, error) {
	var payload scenarioYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("LoadScenario: %w: network without id", ErrInvalidElement)
	}

	n := New(payload.ID, opts...)

	// 1) Buses first: every other element references them.
	for _, b := range payload.Buses {
		if err := n.AddBus(Bus{
			ID:               b.ID,
			Name:             b.Name,
			NominalKV:        b.NominalKV,
			LowVoltageLimit:  b.LowVoltageLimit,
			HighVoltageLimit: b.HighVoltageLimit,
		}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}

	// 2) Branches
	for _, l := range payload.Lines {
		if l.TapChanger != nil {
			return nil, fmt.Errorf("LoadScenario: %w: line %q has a tap changer", ErrInvalidElement, l.ID)
		}
		if err := n.AddLine(l.branch()); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}
	for _, t := range payload.Transformers {
		if err := n.AddTransformer(t.branch()); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}

	// 3) Injections
	for _, g := range payload.Generators {
		if err := n.AddGenerator(Generator{
			ID:                 g.ID,
			Name:               g.Name,
			Bus:                g.Bus,
			MinP:               g.MinP,
			MaxP:               g.MaxP,
			TargetP:            g.TargetP,
			TargetV:            g.TargetV,
			VoltageRegulatorOn: g.VoltageRegulatorOn,
		}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}
	for _, l := range payload.Loads {
		if err := n.AddLoad(Load{ID: l.ID, Name: l.Name, Bus: l.Bus, P0: l.P0, Q0: l.Q0}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}
	return n, nil
}

func (b branchYAML) branch() Branch {
	br := Branch{
		ID:      b.ID,
		Name:    b.Name,
		Bus1:    b.Bus1,
		Bus2:    b.Bus2,
		R:       b.R,
		X:       b.X,
		RatedMW: b.RatedMW,
	}
	if tc := b.TapChanger; tc != nil {
		br.TapChanger = &RatioTapChanger{
			LowTapPosition:  tc.LowTapPosition,
			Ratios:          tc.Ratios,
			LoadTapChanging: tc.LoadTapChanging,
			RegulatedBus:    tc.RegulatedBus,
			TapPosition:     tc.TapPosition,
			Regulating:      tc.Regulating,
			TargetV:         tc.TargetV,
		}
	}
	return br
}
