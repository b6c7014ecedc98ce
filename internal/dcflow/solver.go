// Package dcflow is a linear (DC) power flow used by the contingency runner
// and the tests. It is not a substitute for an AC load flow: reactive flows
// are left at zero and voltage magnitudes only follow regulation targets.
package dcflow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/grid-variants/network"
)

// BaseMVA is the system power base.
const BaseMVA = 100.0

// ErrSingular indicates an island whose susceptance matrix cannot be solved.
var ErrSingular = errors.New("dcflow: singular susceptance matrix")

// Solver solves the working variant of ctx in place.
type Solver struct{}

// Solve computes bus angles, voltages and branch active flows island by
// island. Islands without generation are de-energized.
func (Solver) Solve(ctx context.Context, n *network.Network) error {
	islands, err := n.Islands(ctx)
	if err != nil {
		return err
	}
	g := n.Graph()

	injection := make(map[string]float64)
	generating := make(map[string]bool)
	for _, gen := range g.Generators() {
		p, err := n.GeneratorTargetP(ctx, gen.ID)
		if err != nil {
			return err
		}
		injection[gen.Bus] += p
		generating[gen.Bus] = true
	}
	for _, l := range g.Loads() {
		p, _, err := n.LoadPower(ctx, l.ID)
		if err != nil {
			return err
		}
		injection[l.Bus] -= p
	}

	for _, island := range islands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := solveIsland(ctx, n, island, injection, generating); err != nil {
			return err
		}
	}
	return nil
}

type admittance struct {
	branch *network.Branch
	b      float64 // per-unit susceptance
}

func solveIsland(ctx context.Context, n *network.Network, island []string, injection map[string]float64, generating map[string]bool) error {
	g := n.Graph()
	slack := ""
	for _, id := range island {
		if generating[id] {
			slack = id
			break
		}
	}

	// order maps every non-slack bus to its row in the reduced matrix.
	order := make(map[string]int, len(island))
	inIsland := make(map[string]bool, len(island))
	for _, id := range island {
		inIsland[id] = true
		if id != slack {
			order[id] = len(order)
		}
	}

	var branches []admittance
	for _, br := range g.Branches() {
		if !inIsland[br.Bus1] {
			continue
		}
		connected, err := n.BranchConnected(ctx, br.ID)
		if err != nil {
			return err
		}
		if !connected {
			if err := n.SetBranchFlow(ctx, br.ID, network.BranchFlow{}); err != nil {
				return err
			}
			continue
		}
		b, err := susceptance(ctx, n, br)
		if err != nil {
			return err
		}
		branches = append(branches, admittance{branch: br, b: b})
	}

	if slack == "" {
		for _, id := range island {
			if err := n.SetBusVoltage(ctx, id, 0); err != nil {
				return err
			}
			if err := n.SetBusAngle(ctx, id, 0); err != nil {
				return err
			}
		}
		for _, a := range branches {
			if err := n.SetBranchFlow(ctx, a.branch.ID, network.BranchFlow{}); err != nil {
				return err
			}
		}
		return nil
	}

	theta := make(map[string]float64, len(island))
	if size := len(order); size > 0 {
		bm := mat.NewSymDense(size, nil)
		p := mat.NewVecDense(size, nil)
		for id, row := range order {
			p.SetVec(row, injection[id]/BaseMVA)
		}
		for _, a := range branches {
			i, iok := order[a.branch.Bus1]
			j, jok := order[a.branch.Bus2]
			if iok {
				bm.SetSym(i, i, bm.At(i, i)+a.b)
			}
			if jok {
				bm.SetSym(j, j, bm.At(j, j)+a.b)
			}
			if iok && jok {
				bm.SetSym(i, j, bm.At(i, j)-a.b)
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(bm) {
			return fmt.Errorf("%w: island of %q", ErrSingular, slack)
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, p); err != nil {
			return fmt.Errorf("%w: island of %q: %v", ErrSingular, slack, err)
		}
		for id, row := range order {
			theta[id] = x.AtVec(row)
		}
	}

	for _, id := range island {
		if err := n.SetBusAngle(ctx, id, theta[id]*180/math.Pi); err != nil {
			return err
		}
	}
	for _, a := range branches {
		p1 := (theta[a.branch.Bus1] - theta[a.branch.Bus2]) * a.b * BaseMVA
		if err := n.SetBranchFlow(ctx, a.branch.ID, network.BranchFlow{P1: p1, P2: -p1}); err != nil {
			return err
		}
	}
	return regulateVoltages(ctx, n, island)
}

// susceptance returns 1/x in per unit of the bus1 nominal voltage, with the
// series reactance of a transformer seen through its current ratio.
func susceptance(ctx context.Context, n *network.Network, br *network.Branch) (float64, error) {
	bus, err := n.Graph().Bus(br.Bus1)
	if err != nil {
		return 0, err
	}
	x := br.X / (bus.NominalKV * bus.NominalKV / BaseMVA)
	if br.TapChanger != nil {
		rho, err := n.TapRatio(ctx, br.ID)
		if err != nil {
			return 0, err
		}
		x *= rho
	}
	if x <= 0 {
		return 0, fmt.Errorf("dcflow: %s %q has non-positive reactance", br.Kind, br.ID)
	}
	return 1 / x, nil
}

// regulateVoltages sets every bus of an energized island to its nominal
// voltage, then applies regulating transformers and generators in that
// order so a generator target wins on a shared bus.
func regulateVoltages(ctx context.Context, n *network.Network, island []string) error {
	g := n.Graph()
	target := make(map[string]float64, len(island))
	for _, id := range island {
		b, err := g.Bus(id)
		if err != nil {
			return err
		}
		target[id] = b.NominalKV
	}
	for _, br := range g.Branches() {
		tc := br.TapChanger
		if tc == nil || tc.RegulatedBus == "" {
			continue
		}
		if _, ok := target[tc.RegulatedBus]; !ok {
			continue
		}
		connected, err := n.BranchConnected(ctx, br.ID)
		if err != nil {
			return err
		}
		regulating, v, err := n.TapRegulation(ctx, br.ID)
		if err != nil {
			return err
		}
		if connected && regulating && v > 0 {
			target[tc.RegulatedBus] = v
		}
	}
	for _, gen := range g.Generators() {
		if _, ok := target[gen.Bus]; !ok {
			continue
		}
		on, v, err := n.GeneratorVoltageRegulation(ctx, gen.ID)
		if err != nil {
			return err
		}
		if on && v > 0 {
			target[gen.Bus] = v
		}
	}
	for _, id := range island {
		if err := n.SetBusVoltage(ctx, id, target[id]); err != nil {
			return err
		}
	}
	return nil
}
