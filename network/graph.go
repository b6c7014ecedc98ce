package network

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Graph is the structural topology shared by every variant. Buses are gonum
// nodes; parallel branches between the same pair of buses share one edge.
//
// Graph is append-only and not variant-aware. It has no lock of its own:
// additions go through Network, which serializes them against all variant
// activity, and reads are safe once construction is done.
type Graph struct {
	g *simple.UndirectedGraph

	ids map[string]string // element id -> element family

	buses      []*Bus
	busByID    map[string]*Bus
	busByNode  map[int64]*Bus
	branches   []*Branch
	branchByID map[string]*Branch
	tapped     []*Branch // branches with a tap changer, by tapIndex
	generators []*Generator
	genByID    map[string]*Generator
	loads      []*Load
	loadByID   map[string]*Load
}

func newGraph() *Graph {
	return &Graph{
		g:          simple.NewUndirectedGraph(),
		ids:        make(map[string]string),
		busByID:    make(map[string]*Bus),
		busByNode:  make(map[int64]*Bus),
		branchByID: make(map[string]*Branch),
		genByID:    make(map[string]*Generator),
		loadByID:   make(map[string]*Load),
	}
}

func (g *Graph) claim(id, family string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidElement, family)
	}
	if existing, ok := g.ids[id]; ok {
		return fmt.Errorf("%w: %s %q already used by a %s", ErrElementExists, family, id, existing)
	}
	return nil
}

func (g *Graph) addBus(b *Bus) error {
	if err := g.claim(b.ID, "bus"); err != nil {
		return err
	}
	if b.NominalKV <= 0 {
		return fmt.Errorf("%w: bus %q nominal voltage must be positive", ErrInvalidElement, b.ID)
	}
	if b.LowVoltageLimit > 0 && b.HighVoltageLimit > 0 && b.LowVoltageLimit > b.HighVoltageLimit {
		return fmt.Errorf("%w: bus %q low voltage limit above high limit", ErrInvalidElement, b.ID)
	}
	b.index = len(g.buses)
	g.ids[b.ID] = "bus"
	g.buses = append(g.buses, b)
	g.busByID[b.ID] = b
	g.busByNode[int64(b.index)] = b
	g.g.AddNode(simple.Node(int64(b.index)))
	return nil
}

func (g *Graph) addBranch(br *Branch) error {
	if err := g.claim(br.ID, string(br.Kind)); err != nil {
		return err
	}
	a, ok := g.busByID[br.Bus1]
	if !ok {
		return fmt.Errorf("%w: %s %q references unknown bus %q", ErrElementNotFound, br.Kind, br.ID, br.Bus1)
	}
	b, ok := g.busByID[br.Bus2]
	if !ok {
		return fmt.Errorf("%w: %s %q references unknown bus %q", ErrElementNotFound, br.Kind, br.ID, br.Bus2)
	}
	if a == b {
		return fmt.Errorf("%w: %s %q connects bus %q to itself", ErrInvalidElement, br.Kind, br.ID, a.ID)
	}
	br.tapIndex = -1
	if br.TapChanger != nil {
		if br.Kind != KindTransformer {
			return fmt.Errorf("%w: %s %q cannot carry a tap changer", ErrInvalidElement, br.Kind, br.ID)
		}
		if err := br.TapChanger.validate(); err != nil {
			return fmt.Errorf("transformer %q: %w", br.ID, err)
		}
		if rb := br.TapChanger.RegulatedBus; rb != "" {
			if _, ok := g.busByID[rb]; !ok {
				return fmt.Errorf("%w: transformer %q regulates unknown bus %q", ErrElementNotFound, br.ID, rb)
			}
		}
		br.tapIndex = len(g.tapped)
		g.tapped = append(g.tapped, br)
	}

	br.index = len(g.branches)
	g.ids[br.ID] = string(br.Kind)
	g.branches = append(g.branches, br)
	g.branchByID[br.ID] = br
	if !g.g.HasEdgeBetween(int64(a.index), int64(b.index)) {
		g.g.SetEdge(g.g.NewEdge(simple.Node(int64(a.index)), simple.Node(int64(b.index))))
	}
	return nil
}

func (g *Graph) addGenerator(gen *Generator) error {
	if err := g.claim(gen.ID, "generator"); err != nil {
		return err
	}
	if _, ok := g.busByID[gen.Bus]; !ok {
		return fmt.Errorf("%w: generator %q references unknown bus %q", ErrElementNotFound, gen.ID, gen.Bus)
	}
	if gen.MaxP < gen.MinP {
		return fmt.Errorf("%w: generator %q max P below min P", ErrInvalidElement, gen.ID)
	}
	gen.index = len(g.generators)
	g.ids[gen.ID] = "generator"
	g.generators = append(g.generators, gen)
	g.genByID[gen.ID] = gen
	return nil
}

func (g *Graph) addLoad(l *Load) error {
	if err := g.claim(l.ID, "load"); err != nil {
		return err
	}
	if _, ok := g.busByID[l.Bus]; !ok {
		return fmt.Errorf("%w: load %q references unknown bus %q", ErrElementNotFound, l.ID, l.Bus)
	}
	l.index = len(g.loads)
	g.ids[l.ID] = "load"
	g.loads = append(g.loads, l)
	g.loadByID[l.ID] = l
	return nil
}

// Bus returns the bus with the given id.
func (g *Graph) Bus(id string) (*Bus, error) {
	b, ok := g.busByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: bus %q", ErrElementNotFound, id)
	}
	return b, nil
}

// Branch returns the line or transformer with the given id.
func (g *Graph) Branch(id string) (*Branch, error) {
	br, ok := g.branchByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: branch %q", ErrElementNotFound, id)
	}
	return br, nil
}

// Generator returns the generator with the given id.
func (g *Graph) Generator(id string) (*Generator, error) {
	gen, ok := g.genByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: generator %q", ErrElementNotFound, id)
	}
	return gen, nil
}

// Load returns the load with the given id.
func (g *Graph) Load(id string) (*Load, error) {
	l, ok := g.loadByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: load %q", ErrElementNotFound, id)
	}
	return l, nil
}

// Buses returns every bus in insertion order. The slice is a copy; the
// elements are shared and must be treated as read-only.
func (g *Graph) Buses() []*Bus { return append([]*Bus(nil), g.buses...) }

// Branches returns every branch in insertion order.
func (g *Graph) Branches() []*Branch { return append([]*Branch(nil), g.branches...) }

// Generators returns every generator in insertion order.
func (g *Graph) Generators() []*Generator { return append([]*Generator(nil), g.generators...) }

// Loads returns every load in insertion order.
func (g *Graph) Loads() []*Load { return append([]*Load(nil), g.loads...) }

// BranchesAt returns the branches with one end at bus id.
func (g *Graph) BranchesAt(id string) []*Branch {
	var out []*Branch
	for _, br := range g.branches {
		if br.Bus1 == id || br.Bus2 == id {
			out = append(out, br)
		}
	}
	return out
}

// Neighbors returns the ids of buses adjacent to bus id, sorted.
func (g *Graph) Neighbors(id string) ([]string, error) {
	b, err := g.Bus(id)
	if err != nil {
		return nil, err
	}
	nodes := graph.NodesOf(g.g.From(int64(b.index)))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, g.busByNode[n.ID()].ID)
	}
	sort.Strings(out)
	return out, nil
}

// components returns the connected components of the buses when only the
// branches accepted by keep are in service. Each component is sorted, and
// components are ordered by their first bus id.
func (g *Graph) components(keep func(*Branch) bool) [][]string {
	sub := simple.NewUndirectedGraph()
	for _, b := range g.buses {
		sub.AddNode(simple.Node(int64(b.index)))
	}
	for _, br := range g.branches {
		if keep != nil && !keep(br) {
			continue
		}
		a, b := int64(g.busByID[br.Bus1].index), int64(g.busByID[br.Bus2].index)
		if !sub.HasEdgeBetween(a, b) {
			sub.SetEdge(sub.NewEdge(simple.Node(a), simple.Node(b)))
		}
	}

	var out [][]string
	for _, cc := range topo.ConnectedComponents(sub) {
		ids := make([]string, 0, len(cc))
		for _, n := range cc {
			ids = append(ids, g.busByNode[n.ID()].ID)
		}
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
