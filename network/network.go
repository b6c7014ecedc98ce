package network

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/grid-variants/internal/logging"
	"github.com/signalsfoundry/grid-variants/variant"
)

// Network owns one structural Graph, the typed attribute stores and the
// variant manager keeping them in step. Attribute accessors resolve the
// caller's working variant from ctx.
type Network struct {
	id string

	graph *Graph
	attrs *attributes

	// core is the mutable manager; variants is what callers see, which is an
	// ImmutableManager over core once the network is frozen.
	core     *variant.VariantManager
	variants variant.Manager
	frozen   bool

	log logging.Logger
}

// Option customises Network construction.
type Option func(*options)

type options struct {
	log            logging.Logger
	managerOptions []variant.ManagerOption
}

// WithLogger attaches a structured logger to the network and its manager.
func WithLogger(log logging.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithManagerOptions forwards options to the underlying variant manager.
func WithManagerOptions(opts ...variant.ManagerOption) Option {
	return func(o *options) {
		o.managerOptions = append(o.managerOptions, opts...)
	}
}

// New returns an empty network holding the initial variant.
func New(id string, opts ...Option) *Network {
	o := options{log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = logging.Noop()
	}

	mgrOpts := append([]variant.ManagerOption{variant.WithLogger(o.log)}, o.managerOptions...)
	mgr := variant.NewVariantManager(mgrOpts...)
	n := &Network{
		id:       id,
		graph:    newGraph(),
		attrs:    newAttributes(),
		core:     mgr,
		variants: mgr,
		log:      o.log.With(logging.String("network_id", id)),
	}
	for _, l := range n.attrs.listeners() {
		if err := mgr.Register(l); err != nil {
			panic(fmt.Sprintf("network: register attribute store: %v", err))
		}
	}
	return n
}

// ID returns the network id.
func (n *Network) ID() string { return n.id }

// Graph exposes the shared structural topology.
func (n *Network) Graph() *Graph { return n.graph }

// Variants returns the variant manager of the network. For a frozen network
// it rejects structural variant operations.
func (n *Network) Variants() variant.Manager { return n.variants }

// Frozen reports whether the network rejects mutations.
func (n *Network) Frozen() bool { return n.frozen }

// Freeze returns a read-only view sharing the graph, the stores and the
// variant registry with n. Attribute setters and element additions on the
// view fail with ErrUnmodifiableNetwork; navigation between variants still
// works.
func (n *Network) Freeze() *Network {
	if n.frozen {
		return n
	}
	view := *n
	view.frozen = true
	view.variants = variant.NewImmutableManager(n.core)
	return &view
}

// AddBus registers a bus; its voltage defaults to the nominal voltage in
// every live variant.
func (n *Network) AddBus(b Bus) error {
	if n.frozen {
		return fmt.Errorf("%w: add bus %q", ErrUnmodifiableNetwork, b.ID)
	}
	bus := b
	return n.core.Mutate(func() error {
		if err := n.graph.addBus(&bus); err != nil {
			return err
		}
		n.attrs.busV.AppendElement(bus.NominalKV)
		n.attrs.busAngle.AppendElement(0)
		return nil
	})
}

// AddLine registers a line between two existing buses.
func (n *Network) AddLine(br Branch) error {
	br.Kind = KindLine
	return n.addBranch(br)
}

// AddTransformer registers a two-winding transformer between two existing
// buses, with an optional ratio tap changer.
func (n *Network) AddTransformer(br Branch) error {
	br.Kind = KindTransformer
	return n.addBranch(br)
}

func (n *Network) addBranch(br Branch) error {
	if n.frozen {
		return fmt.Errorf("%w: add %s %q", ErrUnmodifiableNetwork, br.Kind, br.ID)
	}
	if br.TapChanger != nil {
		tc := *br.TapChanger
		tc.Ratios = append([]float64(nil), tc.Ratios...)
		br.TapChanger = &tc
	}
	branch := br
	return n.core.Mutate(func() error {
		if err := n.graph.addBranch(&branch); err != nil {
			return err
		}
		n.attrs.branchConnected.AppendElement(true)
		n.attrs.branchFlow.AppendElement(BranchFlow{})
		if tc := branch.TapChanger; tc != nil {
			n.attrs.tapPosition.AppendElement(tc.TapPosition)
			n.attrs.tapRegulating.AppendElement(tc.Regulating)
			n.attrs.tapTargetV.AppendElement(tc.TargetV)
		}
		return nil
	})
}

// AddGenerator registers a generator on an existing bus.
func (n *Network) AddGenerator(g Generator) error {
	if n.frozen {
		return fmt.Errorf("%w: add generator %q", ErrUnmodifiableNetwork, g.ID)
	}
	gen := g
	return n.core.Mutate(func() error {
		if err := n.graph.addGenerator(&gen); err != nil {
			return err
		}
		n.attrs.genTargetP.AppendElement(gen.TargetP)
		n.attrs.genTargetV.AppendElement(gen.TargetV)
		n.attrs.genVoltageRegOn.AppendElement(gen.VoltageRegulatorOn)
		return nil
	})
}

// AddLoad registers a load on an existing bus.
func (n *Network) AddLoad(l Load) error {
	if n.frozen {
		return fmt.Errorf("%w: add load %q", ErrUnmodifiableNetwork, l.ID)
	}
	load := l
	return n.core.Mutate(func() error {
		if err := n.graph.addLoad(&load); err != nil {
			return err
		}
		n.attrs.loadP0.AppendElement(load.P0)
		n.attrs.loadQ0.AppendElement(load.Q0)
		return nil
	})
}

// Islands returns the groups of buses connected through branches that are
// in service in the caller's working variant.
func (n *Network) Islands(ctx context.Context) ([][]string, error) {
	slot, err := n.core.WorkingSlot(ctx)
	if err != nil {
		return nil, err
	}
	return n.graph.components(func(br *Branch) bool {
		return n.attrs.branchConnected.Get(slot, br.index)
	}), nil
}
