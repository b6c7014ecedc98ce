package network

import "github.com/signalsfoundry/grid-variants/variant"

// Attribute kinds of every variant-aware family in a network.
const (
	AttrBusV            variant.AttributeKind = "bus.v"
	AttrBusAngle        variant.AttributeKind = "bus.angle"
	AttrBranchConnected variant.AttributeKind = "branch.connected"
	AttrBranchFlow      variant.AttributeKind = "branch.flow"
	AttrTapPosition     variant.AttributeKind = "tap.position"
	AttrTapRegulating   variant.AttributeKind = "tap.regulating"
	AttrTapTargetV      variant.AttributeKind = "tap.target_v"
	AttrGenTargetP      variant.AttributeKind = "generator.target_p"
	AttrGenTargetV      variant.AttributeKind = "generator.target_v"
	AttrGenVoltageRegOn variant.AttributeKind = "generator.voltage_regulator_on"
	AttrLoadP0          variant.AttributeKind = "load.p0"
	AttrLoadQ0          variant.AttributeKind = "load.q0"
)

// attributes is the fixed set of typed stores enumerated when a network is
// built. Every store is registered with the variant manager so clone and
// remove reach all of them under one lock.
type attributes struct {
	busV     *variant.AttributeStore[float64]
	busAngle *variant.AttributeStore[float64]

	branchConnected *variant.AttributeStore[bool]
	branchFlow      *variant.AttributeStore[BranchFlow]

	tapPosition   *variant.AttributeStore[int]
	tapRegulating *variant.AttributeStore[bool]
	tapTargetV    *variant.AttributeStore[float64]

	genTargetP      *variant.AttributeStore[float64]
	genTargetV      *variant.AttributeStore[float64]
	genVoltageRegOn *variant.AttributeStore[bool]

	loadP0 *variant.AttributeStore[float64]
	loadQ0 *variant.AttributeStore[float64]
}

func newAttributes() *attributes {
	return &attributes{
		busV:            variant.NewAttributeStore[float64](AttrBusV, nil),
		busAngle:        variant.NewAttributeStore[float64](AttrBusAngle, nil),
		branchConnected: variant.NewAttributeStore[bool](AttrBranchConnected, nil),
		branchFlow:      variant.NewAttributeStore[BranchFlow](AttrBranchFlow, nil),
		tapPosition:     variant.NewAttributeStore[int](AttrTapPosition, nil),
		tapRegulating:   variant.NewAttributeStore[bool](AttrTapRegulating, nil),
		tapTargetV:      variant.NewAttributeStore[float64](AttrTapTargetV, nil),
		genTargetP:      variant.NewAttributeStore[float64](AttrGenTargetP, nil),
		genTargetV:      variant.NewAttributeStore[float64](AttrGenTargetV, nil),
		genVoltageRegOn: variant.NewAttributeStore[bool](AttrGenVoltageRegOn, nil),
		loadP0:          variant.NewAttributeStore[float64](AttrLoadP0, nil),
		loadQ0:          variant.NewAttributeStore[float64](AttrLoadQ0, nil),
	}
}

func (a *attributes) listeners() []variant.SlotListener {
	return []variant.SlotListener{
		a.busV, a.busAngle,
		a.branchConnected, a.branchFlow,
		a.tapPosition, a.tapRegulating, a.tapTargetV,
		a.genTargetP, a.genTargetV, a.genVoltageRegOn,
		a.loadP0, a.loadQ0,
	}
}
