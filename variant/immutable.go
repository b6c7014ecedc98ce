package variant

import (
	"context"
	"fmt"
)

// ImmutableManager is a read-only view over a Manager, handed out with
// frozen networks. Structural mutations fail with ErrUnmodifiableNetwork
// before reaching the delegate; selecting a working variant and switching
// the concurrency mode are navigation controls and are forwarded.
type ImmutableManager struct {
	delegate Manager
}

var _ Manager = (*ImmutableManager)(nil)

// NewImmutableManager wraps m. Wrapping an ImmutableManager returns it as is.
func NewImmutableManager(m Manager) *ImmutableManager {
	if m == nil {
		panic("variant: nil manager")
	}
	if im, ok := m.(*ImmutableManager); ok {
		return im
	}
	return &ImmutableManager{delegate: m}
}

func unmodifiable(op string) error {
	return fmt.Errorf("%w: %s", ErrUnmodifiableNetwork, op)
}

// VariantIDs forwards to the delegate.
func (v *ImmutableManager) VariantIDs() []string {
	return v.delegate.VariantIDs()
}

// WorkingVariantID forwards to the delegate.
func (v *ImmutableManager) WorkingVariantID(ctx context.Context) (string, error) {
	return v.delegate.WorkingVariantID(ctx)
}

// SetWorkingVariant forwards to the delegate; navigation stays allowed.
func (v *ImmutableManager) SetWorkingVariant(ctx context.Context, id string) error {
	return v.delegate.SetWorkingVariant(ctx, id)
}

// CreateVariant always fails with ErrUnmodifiableNetwork.
func (v *ImmutableManager) CreateVariant(string) error {
	return unmodifiable("create variant")
}

// CloneVariant always fails with ErrUnmodifiableNetwork.
func (v *ImmutableManager) CloneVariant(string, string) error {
	return unmodifiable("clone variant")
}

// CloneVariants always fails with ErrUnmodifiableNetwork.
func (v *ImmutableManager) CloneVariants(string, []string) error {
	return unmodifiable("clone variant")
}

// RemoveVariant always fails with ErrUnmodifiableNetwork.
func (v *ImmutableManager) RemoveVariant(string) error {
	return unmodifiable("remove variant")
}

// AllowVariantMultiThreadAccess forwards to the delegate.
func (v *ImmutableManager) AllowVariantMultiThreadAccess(ctx context.Context, allow bool) error {
	return v.delegate.AllowVariantMultiThreadAccess(ctx, allow)
}

// IsVariantMultiThreadAccessAllowed forwards to the delegate.
func (v *ImmutableManager) IsVariantMultiThreadAccessAllowed() bool {
	return v.delegate.IsVariantMultiThreadAccessAllowed()
}

// RegisterWorker forwards to the delegate.
func (v *ImmutableManager) RegisterWorker(ctx context.Context) context.Context {
	return v.delegate.RegisterWorker(ctx)
}

// ReleaseWorker forwards to the delegate.
func (v *ImmutableManager) ReleaseWorker(ctx context.Context) {
	v.delegate.ReleaseWorker(ctx)
}
