package weave

import (
	"fmt"
	"sync/atomic"
)

// BundleState is the lifecycle state of an installed bundle.
type BundleState int32

const (
	// BundleActive: the bundle may register services and factories.
	BundleActive BundleState = iota

	// BundleStopping: teardown in progress; the bundle's services are
	// hidden from new lookups while they unregister.
	BundleStopping

	// BundleUninstalled: terminal; everything the bundle owned is gone.
	BundleUninstalled
)

// String implements fmt.Stringer.
func (s BundleState) String() string {
	switch s {
	case BundleActive:
		return "ACTIVE"
	case BundleStopping:
		return "STOPPING"
	case BundleUninstalled:
		return "UNINSTALLED"
	default:
		return "UNKNOWN"
	}
}

// Bundle is a deployable unit: the owner of service registrations and
// component factories. Bundles are created by Runtime.InstallBundle and
// torn down by Runtime.UninstallBundle; the runtime drives the state.
type Bundle struct {
	id    int64
	name  string
	state atomic.Int32
}

func newBundle(id int64, name string) *Bundle {
	b := &Bundle{id: id, name: name}
	b.state.Store(int32(BundleActive))
	return b
}

// ID returns the bundle's runtime-unique identifier.
func (b *Bundle) ID() int64 { return b.id }

// Name returns the bundle's unique name.
func (b *Bundle) Name() string { return b.name }

// State returns the bundle's current lifecycle state.
func (b *Bundle) State() BundleState { return BundleState(b.state.Load()) }

func (b *Bundle) setState(state BundleState) { b.state.Store(int32(state)) }

// String implements fmt.Stringer for log output.
func (b *Bundle) String() string {
	return fmt.Sprintf("Bundle(%d, %s)", b.id, b.name)
}
