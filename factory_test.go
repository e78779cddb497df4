package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopComponent struct{}

func (nopComponent) Validate(ctx *ComponentContext) error { return nil }
func (nopComponent) Invalidate(ctx *ComponentContext)    {}

func nopConstructor() Component { return nopComponent{} }

func TestFactoryValidation(t *testing.T) {
	err := (&ComponentFactory{Constructor: nopConstructor}).Validate()
	assert.ErrorIs(t, err, ErrFactoryIDRequired)

	err = (&ComponentFactory{ID: "f"}).Validate()
	assert.ErrorIs(t, err, ErrConstructorRequired)

	err = (&ComponentFactory{
		ID:           "f",
		Constructor:  nopConstructor,
		Requirements: []Requirement{{Specification: "dep"}},
	}).Validate()
	assert.ErrorIs(t, err, ErrRequirementName)

	err = (&ComponentFactory{
		ID:           "f",
		Constructor:  nopConstructor,
		Requirements: []Requirement{{Name: "dep"}},
	}).Validate()
	assert.ErrorIs(t, err, ErrRequirementSpec)

	err = (&ComponentFactory{
		ID:          "f",
		Constructor: nopConstructor,
		Requirements: []Requirement{
			{Name: "dep", Specification: "a"},
			{Name: "dep", Specification: "b"},
		},
	}).Validate()
	assert.ErrorIs(t, err, ErrRequirementName)

	err = (&ComponentFactory{
		ID:           "f",
		Constructor:  nopConstructor,
		Requirements: []Requirement{{Name: "dep", Specification: "a", Filter: "(bad"}},
	}).Validate()
	assert.ErrorIs(t, err, ErrFilterSyntax)
}

func TestFactoryRegistrationConflicts(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	factory := &ComponentFactory{ID: "f", Constructor: nopConstructor}
	require.NoError(t, rt.Factories().RegisterFactory(bundle, factory))
	err := rt.Factories().RegisterFactory(bundle, factory)
	assert.ErrorIs(t, err, ErrFactoryConflict)

	assert.Equal(t, []string{"f"}, rt.Factories().Factories())
}

func TestInstantiateErrors(t *testing.T) {
	rt, bundle := newComponentHarness(t)
	require.NoError(t, rt.Factories().RegisterFactory(bundle, &ComponentFactory{ID: "f", Constructor: nopConstructor}))

	_, err := rt.Factories().Instantiate("f", "", nil)
	assert.ErrorIs(t, err, ErrInstanceNameRequired)

	_, err = rt.Factories().Instantiate("missing", "x", nil)
	assert.ErrorIs(t, err, ErrFactoryNotFound)

	_, err = rt.Factories().Instantiate("f", "x", nil)
	require.NoError(t, err)
	_, err = rt.Factories().Instantiate("f", "x", nil)
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestInstancePropertiesMergeFactoryDefaults(t *testing.T) {
	rt, bundle := newComponentHarness(t)
	require.NoError(t, rt.Factories().RegisterFactory(bundle, &ComponentFactory{
		ID:          "f",
		Constructor: nopConstructor,
		Properties:  map[string]any{"region": "eu", "tier": "standard"},
	}))

	m, err := rt.Factories().Instantiate("f", "x", map[string]any{"tier": "premium"})
	require.NoError(t, err)

	props := m.Properties()
	assert.Equal(t, "eu", props["region"], "factory default survives")
	assert.Equal(t, "premium", props["tier"], "override wins")
}

func TestUnregisterFactoryKillsInstances(t *testing.T) {
	rt, bundle := newComponentHarness(t)
	require.NoError(t, rt.Factories().RegisterFactory(bundle, &ComponentFactory{ID: "f", Constructor: nopConstructor}))

	a, err := rt.Factories().Instantiate("f", "a", nil)
	require.NoError(t, err)
	b, err := rt.Factories().Instantiate("f", "b", nil)
	require.NoError(t, err)
	require.True(t, a.WaitForState(waitCtx(t), StateValid))
	require.True(t, b.WaitForState(waitCtx(t), StateValid))

	require.NoError(t, rt.Factories().UnregisterFactory(waitCtx(t), "f"))
	assert.Equal(t, StateKilled, a.State())
	assert.Equal(t, StateKilled, b.State())
	assert.Empty(t, rt.Factories().Factories())

	err = rt.Factories().UnregisterFactory(waitCtx(t), "f")
	assert.ErrorIs(t, err, ErrFactoryNotFound)
}

func TestFactoryRegistryLookups(t *testing.T) {
	rt, bundle := newComponentHarness(t)
	other, err := rt.InstallBundle("other")
	require.NoError(t, err)

	require.NoError(t, rt.Factories().RegisterFactory(bundle, &ComponentFactory{ID: "b.f", Constructor: nopConstructor}))
	require.NoError(t, rt.Factories().RegisterFactory(other, &ComponentFactory{ID: "o.f", Constructor: nopConstructor}))

	_, err = rt.Factories().Instantiate("b.f", "zeta", nil)
	require.NoError(t, err)
	_, err = rt.Factories().Instantiate("b.f", "alpha", nil)
	require.NoError(t, err)

	instances := rt.Factories().Instances("b.f")
	require.Len(t, instances, 2)
	assert.Equal(t, "alpha", instances[0].Name())
	assert.Equal(t, "zeta", instances[1].Name())

	assert.Equal(t, []string{"b.f"}, rt.Factories().BundleFactories(bundle))
	assert.Equal(t, []string{"o.f"}, rt.Factories().BundleFactories(other))

	_, ok := rt.Factories().Get("alpha")
	assert.True(t, ok)
	_, ok = rt.Factories().Get("nobody")
	assert.False(t, ok)

	err = rt.Factories().Kill(waitCtx(t), "nobody")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = rt.Factories().RetryErroneous(waitCtx(t), "nobody", nil)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
