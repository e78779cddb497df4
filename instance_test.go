package weave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitEventually = 2 * time.Second
	waitTick       = 10 * time.Millisecond
)

// recordingComponent records lifecycle and binding callbacks so tests can
// assert on transition order and counts.
type recordingComponent struct {
	mu          sync.Mutex
	validated   int
	invalidated int
	binds       []int64
	unbinds     []int64
	failWith    error
	panicWith   any
	gate        chan struct{} // when set, Validate blocks until closed
}

func (c *recordingComponent) Validate(ctx *ComponentContext) error {
	c.mu.Lock()
	c.validated++
	fail := c.failWith
	pan := c.panicWith
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if pan != nil {
		panic(pan)
	}
	return fail
}

func (c *recordingComponent) Invalidate(ctx *ComponentContext) {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

func (c *recordingComponent) Bind(requirement string, ref *ServiceReference, service any) {
	c.mu.Lock()
	c.binds = append(c.binds, ref.ID())
	c.mu.Unlock()
}

func (c *recordingComponent) Unbind(requirement string, ref *ServiceReference, service any) {
	c.mu.Lock()
	c.unbinds = append(c.unbinds, ref.ID())
	c.mu.Unlock()
}

func (c *recordingComponent) counts() (validated, invalidated int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validated, c.invalidated
}

func (c *recordingComponent) boundIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.binds...)
}

func (c *recordingComponent) unboundIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.unbinds...)
}

func (c *recordingComponent) setFailure(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func newComponentHarness(t *testing.T) (*Runtime, *Bundle) {
	t.Helper()
	rt := NewRuntime()
	bundle, err := rt.InstallBundle("harness")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt, bundle
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func registerRecordingFactory(t *testing.T, rt *Runtime, bundle *Bundle, component Component, reqs ...Requirement) {
	t.Helper()
	err := rt.Factories().RegisterFactory(bundle, &ComponentFactory{
		ID:           "recorder.factory",
		Constructor:  func() Component { return component },
		Requirements: reqs,
	})
	require.NoError(t, err)
}

func TestComponentValidatesWhenDependencyPresent(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	dep, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})

	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	validated, invalidated := comp.counts()
	assert.Equal(t, 1, validated)
	assert.Equal(t, 0, invalidated)
	assert.Equal(t, []int64{dep.ID()}, comp.boundIDs())

	bound := m.Bound("dep")
	require.Len(t, bound, 1)
	assert.Equal(t, dep.ID(), bound[0].ID())
}

func TestComponentWaitsInvalidThenValidatesOnAppearance(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})

	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))

	validated, _ := comp.counts()
	assert.Equal(t, 0, validated, "no validate before the dependency exists")

	_, err = rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))
}

func TestComponentInvalidatesOnDeparture(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	dep, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	require.NoError(t, rt.Registry().Unregister(dep))
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))

	_, invalidated := comp.counts()
	assert.Equal(t, 1, invalidated, "exactly one invalidate per loss")
	assert.Eventually(t, func() bool {
		return len(comp.unboundIDs()) == 1
	}, waitEventually, waitTick)

	// the dependency coming back re-validates automatically
	_, err = rt.Registry().Register(bundle, []string{"dep"}, "dependency-2", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))
	validated, _ := comp.counts()
	assert.Equal(t, 2, validated)
}

func TestImmediateRebindSwapsWithoutInvalidate(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	best, err := rt.Registry().Register(bundle, []string{"dep"}, "best", map[string]any{PropServiceRanking: 10})
	require.NoError(t, err)
	backup, err := rt.Registry().Register(bundle, []string{"dep"}, "backup", map[string]any{PropServiceRanking: 5})
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp,
		Requirement{Name: "dep", Specification: "dep", ImmediateRebind: true})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	bound := m.Bound("dep")
	require.Len(t, bound, 1)
	assert.Equal(t, best.ID(), bound[0].ID(), "best ranking wins the initial binding")

	require.NoError(t, rt.Registry().Unregister(best))

	require.Eventually(t, func() bool {
		bound := m.Bound("dep")
		return len(bound) == 1 && bound[0].ID() == backup.ID()
	}, waitEventually, waitTick, "binding must swap to the backup")

	assert.Equal(t, StateValid, m.State())
	validated, invalidated := comp.counts()
	assert.Equal(t, 1, validated, "no second validate on an immediate rebind")
	assert.Equal(t, 0, invalidated, "no invalidate on an immediate rebind")
	assert.Equal(t, []int64{best.ID()}, comp.unboundIDs())
	assert.Equal(t, []int64{best.ID(), backup.ID()}, comp.boundIDs())
}

func TestRebindWithoutImmediateCyclesThroughInvalid(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	best, err := rt.Registry().Register(bundle, []string{"dep"}, "best", map[string]any{PropServiceRanking: 10})
	require.NoError(t, err)
	backup, err := rt.Registry().Register(bundle, []string{"dep"}, "backup", map[string]any{PropServiceRanking: 5})
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	require.NoError(t, rt.Registry().Unregister(best))

	require.Eventually(t, func() bool {
		bound := m.Bound("dep")
		return m.State() == StateValid && len(bound) == 1 && bound[0].ID() == backup.ID()
	}, waitEventually, waitTick)

	validated, invalidated := comp.counts()
	assert.Equal(t, 1, invalidated, "loss without immediate rebind invalidates")
	assert.Equal(t, 2, validated, "replacement binding re-validates")
}

func TestAggregateRequirementBindsAllInRankingOrder(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	low, err := rt.Registry().Register(bundle, []string{"dep"}, "low", nil)
	require.NoError(t, err)
	high, err := rt.Registry().Register(bundle, []string{"dep"}, "high", map[string]any{PropServiceRanking: 10})
	require.NoError(t, err)
	mid, err := rt.Registry().Register(bundle, []string{"dep"}, "mid", map[string]any{PropServiceRanking: 5})
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp,
		Requirement{Name: "dep", Specification: "dep", Aggregate: true})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	// initial population reported best-first
	assert.Equal(t, []int64{high.ID(), mid.ID(), low.ID()}, comp.boundIDs())

	// losing one of several members does not invalidate
	require.NoError(t, rt.Registry().Unregister(mid))
	require.Eventually(t, func() bool {
		return len(m.Bound("dep")) == 2
	}, waitEventually, waitTick)
	assert.Equal(t, StateValid, m.State())
	_, invalidated := comp.counts()
	assert.Equal(t, 0, invalidated)

	// losing the last member does
	require.NoError(t, rt.Registry().Unregister(high))
	require.NoError(t, rt.Registry().Unregister(low))
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))
}

func TestOptionalRequirementValidatesWithoutProvider(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp,
		Requirement{Name: "dep", Specification: "dep", Optional: true})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))
	assert.Empty(t, m.Bound("dep"))

	// an appearing provider is still bound, without a lifecycle bounce
	dep, err := rt.Registry().Register(bundle, []string{"dep"}, "late", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		bound := m.Bound("dep")
		return len(bound) == 1 && bound[0].ID() == dep.ID()
	}, waitEventually, waitTick)
	assert.Equal(t, StateValid, m.State())

	// and its loss does not invalidate
	require.NoError(t, rt.Registry().Unregister(dep))
	require.Eventually(t, func() bool {
		return len(m.Bound("dep")) == 0
	}, waitEventually, waitTick)
	assert.Equal(t, StateValid, m.State())
}

func TestValidationFailureIsSticky(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{failWith: errors.New("config missing")}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateErroneous))

	failure := m.Failure()
	require.NotNil(t, failure)
	assert.Equal(t, FailureValidation, failure.Kind)
	assert.Contains(t, failure.Message, "config missing")

	// registry churn must not leave ERRONEOUS
	_, err = rt.Registry().Register(bundle, []string{"dep"}, "another", nil)
	require.NoError(t, err)
	shortCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.False(t, m.WaitForState(shortCtx, StateValid))
	assert.Equal(t, StateErroneous, m.State())

	// an explicit retry with the component fixed succeeds
	comp.setFailure(nil)
	ok, err := m.RetryErroneous(waitCtx(t), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateValid, m.State())
	assert.Nil(t, m.Failure())
}

func TestValidatePanicBecomesErroneous(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{panicWith: "validate exploded"}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateErroneous))

	failure := m.Failure()
	require.NotNil(t, failure)
	assert.Equal(t, FailurePanic, failure.Kind)
	assert.Contains(t, failure.Message, "validate exploded")
}

func TestRetryRequiresErroneousState(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	_, err = m.RetryErroneous(waitCtx(t), nil)
	assert.ErrorIs(t, err, ErrNotErroneous)
}

func TestKillDuringValidateRunsAfterTransition(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	gate := make(chan struct{})
	comp := &recordingComponent{gate: gate}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValidating))

	killDone := make(chan error, 1)
	go func() { killDone <- m.Kill(waitCtx(t)) }()

	// the kill must queue behind the in-flight validate
	select {
	case <-killDone:
		t.Fatal("kill completed while validate was still in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateValidating, m.State())

	close(gate)
	require.NoError(t, <-killDone)
	assert.Equal(t, StateKilled, m.State())

	validated, invalidated := comp.counts()
	assert.Equal(t, 1, validated)
	assert.Equal(t, 1, invalidated, "validate completed first, so kill ran the invalidate hook")
	assert.Len(t, comp.unboundIDs(), 1, "kill releases all bindings")
}

func TestKillIsTerminalAndFreesName(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp, Requirement{Name: "dep", Specification: "dep"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	require.NoError(t, m.Kill(waitCtx(t)))
	require.NoError(t, m.Kill(waitCtx(t)), "kill is idempotent")
	assert.Equal(t, StateKilled, m.State())

	_, err = m.RetryErroneous(waitCtx(t), nil)
	assert.ErrorIs(t, err, ErrInstanceKilled)

	_, ok := rt.Factories().Get("recorder.1")
	assert.False(t, ok, "killed instances leave the live set")

	// the name is reusable afterwards
	_, err = rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
}

func TestProvidedServicesFollowValidity(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	dep, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	comp := &recordingComponent{}
	err = rt.Factories().RegisterFactory(bundle, &ComponentFactory{
		ID:           "provider.factory",
		Constructor:  func() Component { return comp },
		Requirements: []Requirement{{Name: "dep", Specification: "dep"}},
		Provides:     []string{"greeter"},
		Properties:   map[string]any{"lang": "en"},
	})
	require.NoError(t, err)

	m, err := rt.Factories().Instantiate("provider.factory", "greeter.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	require.Eventually(t, func() bool {
		ref, err := rt.Registry().FindOne("greeter", "")
		return err == nil && ref != nil
	}, waitEventually, waitTick, "a valid component publishes its provides")

	ref, err := rt.Registry().FindOne("greeter", "")
	require.NoError(t, err)
	props := ref.Properties()
	assert.Equal(t, "greeter.1", props[PropInstanceName])
	assert.Equal(t, "provider.factory", props[PropFactoryID])
	assert.Equal(t, "en", props["lang"])

	// invalidation withdraws the publication
	require.NoError(t, rt.Registry().Unregister(dep))
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))
	require.Eventually(t, func() bool {
		ref, err := rt.Registry().FindOne("greeter", "")
		return err == nil && ref == nil
	}, waitEventually, waitTick)
}

func TestRequirementFilterNarrowsMatches(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	_, err := rt.Registry().Register(bundle, []string{"dep"}, "red", map[string]any{"color": "red"})
	require.NoError(t, err)
	blue, err := rt.Registry().Register(bundle, []string{"dep"}, "blue", map[string]any{"color": "blue"})
	require.NoError(t, err)

	comp := &recordingComponent{}
	registerRecordingFactory(t, rt, bundle, comp,
		Requirement{Name: "dep", Specification: "dep", Filter: "(color=blue)"})
	m, err := rt.Factories().Instantiate("recorder.factory", "recorder.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	bound := m.Bound("dep")
	require.Len(t, bound, 1)
	assert.Equal(t, blue.ID(), bound[0].ID())

	// a modification that stops matching the filter is a departure
	require.NoError(t, rt.Registry().UpdateProperties(blue, map[string]any{"color": "green"}))
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))

	// and one that starts matching is an appearance
	require.NoError(t, rt.Registry().UpdateProperties(blue, map[string]any{"color": "blue"}))
	require.True(t, m.WaitForState(waitCtx(t), StateValid))
}

func TestRacingRegistrationBindsOnce(t *testing.T) {
	// a provider registered concurrently with instantiation may reach the
	// worker through the initial evaluation, a registration event, or
	// both; it must end up bound exactly once either way
	for i := 0; i < 100; i++ {
		rt := NewRuntime()
		bundle, err := rt.InstallBundle("race")
		require.NoError(t, err)

		comp := &recordingComponent{}
		err = rt.Factories().RegisterFactory(bundle, &ComponentFactory{
			ID:          "racer.factory",
			Constructor: func() Component { return comp },
			Requirements: []Requirement{
				{Name: "dep", Specification: "dep", Aggregate: true, Optional: true},
			},
		})
		require.NoError(t, err)

		refs := make(chan *ServiceReference, 1)
		go func() {
			ref, rerr := rt.Registry().Register(bundle, []string{"dep"}, "svc", nil)
			if rerr != nil {
				refs <- nil
				return
			}
			refs <- ref
		}()

		m, err := rt.Factories().Instantiate("racer.factory", "racer.1", nil)
		require.NoError(t, err)
		ref := <-refs
		require.NotNil(t, ref)

		require.Eventually(t, func() bool {
			return len(m.Bound("dep")) == 1
		}, waitEventually, waitTick)
		assert.Equal(t, []int64{ref.ID()}, comp.boundIDs(), "one bind callback per reference")

		require.NoError(t, rt.Stop(context.Background()))
	}
}

func TestHookPanicDoesNotPoisonWorker(t *testing.T) {
	rt, bundle := newComponentHarness(t)

	dep, err := rt.Registry().Register(bundle, []string{"dep"}, "dependency", nil)
	require.NoError(t, err)

	component := &panickyInvalidator{}
	err = rt.Factories().RegisterFactory(bundle, &ComponentFactory{
		ID:           "panicky.factory",
		Constructor:  func() Component { return component },
		Requirements: []Requirement{{Name: "dep", Specification: "dep"}},
	})
	require.NoError(t, err)
	m, err := rt.Factories().Instantiate("panicky.factory", "panicky.1", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))

	// the invalidate hook panics; the manager must absorb it and continue
	require.NoError(t, rt.Registry().Unregister(dep))
	require.True(t, m.WaitForState(waitCtx(t), StateInvalid))

	_, err = rt.Registry().Register(bundle, []string{"dep"}, "dependency-2", nil)
	require.NoError(t, err)
	require.True(t, m.WaitForState(waitCtx(t), StateValid), "worker keeps processing after a hook panic")
}

type panickyInvalidator struct{}

func (p *panickyInvalidator) Validate(ctx *ComponentContext) error { return nil }
func (p *panickyInvalidator) Invalidate(ctx *ComponentContext)     { panic("invalidate exploded") }
