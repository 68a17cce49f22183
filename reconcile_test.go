package worldsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconcileNoChurn(t *testing.T) {
	service := newTestSubscriptionService(true)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	addedCount, removedCount := reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000})
	assert.Equal(t, addedCount, 4)
	assert.Equal(t, removedCount, 0)
	spatialTypeCount := len(SpatialEntityTypes())
	assert.Equal(t, service.subscribeCount, 4*spatialTypeCount)

	// a viewport producing the same chunk set performs zero mutations
	subscribeCount := service.subscribeCount
	addedCount, removedCount = reconciler.Reconcile(&Rect{MinX: 40, MinY: 40, MaxX: 960, MaxY: 960})
	assert.Equal(t, addedCount, 0)
	assert.Equal(t, removedCount, 0)
	assert.Equal(t, service.subscribeCount, subscribeCount)
	assert.Equal(t, service.releaseCount, 0)
}

func TestReconcileDelta(t *testing.T) {
	service := newTestSubscriptionService(true)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	// chunks {(0,0),(1,0),(2,0)}
	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1500, MaxY: 500})
	assert.Equal(t, len(registry.TrackedChunks()), 3)

	subscribeCount := service.subscribeCount
	spatialTypeCount := len(SpatialEntityTypes())

	// move one chunk right: {(1,0),(2,0),(3,0)}.
	// exactly one chunk is added and exactly one removed.
	addedCount, removedCount := reconciler.Reconcile(&Rect{MinX: 500, MinY: 0, MaxX: 2000, MaxY: 500})
	assert.Equal(t, addedCount, 1)
	assert.Equal(t, removedCount, 1)
	assert.Equal(t, service.subscribeCount, subscribeCount+spatialTypeCount)
	assert.Equal(t, service.releaseCount, spatialTypeCount)

	tracked := registry.TrackedChunks()
	assert.Equal(t, len(tracked), 3)
	assert.Equal(t, tracked[NewChunkId(0, 0)], false)
	assert.Equal(t, tracked[NewChunkId(3, 0)], true)
}

func TestReconcileNilViewport(t *testing.T) {
	service := newTestSubscriptionService(true)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000})
	assert.NotEqual(t, registry.LiveHandleCount(), 0)

	// a nil viewport unsubscribes everything spatial
	_, removedCount := reconciler.Reconcile(nil)
	assert.Equal(t, removedCount, 4)
	assert.Equal(t, registry.LiveHandleCount(), 0)
	assert.Equal(t, len(registry.TrackedChunks()), 0)
}

func TestReconcileRetriesFailedPair(t *testing.T) {
	service := newTestSubscriptionService(true)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	failing := SpatialQuery(EntityTypeNpc, NewChunkId(0, 0))
	service.failingQueries[failing.String()] = true

	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 500, MaxY: 500})
	spatialTypeCount := len(SpatialEntityTypes())
	assert.Equal(t, registry.LiveHandleCount(), spatialTypeCount-1)

	// the next pass that touches the registry retries the failed pair
	delete(service.failingQueries, failing.String())
	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 500})
	assert.Equal(t, registry.LiveHandleCount(), 2*spatialTypeCount)
}

func TestReconcileRetriesFailedPairStableChunks(t *testing.T) {
	service := newTestSubscriptionService(true)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	failing := SpatialQuery(EntityTypeNpc, NewChunkId(0, 0))
	service.failingQueries[failing.String()] = true

	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 500, MaxY: 500})
	spatialTypeCount := len(SpatialEntityTypes())
	assert.Equal(t, registry.LiveHandleCount(), spatialTypeCount-1)

	// the chunk stays tracked through the other types, but the failed pair
	// is retried even on a pass with an unchanged chunk set, and the live
	// pairs are not resubscribed
	delete(service.failingQueries, failing.String())
	addedCount, removedCount := reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 500, MaxY: 500})
	assert.Equal(t, addedCount, 1)
	assert.Equal(t, removedCount, 0)
	assert.Equal(t, registry.LiveHandleCount(), spatialTypeCount)
	assert.Equal(t, service.subscribeCount, spatialTypeCount+1)
}

func TestReconcileInterruptedPassRecovers(t *testing.T) {
	service := newTestSubscriptionService(false)
	registry := NewSubscriptionRegistry(service)
	reconciler := NewReconciler(registry, 500)

	// subscribes are in flight, none live yet
	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 500})
	assert.Equal(t, registry.LiveHandleCount(), 0)
	assert.Equal(t, len(registry.TrackedChunks()), 2)

	// everything fails mid-pass. the tracked set reflects actual registry
	// state, so the next pass recomputes the full delta.
	service.failAll()
	assert.Equal(t, len(registry.TrackedChunks()), 0)

	reconciler.Reconcile(&Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 500})
	service.resolveAll()
	spatialTypeCount := len(SpatialEntityTypes())
	assert.Equal(t, registry.LiveHandleCount(), 2*spatialTypeCount)
}

func TestViewportTrackerHysteresis(t *testing.T) {
	settings := DefaultSyncSettings()
	settings.ViewHalfWidth = 500
	settings.ViewHalfHeight = 500
	settings.PrefetchMargin = 0
	settings.MovementThresholdSquared = 64 * 64
	settings.ViewportDebounce = 200 * time.Millisecond
	tracker := NewViewportTracker(settings)

	now := time.Now()

	// the first known position always pushes
	viewport := tracker.Update(Point{X: 500, Y: 500}, now)
	assert.NotEqual(t, viewport, nil)
	assert.Equal(t, *viewport, Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000})

	// a 10 unit move is below the movement threshold, so no new viewport is
	// pushed and no subscription mutation can occur
	viewport = tracker.Update(Point{X: 510, Y: 500}, now.Add(time.Second))
	assert.Equal(t, viewport, nil)

	// a large move within the debounce interval is absorbed
	viewport = tracker.Update(Point{X: 900, Y: 500}, now.Add(100*time.Millisecond))
	assert.Equal(t, viewport, nil)

	// a large move past the debounce interval pushes
	viewport = tracker.Update(Point{X: 900, Y: 500}, now.Add(time.Second))
	assert.NotEqual(t, viewport, nil)
	assert.Equal(t, viewport.Center(), Point{X: 900, Y: 500})
}

func TestViewportTrackerMargin(t *testing.T) {
	settings := DefaultSyncSettings()
	settings.ViewHalfWidth = 400
	settings.ViewHalfHeight = 300
	settings.PrefetchMargin = 100
	tracker := NewViewportTracker(settings)

	viewport := tracker.Update(Point{X: 0, Y: 0}, time.Now())
	assert.Equal(t, *viewport, Rect{MinX: -500, MinY: -400, MaxX: 500, MaxY: 400})
}
