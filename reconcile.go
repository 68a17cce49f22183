package worldsync

import (
	"time"

	"github.com/golang/glog"
)

// diffs the (entity type, chunk) pairs required by the viewport against the
// registry's tracked pairs and touches only the delta. owned by the event
// loop.
type Reconciler struct {
	registry  *SubscriptionRegistry
	chunkSize float64

	spatialEntityTypes []EntityType
}

func NewReconciler(registry *SubscriptionRegistry, chunkSize float64) *Reconciler {
	return &Reconciler{
		registry:           registry,
		chunkSize:          chunkSize,
		spatialEntityTypes: SpatialEntityTypes(),
	}
}

// brings the registry in line with `viewport`. a nil or degenerate viewport
// unsubscribes everything spatial.
// when every required pair is already live or in flight, no registry call is
// made at all, which keeps frequent small viewport updates free.
func (self *Reconciler) Reconcile(viewport *Rect) (addedCount int, removedCount int) {
	required := ViewportChunks(viewport, self.chunkSize)

	removed := []ChunkId{}
	for chunkId := range self.registry.TrackedChunks() {
		if !required[chunkId] {
			removed = append(removed, chunkId)
		}
	}
	for _, chunkId := range removed {
		for _, entityType := range self.spatialEntityTypes {
			self.registry.Remove(entityType, chunkId)
		}
	}

	// diff per (type, chunk) pair rather than per chunk, so a pair whose
	// earlier subscribe failed is retried even when the chunk set is stable
	added := map[ChunkId]bool{}
	for chunkId := range required {
		for _, entityType := range self.spatialEntityTypes {
			if !self.registry.Tracked(entityType, chunkId) {
				self.registry.Add(entityType, chunkId)
				added[chunkId] = true
			}
		}
	}

	if 0 < len(added) || 0 < len(removed) {
		glog.V(2).Infof("[recon]viewport %s +%d -%d chunks\n", viewport, len(added), len(removed))
	}
	return len(added), len(removed)
}

// follows the local actor's focal point and pushes a new viewport at most
// once per debounce interval, and only when the focal point has moved beyond
// the movement threshold. the strict view rect is expanded by the prefetch
// margin before chunk mapping.
type ViewportTracker struct {
	viewHalfWidth            float64
	viewHalfHeight           float64
	prefetchMargin           float64
	debounce                 time.Duration
	movementThresholdSquared float64

	lastFocus    *Point
	lastPushTime time.Time
}

func NewViewportTracker(settings *SyncSettings) *ViewportTracker {
	return &ViewportTracker{
		viewHalfWidth:            settings.ViewHalfWidth,
		viewHalfHeight:           settings.ViewHalfHeight,
		prefetchMargin:           settings.PrefetchMargin,
		debounce:                 settings.ViewportDebounce,
		movementThresholdSquared: settings.MovementThresholdSquared,
	}
}

// returns the new viewport to push, or nil if this update is absorbed
func (self *ViewportTracker) Update(focus Point, now time.Time) *Rect {
	if self.lastFocus != nil {
		if focus.DistanceSquared(*self.lastFocus) < self.movementThresholdSquared {
			return nil
		}
		if now.Sub(self.lastPushTime) < self.debounce {
			return nil
		}
	}
	self.lastFocus = &focus
	self.lastPushTime = now
	return RectAround(focus, self.viewHalfWidth, self.viewHalfHeight).Expand(self.prefetchMargin)
}

func (self *ViewportTracker) Reset() {
	self.lastFocus = nil
	self.lastPushTime = time.Time{}
}
