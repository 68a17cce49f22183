package worldsync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// one continuous feed of insert/update/delete events for one entity type,
// either scoped to a chunk (spatial) or unscoped (global)
type Query struct {
	EntityType EntityType
	ChunkId    ChunkId
	Global     bool
}

func SpatialQuery(entityType EntityType, chunkId ChunkId) Query {
	return Query{
		EntityType: entityType,
		ChunkId:    chunkId,
	}
}

func GlobalQuery(entityType EntityType) Query {
	return Query{
		EntityType: entityType,
		Global:     true,
	}
}

func (self Query) String() string {
	if self.Global {
		return fmt.Sprintf("%s/*", self.EntityType)
	}
	return fmt.Sprintf("%s/%s", self.EntityType, self.ChunkId)
}

type SubscribeResultFunction func(handle *SubscriptionHandle, err error)

type InsertFunction func(entity Entity)
type UpdateFunction func(old Entity, next Entity)
type DeleteFunction func(entity Entity)

type EntityCallbacks struct {
	Insert InsertFunction
	Update UpdateFunction
	Delete DeleteFunction
}

// the external subscription service surface this layer consumes.
// `Subscribe` is async and fallible; the result callback is delivered on the
// event loop. entity callbacks fire on the event loop for every live
// subscription matching the entity's type.
type SubscriptionService interface {
	Subscribe(query Query, callback SubscribeResultFunction)
	AddEntityCallbacks(entityType EntityType, callbacks *EntityCallbacks) func()
}

// one outstanding query channel. owned by exactly one registry entry.
type SubscriptionHandle struct {
	subscriptionId Id
	query          Query

	releaseOnce sync.Once
	release     func()
}

func NewSubscriptionHandle(subscriptionId Id, query Query, release func()) *SubscriptionHandle {
	return &SubscriptionHandle{
		subscriptionId: subscriptionId,
		query:          query,
		release:        release,
	}
}

func (self *SubscriptionHandle) SubscriptionId() Id {
	return self.subscriptionId
}

func (self *SubscriptionHandle) Query() Query {
	return self.query
}

// idempotent. safe to call after the connection is gone.
func (self *SubscriptionHandle) Release() {
	self.releaseOnce.Do(func() {
		if self.release != nil {
			HandleError(self.release)
		}
	})
}

// comparable
type subscriptionKey struct {
	entityType EntityType
	chunkId    ChunkId
	global     bool
}

func (self subscriptionKey) String() string {
	if self.global {
		return fmt.Sprintf("%s/*", self.entityType)
	}
	return fmt.Sprintf("%s/%s", self.entityType, self.chunkId)
}

// owns all live handles for one connection.
// owned by the event loop, hence no locking.
type SubscriptionRegistry struct {
	service SubscriptionService

	// keys with an in-flight subscribe request
	pending map[subscriptionKey]bool
	handles map[subscriptionKey]*SubscriptionHandle
}

func NewSubscriptionRegistry(service SubscriptionService) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		service: service,
		pending: map[subscriptionKey]bool{},
		handles: map[subscriptionKey]*SubscriptionHandle{},
	}
}

// subscribes (entityType, chunkId) if there is no live or in-flight
// subscription for the pair. no-op otherwise.
func (self *SubscriptionRegistry) Add(entityType EntityType, chunkId ChunkId) {
	self.add(subscriptionKey{entityType: entityType, chunkId: chunkId}, SpatialQuery(entityType, chunkId))
}

// subscribes the global query for `entityType` if not already subscribed
func (self *SubscriptionRegistry) AddGlobal(entityType EntityType) {
	self.add(subscriptionKey{entityType: entityType, global: true}, GlobalQuery(entityType))
}

func (self *SubscriptionRegistry) add(key subscriptionKey, query Query) {
	if _, ok := self.handles[key]; ok {
		return
	}
	if self.pending[key] {
		return
	}

	self.pending[key] = true
	self.service.Subscribe(query, func(handle *SubscriptionHandle, err error) {
		if !self.pending[key] {
			// removed while the subscribe was in flight.
			// the brief subscribe-then-unsubscribe is tolerated as normal.
			if handle != nil {
				glog.V(2).Infof("[reg]release in-flight %s\n", key)
				handle.Release()
			}
			return
		}
		delete(self.pending, key)
		if err != nil {
			// do not retain a handle. the pair stays out of the tracked
			// set, so the next reconciliation pass retries it.
			glog.Infof("[reg]subscribe %s error = %s\n", key, err)
			return
		}
		self.handles[key] = handle
		glog.V(2).Infof("[reg]subscribed %s\n", key)
	})
}

// idempotently releases and forgets the handle for (entityType, chunkId)
func (self *SubscriptionRegistry) Remove(entityType EntityType, chunkId ChunkId) {
	self.remove(subscriptionKey{entityType: entityType, chunkId: chunkId})
}

func (self *SubscriptionRegistry) RemoveGlobal(entityType EntityType) {
	self.remove(subscriptionKey{entityType: entityType, global: true})
}

func (self *SubscriptionRegistry) remove(key subscriptionKey) {
	delete(self.pending, key)
	if handle, ok := self.handles[key]; ok {
		delete(self.handles, key)
		handle.Release()
		glog.V(2).Infof("[reg]released %s\n", key)
	}
}

// idempotently releases every tracked handle, spatial and global
func (self *SubscriptionRegistry) RemoveAll() {
	for key := range self.pending {
		delete(self.pending, key)
	}
	for _, key := range maps.Keys(self.handles) {
		self.remove(key)
	}
}

// the set of chunks with a live or in-flight spatial subscription.
// this is the registry's actual state, so a reconciliation pass interrupted
// by a failure is recovered by recomputing against it on the next pass.
func (self *SubscriptionRegistry) TrackedChunks() map[ChunkId]bool {
	trackedChunks := map[ChunkId]bool{}
	for key := range self.handles {
		if !key.global {
			trackedChunks[key.chunkId] = true
		}
	}
	for key := range self.pending {
		if !key.global {
			trackedChunks[key.chunkId] = true
		}
	}
	return trackedChunks
}

// reports whether (entityType, chunkId) has a live or in-flight subscription
func (self *SubscriptionRegistry) Tracked(entityType EntityType, chunkId ChunkId) bool {
	key := subscriptionKey{entityType: entityType, chunkId: chunkId}
	if _, ok := self.handles[key]; ok {
		return true
	}
	return self.pending[key]
}

func (self *SubscriptionRegistry) LiveHandleCount() int {
	return len(self.handles)
}

func (self *SubscriptionRegistry) PendingCount() int {
	return len(self.pending)
}
