package worldsync

import (
	"github.com/golang/glog"
)

// returns whether the change from `old` to `next` is semantically relevant.
// insignificant updates (sub-pixel jitter) are filtered out so they do not
// trigger downstream work.
type ChangeFunction[E Entity] func(old E, next E) bool

type StoreUpdateFunction func(entityType EntityType)

// the local copy of one entity type, identity -> latest value.
// mutated only by the insert/update/delete event callbacks,
// owned by the event loop, hence no locking.
type ReplicaStore[E Entity] struct {
	entityType EntityType
	changed    ChangeFunction[E]

	entities map[Id]E

	updateCallbacks *CallbackList[StoreUpdateFunction]
	deleteCallbacks *CallbackList[func(entity E)]
}

func NewReplicaStore[E Entity](entityType EntityType, changed ChangeFunction[E]) *ReplicaStore[E] {
	return &ReplicaStore[E]{
		entityType:      entityType,
		changed:         changed,
		entities:        map[Id]E{},
		updateCallbacks: NewCallbackList[StoreUpdateFunction](),
		deleteCallbacks: NewCallbackList[func(entity E)](),
	}
}

func (self *ReplicaStore[E]) EntityType() EntityType {
	return self.entityType
}

func (self *ReplicaStore[E]) OnInsert(entity E) {
	self.entities[entity.EntityId()] = entity
	self.notifyUpdate()
}

func (self *ReplicaStore[E]) OnUpdate(old E, next E) {
	entityId := next.EntityId()
	if _, ok := self.entities[entityId]; !ok {
		// an update for an identity never inserted can happen when the event
		// arrives around a reconciliation boundary. apply as an implicit insert.
		glog.Warningf("[store]%s update for unknown %s, applying as insert\n", self.entityType, entityId)
		self.OnInsert(next)
		return
	}
	if self.changed != nil && !self.changed(old, next) {
		return
	}
	self.entities[entityId] = next
	self.notifyUpdate()
}

func (self *ReplicaStore[E]) OnDelete(entity E) {
	entityId := entity.EntityId()
	if _, ok := self.entities[entityId]; !ok {
		return
	}
	delete(self.entities, entityId)
	for _, deleteCallback := range self.deleteCallbacks.Get() {
		HandleError(func() {
			deleteCallback(entity)
		})
	}
	self.notifyUpdate()
}

func (self *ReplicaStore[E]) Get(entityId Id) (E, bool) {
	entity, ok := self.entities[entityId]
	return entity, ok
}

// a copy. consumers never see the live map.
func (self *ReplicaStore[E]) Snapshot() map[Id]E {
	snapshot := make(map[Id]E, len(self.entities))
	for entityId, entity := range self.entities {
		snapshot[entityId] = entity
	}
	return snapshot
}

func (self *ReplicaStore[E]) Len() int {
	return len(self.entities)
}

func (self *ReplicaStore[E]) Clear() {
	self.entities = map[Id]E{}
}

func (self *ReplicaStore[E]) AddUpdateCallback(updateCallback StoreUpdateFunction) func() {
	return self.updateCallbacks.Add(updateCallback)
}

func (self *ReplicaStore[E]) AddDeleteCallback(deleteCallback func(entity E)) func() {
	return self.deleteCallbacks.Add(deleteCallback)
}

func (self *ReplicaStore[E]) notifyUpdate() {
	for _, updateCallback := range self.updateCallbacks.Get() {
		HandleError(func() {
			updateCallback(self.entityType)
		})
	}
}

// adapts typed store callbacks to the untyped entity callback surface
func storeEntityCallbacks[E Entity](store *ReplicaStore[E]) *EntityCallbacks {
	return &EntityCallbacks{
		Insert: func(entity Entity) {
			if e, ok := entity.(E); ok {
				store.OnInsert(e)
			} else {
				glog.Warningf("[store]%s insert with wrong type %T\n", store.EntityType(), entity)
			}
		},
		Update: func(old Entity, next Entity) {
			n, ok := next.(E)
			if !ok {
				glog.Warningf("[store]%s update with wrong type %T\n", store.EntityType(), next)
				return
			}
			// old may be absent when the service does not echo prior state
			o, _ := old.(E)
			store.OnUpdate(o, n)
		},
		Delete: func(entity Entity) {
			if e, ok := entity.(E); ok {
				store.OnDelete(e)
			} else {
				glog.Warningf("[store]%s delete with wrong type %T\n", store.EntityType(), entity)
			}
		},
	}
}

// default per-type change predicates

func playerChanged(positionEpsilonSquared float64) ChangeFunction[*Player] {
	return func(old *Player, next *Player) bool {
		if old == nil {
			return true
		}
		if old.Position.DistanceSquared(next.Position) > positionEpsilonSquared {
			return true
		}
		return old.Facing != next.Facing ||
			old.Health != next.Health ||
			old.MaxHealth != next.MaxHealth ||
			old.InventoryRevision != next.InventoryRevision ||
			old.Mining != next.Mining ||
			old.Name != next.Name
	}
}

func npcChanged(positionEpsilonSquared float64) ChangeFunction[*Npc] {
	return func(old *Npc, next *Npc) bool {
		if old == nil {
			return true
		}
		if old.Position.DistanceSquared(next.Position) > positionEpsilonSquared {
			return true
		}
		return old.Facing != next.Facing ||
			old.Health != next.Health ||
			old.Hostile != next.Hostile
	}
}

func groundItemChanged(positionEpsilonSquared float64) ChangeFunction[*GroundItem] {
	return func(old *GroundItem, next *GroundItem) bool {
		if old == nil {
			return true
		}
		if old.Position.DistanceSquared(next.Position) > positionEpsilonSquared {
			return true
		}
		return old.Quantity != next.Quantity || old.Slug != next.Slug
	}
}

func worldProfileChanged(old *WorldProfile, next *WorldProfile) bool {
	if old == nil {
		return true
	}
	return *old != *next
}

func catalogItemChanged(old *CatalogItem, next *CatalogItem) bool {
	if old == nil {
		return true
	}
	return *old != *next
}
