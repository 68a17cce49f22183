package worldsync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type SyncSettings struct {
	// chunk edge length in world units
	ChunkSize float64

	// strict visible half extents around the focal point
	ViewHalfWidth  float64
	ViewHalfHeight float64
	// added around the strict visible rect before chunk mapping
	PrefetchMargin float64

	// minimum interval between pushed viewports
	ViewportDebounce time.Duration
	// squared distance the focal point must move to push a new viewport
	MovementThresholdSquared float64

	// squared position delta below which an update is insignificant
	PositionEpsilonSquared float64
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		ChunkSize:                500,
		ViewHalfWidth:            640,
		ViewHalfHeight:           360,
		PrefetchMargin:           250,
		ViewportDebounce:         200 * time.Millisecond,
		MovementThresholdSquared: 64 * 64,
		PositionEpsilonSquared:   0.5 * 0.5,
	}
}

// a connection handle bound to a local identity.
// the handshake happens elsewhere; this layer only reacts to it.
type Connection struct {
	clientId   Id
	instanceId Id
	service    SubscriptionService
}

func NewConnection(clientId Id, instanceId Id, service SubscriptionService) *Connection {
	return &Connection{
		clientId:   clientId,
		instanceId: instanceId,
		service:    service,
	}
}

func (self *Connection) ClientId() Id {
	return self.clientId
}

func (self *Connection) InstanceId() Id {
	return self.instanceId
}

func (self *Connection) Service() SubscriptionService {
	return self.service
}

// all per-connection state. created on bind, destroyed on unbind,
// never reused across reconnects.
type syncContext struct {
	connection *Connection

	registry   *SubscriptionRegistry
	reconciler *Reconciler

	players       *ReplicaStore[*Player]
	npcs          *ReplicaStore[*Npc]
	groundItems   *ReplicaStore[*GroundItem]
	worldProfiles *ReplicaStore[*WorldProfile]
	catalogItems  *ReplicaStore[*CatalogItem]

	// unbind callbacks, run in reverse order on teardown
	unsubs []func()

	viewport             *Rect
	localActorRegistered bool
}

type replicaClearer interface {
	Clear()
	Len() int
}

func (self *syncContext) stores() []replicaClearer {
	return []replicaClearer{
		self.players,
		self.npcs,
		self.groundItems,
		self.worldProfiles,
		self.catalogItems,
	}
}

// the connection lifecycle manager. two states, unbound and bound.
// all state is owned by the event loop; the exported methods funnel onto it.
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop     *EventLoop
	settings *SyncSettings

	// owned by the loop
	sctx    *syncContext
	tracker *ViewportTracker

	registeredMonitor   *Monitor
	registeredCallbacks *CallbackList[func(registered bool)]
}

func NewSyncManagerWithDefaults(ctx context.Context) *SyncManager {
	return NewSyncManager(ctx, DefaultSyncSettings())
}

func NewSyncManager(ctx context.Context, settings *SyncSettings) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SyncManager{
		ctx:                 cancelCtx,
		cancel:              cancel,
		loop:                NewEventLoop(cancelCtx),
		settings:            settings,
		tracker:             NewViewportTracker(settings),
		registeredMonitor:   NewMonitor(),
		registeredCallbacks: NewCallbackList[func(registered bool)](),
	}
}

// the loop the connection provider must deliver events on
func (self *SyncManager) EventLoop() *EventLoop {
	return self.loop
}

// unbound -> bound. binds every entity type's callbacks and issues all
// global subscriptions, exactly once per connection instance. a duplicate
// bind for the same instance is a no-op. a bind for a new instance while
// still bound tears the old instance down first.
func (self *SyncManager) Bind(connection *Connection) {
	self.loop.Call(func() {
		self.bind(connection)
	})
}

func (self *SyncManager) bind(connection *Connection) {
	if self.sctx != nil {
		if self.sctx.connection.InstanceId() == connection.InstanceId() {
			// already bound to this instance
			return
		}
		self.unbind()
	}

	glog.Infof("[sync]bind client = %s instance = %s\n", connection.ClientId(), connection.InstanceId())

	sctx := &syncContext{
		connection:    connection,
		players:       NewReplicaStore(EntityTypePlayer, playerChanged(self.settings.PositionEpsilonSquared)),
		npcs:          NewReplicaStore(EntityTypeNpc, npcChanged(self.settings.PositionEpsilonSquared)),
		groundItems:   NewReplicaStore(EntityTypeGroundItem, groundItemChanged(self.settings.PositionEpsilonSquared)),
		worldProfiles: NewReplicaStore(EntityTypeWorldProfile, worldProfileChanged),
		catalogItems:  NewReplicaStore(EntityTypeCatalogItem, catalogItemChanged),
	}
	sctx.registry = NewSubscriptionRegistry(connection.Service())
	sctx.reconciler = NewReconciler(sctx.registry, self.settings.ChunkSize)

	service := connection.Service()
	sctx.unsubs = append(sctx.unsubs,
		service.AddEntityCallbacks(EntityTypePlayer, storeEntityCallbacks(sctx.players)),
		service.AddEntityCallbacks(EntityTypeNpc, storeEntityCallbacks(sctx.npcs)),
		service.AddEntityCallbacks(EntityTypeGroundItem, storeEntityCallbacks(sctx.groundItems)),
		service.AddEntityCallbacks(EntityTypeWorldProfile, storeEntityCallbacks(sctx.worldProfiles)),
		service.AddEntityCallbacks(EntityTypeCatalogItem, storeEntityCallbacks(sctx.catalogItems)),
	)

	// follow the local actor
	clientId := connection.ClientId()
	sctx.unsubs = append(sctx.unsubs, sctx.players.AddUpdateCallback(func(EntityType) {
		self.followLocalActor(sctx, clientId)
	}))
	sctx.unsubs = append(sctx.unsubs, sctx.players.AddDeleteCallback(func(player *Player) {
		if player.EntityId() == clientId {
			// the locally controlled actor left the world.
			// clear the viewport, which unsubscribes everything spatial.
			glog.Infof("[sync]local actor removed\n")
			self.setRegistered(sctx, false)
			sctx.viewport = nil
			sctx.reconciler.Reconcile(nil)
			self.tracker.Reset()
		}
	}))

	for _, entityType := range EntityTypes() {
		if !entityType.Spatial() {
			sctx.registry.AddGlobal(entityType)
		}
	}

	self.sctx = sctx
}

// bound -> unbound. releases every handle, clears every replica and resets
// the local actor flag and tracked chunks, so a future bind starts clean.
func (self *SyncManager) Unbind() {
	self.loop.Call(self.unbind)
}

func (self *SyncManager) unbind() {
	if self.sctx == nil {
		return
	}
	sctx := self.sctx
	// from here on, no partial state is observable
	self.sctx = nil

	glog.Infof("[sync]unbind instance = %s\n", sctx.connection.InstanceId())

	sctx.registry.RemoveAll()
	for _, store := range sctx.stores() {
		store.Clear()
	}
	for i := len(sctx.unsubs) - 1; 0 <= i; i -= 1 {
		sctx.unsubs[i]()
	}
	sctx.viewport = nil
	self.tracker.Reset()

	if sctx.localActorRegistered {
		sctx.localActorRegistered = false
		self.notifyRegistered(false)
	}
}

// the sole external control input. a nil viewport clears the interest region.
func (self *SyncManager) SetViewport(viewport *Rect) {
	self.loop.Call(func() {
		if self.sctx == nil {
			return
		}
		self.sctx.viewport = viewport
		self.sctx.reconciler.Reconcile(viewport)
	})
}

func (self *SyncManager) followLocalActor(sctx *syncContext, clientId Id) {
	player, ok := sctx.players.Get(clientId)
	if !ok {
		return
	}
	self.setRegistered(sctx, true)
	if viewport := self.tracker.Update(player.Position, time.Now()); viewport != nil {
		sctx.viewport = viewport
		sctx.reconciler.Reconcile(viewport)
	}
}

func (self *SyncManager) setRegistered(sctx *syncContext, registered bool) {
	if sctx.localActorRegistered == registered {
		return
	}
	sctx.localActorRegistered = registered
	self.notifyRegistered(registered)
}

func (self *SyncManager) notifyRegistered(registered bool) {
	self.registeredMonitor.NotifyAll()
	for _, registeredCallback := range self.registeredCallbacks.Get() {
		HandleError(func() {
			registeredCallback(registered)
		})
	}
}

// read-only views

func (self *SyncManager) Bound() bool {
	var bound bool
	self.loop.Call(func() {
		bound = self.sctx != nil
	})
	return bound
}

func (self *SyncManager) LocalActorRegistered() bool {
	var registered bool
	self.loop.Call(func() {
		registered = self.sctx != nil && self.sctx.localActorRegistered
	})
	return registered
}

func (self *SyncManager) AddRegisteredCallback(registeredCallback func(registered bool)) func() {
	return self.registeredCallbacks.Add(registeredCallback)
}

func (self *SyncManager) RegisteredNotifyChannel() chan struct{} {
	return self.registeredMonitor.NotifyChannel()
}

func (self *SyncManager) Viewport() *Rect {
	var viewport *Rect
	self.loop.Call(func() {
		if self.sctx != nil && self.sctx.viewport != nil {
			v := *self.sctx.viewport
			viewport = &v
		}
	})
	return viewport
}

func (self *SyncManager) Players() map[Id]*Player {
	return snapshot(self, func(sctx *syncContext) map[Id]*Player {
		return sctx.players.Snapshot()
	})
}

func (self *SyncManager) Npcs() map[Id]*Npc {
	return snapshot(self, func(sctx *syncContext) map[Id]*Npc {
		return sctx.npcs.Snapshot()
	})
}

func (self *SyncManager) GroundItems() map[Id]*GroundItem {
	return snapshot(self, func(sctx *syncContext) map[Id]*GroundItem {
		return sctx.groundItems.Snapshot()
	})
}

func (self *SyncManager) WorldProfiles() map[Id]*WorldProfile {
	return snapshot(self, func(sctx *syncContext) map[Id]*WorldProfile {
		return sctx.worldProfiles.Snapshot()
	})
}

func (self *SyncManager) CatalogItems() map[Id]*CatalogItem {
	return snapshot(self, func(sctx *syncContext) map[Id]*CatalogItem {
		return sctx.catalogItems.Snapshot()
	})
}

func snapshot[M any](self *SyncManager, view func(sctx *syncContext) M) M {
	var out M
	self.loop.Call(func() {
		if self.sctx != nil {
			out = view(self.sctx)
		}
	})
	return out
}

func (self *SyncManager) LiveHandleCount() int {
	var count int
	self.loop.Call(func() {
		if self.sctx != nil {
			count = self.sctx.registry.LiveHandleCount()
		}
	})
	return count
}

func (self *SyncManager) Close() {
	self.loop.Call(self.unbind)
	self.cancel()
}

// wires the provider's connect/disconnect notifications into the manager.
// returns an idempotent detach function.
func BindTransport(manager *SyncManager, transport *PlatformTransport) func() {
	return transport.AddConnectionChangeCallback(func(connection *Connection, err error) {
		if connection != nil {
			manager.Bind(connection)
		} else {
			manager.Unbind()
		}
	})
}
