package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// the concrete connection provider and subscription service, speaking json
// messages over a websocket to the platform. the sync layer never sees any
// of this; it only reacts to the connection change callbacks.

var ErrNotConnected = errors.New("not connected")

type PlatformTransportSettings struct {
	// optional socks5 url to dial the platform through
	ProxyUrl string

	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBufferSize      int
}

func DefaultPlatformTransportSettings() *PlatformTransportSettings {
	return &PlatformTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		SendBufferSize:      32,
	}
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// the client id is encoded in the platform jwt
func (self *ClientAuth) ClientId() (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)
	if clientIdStr, ok := claims["client_id"]; ok {
		if clientId, err := ParseId(clientIdStr.(string)); err == nil {
			return clientId, nil
		} else {
			return Id{}, err
		}
	}
	return Id{}, errors.New("jwt missing client_id")
}

// wire messages

const (
	messageTypeAuth           = "auth"
	messageTypeAuthOk         = "auth_ok"
	messageTypeSubscribe      = "subscribe"
	messageTypeSubscribed     = "subscribed"
	messageTypeSubscribeError = "subscribe_error"
	messageTypeUnsubscribe    = "unsubscribe"
	messageTypeInsert         = "insert"
	messageTypeUpdate         = "update"
	messageTypeDelete         = "delete"
)

type wireQuery struct {
	EntityType string `json:"entity_type"`
	Global     bool   `json:"global,omitempty"`
	CellX      int32  `json:"cell_x,omitempty"`
	CellY      int32  `json:"cell_y,omitempty"`
}

func newWireQuery(query Query) *wireQuery {
	return &wireQuery{
		EntityType: query.EntityType.String(),
		Global:     query.Global,
		CellX:      query.ChunkId.CellX(),
		CellY:      query.ChunkId.CellY(),
	}
}

type platformMessage struct {
	Type string `json:"type"`

	// auth
	Jwt        string `json:"jwt,omitempty"`
	InstanceId *Id    `json:"instance_id,omitempty"`
	AppVersion string `json:"app_version,omitempty"`

	// subscribe, subscribed, subscribe_error, unsubscribe
	SubscriptionId *Id        `json:"subscription_id,omitempty"`
	Query          *wireQuery `json:"query,omitempty"`
	Error          string     `json:"error,omitempty"`

	// entity events
	EntityType string          `json:"entity_type,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}

func decodeEntity(entityTypeStr string, raw json.RawMessage) (Entity, error) {
	entityType, err := ParseEntityType(entityTypeStr)
	if err != nil {
		return nil, err
	}
	var entity Entity
	switch entityType {
	case EntityTypePlayer:
		entity = &Player{}
	case EntityTypeNpc:
		entity = &Npc{}
	case EntityTypeGroundItem:
		entity = &GroundItem{}
	case EntityTypeWorldProfile:
		entity = &WorldProfile{}
	case EntityTypeCatalogItem:
		entity = &CatalogItem{}
	default:
		return nil, fmt.Errorf("no codec for entity type %s", entityType)
	}
	if err := json.Unmarshal(raw, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// (connection, nil) on connect, (nil, err) on disconnect or connect error
type ConnectionChangeFunction func(connection *Connection, err error)

type pendingSubscribe struct {
	query    Query
	callback SubscribeResultFunction
}

type platformSession struct {
	instanceId Id
	conn       *websocket.Conn
	send       chan *platformMessage
	cancel     context.CancelFunc
}

type PlatformTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *ClientAuth
	loop        *EventLoop
	settings    *PlatformTransportSettings

	connectionChangeCallbacks *CallbackList[ConnectionChangeFunction]
	entityCallbacks           map[EntityType]*CallbackList[*EntityCallbacks]

	// owned by the loop
	session           *platformSession
	pendingSubscribes map[Id]*pendingSubscribe
}

func NewPlatformTransportWithDefaults(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	loop *EventLoop,
) *PlatformTransport {
	return NewPlatformTransport(ctx, platformUrl, auth, loop, DefaultPlatformTransportSettings())
}

func NewPlatformTransport(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	loop *EventLoop,
	settings *PlatformTransportSettings,
) *PlatformTransport {
	cancelCtx, cancel := context.WithCancel(ctx)

	entityCallbacks := map[EntityType]*CallbackList[*EntityCallbacks]{}
	for _, entityType := range EntityTypes() {
		entityCallbacks[entityType] = NewCallbackList[*EntityCallbacks]()
	}

	transport := &PlatformTransport{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		platformUrl:               platformUrl,
		auth:                      auth,
		loop:                      loop,
		settings:                  settings,
		connectionChangeCallbacks: NewCallbackList[ConnectionChangeFunction](),
		entityCallbacks:           entityCallbacks,
		pendingSubscribes:         map[Id]*pendingSubscribe{},
	}
	go transport.run()
	return transport
}

func (self *PlatformTransport) AddConnectionChangeCallback(connectionChangeCallback ConnectionChangeFunction) func() {
	return self.connectionChangeCallbacks.Add(connectionChangeCallback)
}

// SubscriptionService
func (self *PlatformTransport) AddEntityCallbacks(entityType EntityType, callbacks *EntityCallbacks) func() {
	return self.entityCallbacks[entityType].Add(callbacks)
}

// SubscriptionService
// async and fallible. the result callback is delivered on the event loop.
func (self *PlatformTransport) Subscribe(query Query, callback SubscribeResultFunction) {
	self.loop.Post(func() {
		if self.session == nil {
			callback(nil, ErrNotConnected)
			return
		}
		subscriptionId := NewId()
		message := &platformMessage{
			Type:           messageTypeSubscribe,
			SubscriptionId: &subscriptionId,
			Query:          newWireQuery(query),
		}
		if !self.trySend(message) {
			callback(nil, errors.New("send buffer full"))
			return
		}
		self.pendingSubscribes[subscriptionId] = &pendingSubscribe{
			query:    query,
			callback: callback,
		}
	})
}

// best effort. a release after the connection is gone is a no-op.
func (self *PlatformTransport) unsubscribe(subscriptionId Id) {
	self.loop.Post(func() {
		delete(self.pendingSubscribes, subscriptionId)
		if self.session == nil {
			return
		}
		self.trySend(&platformMessage{
			Type:           messageTypeUnsubscribe,
			SubscriptionId: &subscriptionId,
		})
	})
}

func (self *PlatformTransport) trySend(message *platformMessage) bool {
	select {
	case self.session.send <- message:
		return true
	default:
		glog.Infof("[pt]send buffer full, dropping %s\n", message.Type)
		return false
	}
}

func (self *PlatformTransport) run() {
	defer self.cancel()

	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = self.settings.ReconnectMinTimeout
	reconnectBackoff.MaxInterval = self.settings.ReconnectMaxTimeout
	// retry until the transport is closed
	reconnectBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := self.runSession(reconnectBackoff)
		if err != nil {
			glog.Infof("[pt]session error = %s\n", err)
		}
		self.notifyDisconnect(err)

		timeout := reconnectBackoff.NextBackOff()
		glog.V(1).Infof("[pt]reconnect in %s\n", timeout)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(timeout):
		}
	}
}

func (self *PlatformTransport) newDialer() (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	if self.settings.ProxyUrl != "" {
		proxyDialer, err := proxyContextDialer(self.settings.ProxyUrl)
		if err != nil {
			return nil, err
		}
		dialer.NetDialContext = proxyDialer.DialContext
	}
	return dialer, nil
}

// resolves a proxy url like socks5://host:port into a context dialer
func proxyContextDialer(proxyUrl string) (proxy.ContextDialer, error) {
	u, err := url.Parse(proxyUrl)
	if err != nil {
		return nil, err
	}
	proxyDialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	contextDialer, ok := proxyDialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support context dialing", u.Scheme)
	}
	return contextDialer, nil
}

func (self *PlatformTransport) runSession(reconnectBackoff *backoff.ExponentialBackOff) error {
	dialer, err := self.newDialer()
	if err != nil {
		return err
	}
	conn, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	instanceId := NewId()

	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	err = conn.WriteJSON(&platformMessage{
		Type:       messageTypeAuth,
		Jwt:        self.auth.ByJwt,
		InstanceId: &instanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var authOk platformMessage
	if err := conn.ReadJSON(&authOk); err != nil {
		return err
	}
	if authOk.Type != messageTypeAuthOk {
		return fmt.Errorf("auth failed: %s", authOk.Error)
	}

	clientId, err := self.auth.ClientId()
	if err != nil {
		return err
	}

	// authenticated
	reconnectBackoff.Reset()

	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	defer sessionCancel()

	// unblock the read loop when the session is torn down
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	session := &platformSession{
		instanceId: instanceId,
		conn:       conn,
		send:       make(chan *platformMessage, self.settings.SendBufferSize),
		cancel:     sessionCancel,
	}

	connection := NewConnection(clientId, instanceId, self)
	self.loop.Call(func() {
		self.session = session
	})
	glog.Infof("[pt]connected client = %s instance = %s\n", clientId, instanceId)
	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		HandleError(func() {
			connectionChangeCallback(connection, nil)
		})
	}

	go self.writeLoop(sessionCtx, session)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		var message platformMessage
		if err := conn.ReadJSON(&message); err != nil {
			return err
		}
		self.loop.Post(func() {
			self.handleMessage(session, &message)
		})
	}
}

func (self *PlatformTransport) writeLoop(ctx context.Context, session *platformSession) {
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-session.send:
			session.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := session.conn.WriteJSON(message); err != nil {
				glog.V(1).Infof("[pt]write error = %s\n", err)
				session.cancel()
				return
			}
		case <-pingTicker.C:
			session.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.cancel()
				return
			}
		}
	}
}

// runs on the event loop
func (self *PlatformTransport) handleMessage(session *platformSession, message *platformMessage) {
	if self.session != session {
		// stale session
		return
	}

	switch message.Type {
	case messageTypeSubscribed:
		if message.SubscriptionId == nil {
			return
		}
		subscriptionId := *message.SubscriptionId
		pending, ok := self.pendingSubscribes[subscriptionId]
		if !ok {
			return
		}
		delete(self.pendingSubscribes, subscriptionId)
		handle := NewSubscriptionHandle(subscriptionId, pending.query, func() {
			self.unsubscribe(subscriptionId)
		})
		pending.callback(handle, nil)

	case messageTypeSubscribeError:
		if message.SubscriptionId == nil {
			return
		}
		subscriptionId := *message.SubscriptionId
		pending, ok := self.pendingSubscribes[subscriptionId]
		if !ok {
			return
		}
		delete(self.pendingSubscribes, subscriptionId)
		pending.callback(nil, fmt.Errorf("subscribe failed: %s", message.Error))

	case messageTypeInsert, messageTypeUpdate, messageTypeDelete:
		entity, err := decodeEntity(message.EntityType, message.Entity)
		if err != nil {
			glog.Warningf("[pt]drop %s event = %s\n", message.Type, err)
			return
		}
		callbacksList, ok := self.entityCallbacks[entity.Type()]
		if !ok {
			return
		}
		var old Entity
		if message.Type == messageTypeUpdate && message.Old != nil {
			if oldEntity, err := decodeEntity(message.EntityType, message.Old); err == nil {
				old = oldEntity
			}
		}
		for _, callbacks := range callbacksList.Get() {
			callbacks := callbacks
			HandleError(func() {
				switch message.Type {
				case messageTypeInsert:
					callbacks.Insert(entity)
				case messageTypeUpdate:
					callbacks.Update(old, entity)
				case messageTypeDelete:
					callbacks.Delete(entity)
				}
			})
		}

	default:
		glog.V(2).Infof("[pt]ignore message type %s\n", message.Type)
	}
}

func (self *PlatformTransport) notifyDisconnect(err error) {
	self.loop.Call(func() {
		self.session = nil
		// fail anything still in flight. the registry treats these as
		// recoverable and retries on the next reconciliation pass.
		for subscriptionId, pending := range self.pendingSubscribes {
			delete(self.pendingSubscribes, subscriptionId)
			pending.callback(nil, ErrNotConnected)
		}
	})
	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		HandleError(func() {
			connectionChangeCallback(nil, err)
		})
	}
}

func (self *PlatformTransport) Close() {
	self.cancel()
}
