package rtdb

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
)

// SessionState is the top-level connection state machine of spec §4.1:
// disconnected -> connecting -> connected, looping back to connecting
// on any transport failure.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
)

func (self SessionState) String() string {
	switch self {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type SessionSettings struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	Network           *NetworkSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
		Network:           DefaultNetworkSettings(),
	}
}

// queuedFrame is one not-yet-sent outbound request. prioritize mirrors
// spec §4.4: a prioritized enqueue is inserted after every prioritized
// request already queued and ahead of the first non-prioritized one,
// rather than at the tail.
type queuedFrame struct {
	evtId      Id
	tag        Tag
	payload    any
	prioritize bool
}

type pendingRequest struct {
	tag        Tag
	queued     queuedFrame
	onAck      func()
	onErr      func(err error)
	deadline   time.Time
	enqueuedAt time.Time
}

type pendingFetch struct {
	colId    string
	onResult func(docs []*Document, err error)
}

// SessionManager is the central event loop of the client: one
// NetworkHandler, one outbound event queue, the table of in-flight
// requests and fetches, and the registry of active subscription
// handlers. Every field is touched only from the session scheduler
// goroutine (spec §4.4/§5), grounded on the teacher's client.go
// request/response bookkeeping adapted from p2p routing to a single
// upstream connection.
type SessionManager struct {
	scheduler *Scheduler
	main      *MainScheduler
	settings  *SessionSettings
	network   *NetworkHandler

	url       string
	authToken func() string

	state        SessionState
	connectionId Id

	// committedAuthToken is the token most recently acked by an auth
	// request; cleared on deauth or auth failure (spec §4.4).
	committedAuthToken string

	eventQueue      []queuedFrame
	pendingRequests map[Id]*pendingRequest
	pendingFetches  map[Id]*pendingFetch

	subscriptionsByHash  map[string]*SubscriptionHandler
	subscriptionsBySubId map[Id]*SubscriptionHandler

	cache *Cache

	closed bool
	stopCh chan struct{}
}

func NewSessionManager(url string, authToken func() string, cache *Cache, main *MainScheduler, settings *SessionSettings) *SessionManager {
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	if main == nil {
		main = NewInlineMainScheduler()
	}
	self := &SessionManager{
		scheduler:            NewScheduler(256),
		main:                 main,
		settings:             settings,
		url:                  url,
		authToken:            authToken,
		state:                SessionDisconnected,
		pendingRequests:      map[Id]*pendingRequest{},
		pendingFetches:       map[Id]*pendingFetch{},
		subscriptionsByHash:  map[string]*SubscriptionHandler{},
		subscriptionsBySubId: map[Id]*SubscriptionHandler{},
		cache:                cache,
		stopCh:               make(chan struct{}),
	}
	return self
}

// Start brings the session online: dials the transport and begins the
// heartbeat. Idempotent.
func (self *SessionManager) Start() {
	self.scheduler.Post(func() {
		if self.network != nil {
			return
		}
		self.goOnline()
		go self.heartbeatLoop()
	})
}

// Stop tears the session down permanently; the SessionManager cannot be
// restarted afterward (construct a new one instead).
func (self *SessionManager) Stop() {
	close(self.stopCh)
	self.scheduler.PostSync(func() {
		self.closed = true
		if self.network != nil {
			self.network.Destroy()
		}
	})
	self.scheduler.Close()
}

func (self *SessionManager) goOnline() {
	self.state = SessionConnecting
	self.network = NewNetworkHandler(
		self.url,
		self.settings.Network,
		func() { self.scheduler.Post(self.handleTransportConnected) },
		func(err error) { self.scheduler.Post(func() { self.handleTransportDisconnected(err) }) },
		func(message []byte) { self.scheduler.Post(func() { self.handleMessage(message) }) },
	)
	self.network.GoOnline()
}

func (self *SessionManager) heartbeatLoop() {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.stopCh:
			return
		case <-ticker.C:
			self.scheduler.Post(func() {
				if self.closed {
					return
				}
				if self.state == SessionConnected {
					self.send(TagNop, emptyPayload{EvtId: NewId()}, false)
				}
				self.sweepTimeouts()
			})
		}
	}
}

// sweepTimeouts fails any pendingRequest whose deadline has passed with
// ErrorTimeout. Requests without a deadline (subscription bookkeeping,
// which resolves via resubscribeAll instead) are left untouched.
func (self *SessionManager) sweepTimeouts() {
	now := time.Now()
	for evtId, pending := range self.pendingRequests {
		if pending.deadline.IsZero() || pending.deadline.After(now) {
			continue
		}
		delete(self.pendingRequests, evtId)
		if pending.onErr != nil {
			pending.onErr(NewError(ErrorTimeout, fmt.Sprintf("request timed out: %s", pending.tag)))
		}
	}
}

// handleTransportConnected implements spec §4.4's connection
// establishment step: put a connect (fresh connectionId) or
// reconnect (existing connectionId) request at the front of the queue,
// an auth request behind it (and behind any other prioritized frames
// already queued) if a token is set, queue a subscribe for every
// handler, then move straight to connected and flush. The connection
// request is never acked by the server (spec.md §6 lists no such
// server variant), so the transition does not wait on it.
func (self *SessionManager) handleTransportConnected() {
	logReconnect("transport connected, handshake complete")

	connEvtId := NewId()
	if self.connectionId == (Id{}) {
		self.connectionId = NewId()
		payload := conPayload{EvtId: connEvtId, ConnectionId: self.connectionId}
		self.pendingRequests[connEvtId] = &pendingRequest{tag: TagCon, onAck: func() {}, onErr: func(error) {}, enqueuedAt: time.Now()}
		self.eventQueue = append([]queuedFrame{{evtId: connEvtId, tag: TagCon, payload: payload, prioritize: true}}, self.eventQueue...)
	} else {
		payload := recPayload{EvtId: connEvtId, ConnectionId: self.connectionId}
		self.pendingRequests[connEvtId] = &pendingRequest{tag: TagRec, onAck: func() {}, onErr: func(error) {}, enqueuedAt: time.Now()}
		self.eventQueue = append([]queuedFrame{{evtId: connEvtId, tag: TagRec, payload: payload, prioritize: true}}, self.eventQueue...)
	}

	if self.authToken != nil {
		if token := self.authToken(); token != "" {
			self.enqueueAuth(token, func(error) {})
		}
	}

	self.resubscribeAll()
	self.state = SessionConnected
	self.flushQueue()
}

// handleTransportDisconnected implements spec §4.4's disconnect
// handling: drop connect/reconnect/no-op frames from the preserved
// queue (step 2), replay pending-ack requests ordered by enqueue
// timestamp ahead of that tail (step 4), and only reset connectionId
// when the logical session is actually dead (step 3).
func (self *SessionManager) handleTransportDisconnected(err error) {
	logDisconnect(err)
	self.state = SessionConnecting

	if IsKind(err, ErrorConnectionTerminated) || IsKind(err, ErrorTimeout) {
		self.connectionId = Id{}
		for _, handler := range self.subscriptionsByHash {
			handler.State = SubscriptionRegistering
		}
	}

	preserved := make([]queuedFrame, 0, len(self.eventQueue))
	for _, queued := range self.eventQueue {
		if queued.tag == TagCon || queued.tag == TagRec || queued.tag == TagNop {
			continue
		}
		preserved = append(preserved, queued)
	}

	pendingAck := make([]*pendingRequest, 0, len(self.pendingRequests))
	for evtId, pending := range self.pendingRequests {
		if pending.queued.tag != "" {
			pendingAck = append(pendingAck, pending)
		}
		delete(self.pendingRequests, evtId)
	}
	sort.Slice(pendingAck, func(i, j int) bool {
		return pendingAck[i].enqueuedAt.Before(pendingAck[j].enqueuedAt)
	})

	next := make([]queuedFrame, 0, len(pendingAck)+len(preserved))
	for _, pending := range pendingAck {
		next = append(next, pending.queued)
	}
	self.eventQueue = append(next, preserved...)
}

// handleMessage parses one inbound transport message and dispatches
// every resulting frame.
func (self *SessionManager) handleMessage(message []byte) {
	frames, err := ParseFrames(message)
	if err != nil {
		glog.Infof("[session] parse error: %s", err)
		return
	}
	for _, frame := range frames {
		self.dispatchFrame(frame)
	}
}

func (self *SessionManager) dispatchFrame(frame Frame) {
	logFrameReceive(string(frame.Tag))
	switch payload := frame.Payload.(type) {
	case serverAckPayload:
		self.handleAck(payload.EvtId)
	case serverErrPayload:
		self.handleErr(payload.EvtId, payload.ErrType, payload.ErrMsg)
	case serverResPayload:
		self.handleFetchResult(payload)
	case SubscriptionBatch:
		self.handleSubscriptionBatch(&payload)
	case serverCaPayload:
		self.handleSubscriptionCanceled(payload.SubId, payload.ColId)
	}
}

func (self *SessionManager) resubscribeAll() {
	for _, handler := range self.subscriptionsByHash {
		self.registerSubscription(handler)
	}
}

func (self *SessionManager) registerSubscription(handler *SubscriptionHandler) {
	if handler.State == SubscriptionSubscribed || handler.State == SubscriptionRegistering {
		delete(self.subscriptionsBySubId, handler.SubId)
		handler.SubId = NewId()
	}
	handler.State = SubscriptionRegistering
	evtId := NewId()
	remove := func() {
		if self.subscriptionsByHash[handler.Hash] == handler {
			delete(self.subscriptionsByHash, handler.Hash)
		}
		delete(self.subscriptionsBySubId, handler.SubId)
	}
	payload, err := newQuerySub(evtId, handler.SubId, handler.CollectionId, handler.Query)
	if err != nil {
		handler.ReceiveError(err)
		remove()
		return
	}
	self.subscriptionsBySubId[handler.SubId] = handler
	self.pendingRequests[evtId] = &pendingRequest{
		tag:        TagSub,
		onAck:      func() {},
		onErr:      func(err error) { handler.ReceiveError(err); remove() },
		enqueuedAt: time.Now(),
	}
	self.send(TagSub, payload, true)
}

func (self *SessionManager) handleAck(evtId Id) {
	pending, ok := self.pendingRequests[evtId]
	if !ok {
		return
	}
	delete(self.pendingRequests, evtId)
	if pending.onAck != nil {
		pending.onAck()
	}
}

func (self *SessionManager) handleErr(evtId Id, errType string, errMsg string) {
	pending, ok := self.pendingRequests[evtId]
	if !ok {
		glog.Infof("[session] err for unknown event %s: %s", evtId, errMsg)
		return
	}
	delete(self.pendingRequests, evtId)
	if pending.onErr != nil {
		pending.onErr(wireErrorToError(errType, errMsg))
	}
}

func (self *SessionManager) handleFetchResult(payload serverResPayload) {
	fetch, ok := self.pendingFetches[payload.FtcId]
	if !ok {
		return
	}
	delete(self.pendingFetches, payload.FtcId)
	docs := make([]*Document, len(payload.Docs))
	for i, wire := range payload.Docs {
		docs[i] = fromWireDocument(payload.ColId, wire)
	}
	if fetch.onResult != nil {
		fetch.onResult(docs, nil)
	}
}

func (self *SessionManager) handleSubscriptionBatch(batch *SubscriptionBatch) {
	handler, ok := self.subscriptionsBySubId[batch.SubId]
	if !ok {
		return
	}
	handler.State = SubscriptionSubscribed
	handler.ReceiveBatch(batch)
	if len(batch.EventIds) > 0 {
		self.send(TagAck, clientAckPayload{EvtId: NewId(), AckedEventIds: batch.EventIds}, false)
	}
}

func (self *SessionManager) handleSubscriptionCanceled(subId Id, colId string) {
	handler, ok := self.subscriptionsBySubId[subId]
	if !ok {
		return
	}
	handler.ReceiveError(NewError(ErrorServer, fmt.Sprintf("subscription canceled for collection %q", colId)))
	delete(self.subscriptionsBySubId, subId)
	delete(self.subscriptionsByHash, handler.Hash)
}

// wireErrorToError maps the server's `err-type` string onto the closed
// ErrorKind taxonomy. Unrecognized types fall back to ErrorServer so a
// future server-side error type never panics an old client.
func wireErrorToError(errType string, errMsg string) error {
	switch errType {
	case "permissionDenied":
		return NewError(ErrorPermissionDenied, errMsg)
	case "invalidRequest":
		return NewError(ErrorInvalidRequest, errMsg)
	case "invalidData":
		return NewError(ErrorInvalidData, errMsg)
	case "invalidAuthToken":
		return NewError(ErrorInvalidAuthToken, errMsg)
	case "writeConflict":
		return NewExecutionFailedError(ExecutionFailedWriteConflict, errMsg)
	case "aborted":
		return NewExecutionFailedError(ExecutionFailedAborted, errMsg)
	default:
		return NewError(ErrorServer, errMsg)
	}
}

// send either writes immediately (connected) or enqueues for later
// (connecting/disconnected). prioritize inserts after the prioritized
// frames already queued and ahead of every non-prioritized one, per
// spec §4.4; subscribe, unsubscribe, auth and deauth requests
// prioritize, ordinary mutations do not.
func (self *SessionManager) send(tag Tag, payload any, prioritize bool) {
	evtId := eventIdOf(payload)
	queued := queuedFrame{evtId: evtId, tag: tag, payload: payload, prioritize: prioritize}
	if self.state == SessionConnected {
		self.writeNow(queued)
		return
	}
	self.enqueue(queued)
}

func (self *SessionManager) enqueue(queued queuedFrame) {
	if !queued.prioritize {
		self.eventQueue = append(self.eventQueue, queued)
		return
	}
	insertAt := len(self.eventQueue)
	for i, existing := range self.eventQueue {
		if !existing.prioritize {
			insertAt = i
			break
		}
	}
	next := make([]queuedFrame, 0, len(self.eventQueue)+1)
	next = append(next, self.eventQueue[:insertAt]...)
	next = append(next, queued)
	next = append(next, self.eventQueue[insertAt:]...)
	self.eventQueue = next
}

func (self *SessionManager) flushQueue() {
	pending := self.eventQueue
	self.eventQueue = nil
	for _, queued := range pending {
		self.writeNow(queued)
	}
}

func (self *SessionManager) writeNow(queued queuedFrame) {
	raw, err := EncodeFrame(queued.tag, queued.payload)
	if err != nil {
		if pending, ok := self.pendingRequests[queued.evtId]; ok {
			delete(self.pendingRequests, queued.evtId)
			if pending.onErr != nil {
				pending.onErr(err)
			}
		}
		return
	}
	logFrameSend(string(queued.tag), queued.evtId)
	if err := self.network.Write(raw); err != nil {
		self.enqueue(queued)
	}
}

// eventIdOf extracts the evt-id carried by every outbound payload shape
// so pendingRequests can be keyed uniformly.
func eventIdOf(payload any) Id {
	switch p := payload.(type) {
	case authPayload:
		return p.EvtId
	case mutPayload:
		return p.EvtId
	case delPayload:
		return p.EvtId
	case subPayload:
		return p.EvtId
	case unsPayload:
		return p.EvtId
	case ftcPayload:
		return p.EvtId
	case clientAckPayload:
		return p.EvtId
	case emptyPayload:
		return p.EvtId
	default:
		return NewId()
	}
}

// --- public request primitives, each enqueuing one frame and
// registering a pendingRequest/pendingFetch keyed by its event-id. ---

func (self *SessionManager) Mutate(colId string, doc docRef, callback func(error)) {
	self.scheduler.Post(func() {
		evtId := NewId()
		payload := mutPayload{EvtId: evtId, ColId: colId, Doc: doc}
		self.pendingRequests[evtId] = &pendingRequest{
			tag:        TagMut,
			queued:     queuedFrame{evtId: evtId, tag: TagMut, payload: payload},
			onAck:      func() { callback(nil) },
			onErr:      callback,
			deadline:   time.Now().Add(self.settings.RequestTimeout),
			enqueuedAt: time.Now(),
		}
		self.send(TagMut, payload, false)
	})
}

func (self *SessionManager) Merge(colId string, doc docRef, callback func(error)) {
	self.scheduler.Post(func() {
		evtId := NewId()
		payload := mutPayload{EvtId: evtId, ColId: colId, Doc: doc}
		self.pendingRequests[evtId] = &pendingRequest{
			tag:        TagMer,
			queued:     queuedFrame{evtId: evtId, tag: TagMer, payload: payload},
			onAck:      func() { callback(nil) },
			onErr:      callback,
			deadline:   time.Now().Add(self.settings.RequestTimeout),
			enqueuedAt: time.Now(),
		}
		self.send(TagMer, payload, false)
	})
}

func (self *SessionManager) Delete(colId string, doc docRef, callback func(error)) {
	self.scheduler.Post(func() {
		evtId := NewId()
		payload := delPayload{EvtId: evtId, ColId: colId, Doc: doc}
		self.pendingRequests[evtId] = &pendingRequest{
			tag:        TagDel,
			queued:     queuedFrame{evtId: evtId, tag: TagDel, payload: payload},
			onAck:      func() { callback(nil) },
			onErr:      callback,
			deadline:   time.Now().Add(self.settings.RequestTimeout),
			enqueuedAt: time.Now(),
		}
		self.send(TagDel, payload, false)
	})
}

func (self *SessionManager) Fetch(colId string, query *Query, callback func([]*Document, error)) {
	self.scheduler.Post(func() {
		evtId := NewId()
		ftcId := NewId()
		payload, err := newQueryFtc(evtId, ftcId, colId, query)
		if err != nil {
			callback(nil, err)
			return
		}
		self.pendingFetches[ftcId] = &pendingFetch{colId: colId, onResult: callback}
		self.pendingRequests[evtId] = &pendingRequest{
			tag:        TagFtc,
			queued:     queuedFrame{evtId: evtId, tag: TagFtc, payload: payload},
			deadline:   time.Now().Add(self.settings.RequestTimeout),
			enqueuedAt: time.Now(),
			onAck:      func() {},
			onErr: func(err error) {
				delete(self.pendingFetches, ftcId)
				callback(nil, err)
			},
		}
		self.send(TagFtc, payload, false)
	})
}

// Auth sends an auth request carrying token like any other request,
// tracked through pendingRequests. Ack commits the token as the
// session's server-recognized one; error clears it (spec §4.4).
func (self *SessionManager) Auth(token string, callback func(error)) {
	self.scheduler.Post(func() {
		self.enqueueAuth(token, callback)
	})
}

// enqueueAuth is the scheduler-thread body of Auth, also used directly
// by handleTransportConnected so the post-connect auth request shares
// the exact same dedupe/commit/clear behavior.
func (self *SessionManager) enqueueAuth(token string, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	for _, queued := range self.eventQueue {
		if queued.tag == TagAuth {
			if existing, ok := queued.payload.(authPayload); ok && existing.Token == token {
				return
			}
		}
	}
	evtId := NewId()
	payload := authPayload{EvtId: evtId, Token: token}
	self.pendingRequests[evtId] = &pendingRequest{
		tag:        TagAuth,
		queued:     queuedFrame{evtId: evtId, tag: TagAuth, payload: payload, prioritize: true},
		deadline:   time.Now().Add(self.settings.RequestTimeout),
		enqueuedAt: time.Now(),
		onAck: func() {
			self.committedAuthToken = token
			callback(nil)
		},
		onErr: func(err error) {
			if self.committedAuthToken == token {
				self.committedAuthToken = ""
			}
			callback(err)
		},
	}
	self.send(TagAuth, payload, true)
}

// Deauth clears the session's server-side auth.
func (self *SessionManager) Deauth(callback func(error)) {
	self.scheduler.Post(func() {
		if callback == nil {
			callback = func(error) {}
		}
		evtId := NewId()
		payload := emptyPayload{EvtId: evtId}
		self.pendingRequests[evtId] = &pendingRequest{
			tag:        TagDeauth,
			queued:     queuedFrame{evtId: evtId, tag: TagDeauth, payload: payload, prioritize: true},
			deadline:   time.Now().Add(self.settings.RequestTimeout),
			enqueuedAt: time.Now(),
			onAck: func() {
				self.committedAuthToken = ""
				callback(nil)
			},
			onErr: callback,
		}
		self.send(TagDeauth, payload, true)
	})
}

// Subscribe attaches callback to the (collectionId, query) subscription,
// creating or reusing the SubscriptionHandler for its hash, and returns
// an unsubscribe function. A cached snapshot, if present, is read
// asynchronously and delivered only if no server value has arrived by
// the time it loads (spec §4.2/§4.5).
func (self *SessionManager) Subscribe(colId string, query *Query, callback Listener, main *MainScheduler) func() {
	if main == nil {
		main = self.main
	}
	var handler *SubscriptionHandler
	var listener *subscriptionListener
	self.scheduler.PostSync(func() {
		hash := SubscriptionHash(colId, query)
		existing, ok := self.subscriptionsByHash[hash]
		if ok {
			handler = existing
		} else {
			handler = newSubscriptionHandler(hash, colId, query, self.cache, self.authToken)
			handler.SubId = NewId()
			self.subscriptionsByHash[hash] = handler
			self.subscriptionsBySubId[handler.SubId] = handler

			if self.cache != nil {
				secret := ""
				if self.authToken != nil {
					secret = self.authToken()
				}
				self.cache.ReadDataset(hash, secret, func(docs []*Document, ok bool) {
					self.scheduler.Post(func() {
						if ok {
							handler.ReceiveCachedSnapshot(docs)
						}
					})
				})
			}

			if self.state == SessionConnected {
				self.registerSubscription(handler)
			}
		}
		listener = handler.AddListener(callback, main)
	})

	return func() {
		self.scheduler.Post(func() {
			if handler.RemoveListener(listener) {
				self.unsubscribe(handler)
			}
		})
	}
}

func (self *SessionManager) unsubscribe(handler *SubscriptionHandler) {
	handler.State = SubscriptionUnsubscribing
	delete(self.subscriptionsByHash, handler.Hash)
	delete(self.subscriptionsBySubId, handler.SubId)
	self.send(TagUns, unsPayload{EvtId: NewId(), SubId: handler.SubId}, true)
}
