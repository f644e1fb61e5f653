package rtdb

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// NetworkSettings mirrors the teacher's PlatformTransportSettings,
// narrowed to the one connection kind this client needs (spec §4.1).
type NetworkSettings struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultNetworkSettings() *NetworkSettings {
	return &NetworkSettings{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ConnectTimeout:   300 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      45 * time.Second,
	}
}

// networkReconnect is a bounded linear backoff with jitter: the delay
// grows by base per attempt up to 30s and the timer fires after a random
// point in its upper half. It is in the spirit of the teacher's
// reconnect timer but scoped to this file since the teacher's own
// helper was not part of the retrieved sources.
type networkReconnect struct {
	base    time.Duration
	attempt int
}

func newNetworkReconnect(base time.Duration) *networkReconnect {
	return &networkReconnect{base: base}
}

func (self *networkReconnect) after() <-chan time.Time {
	self.attempt += 1
	d := self.base * time.Duration(self.attempt)
	max := 30 * time.Second
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	timer := time.NewTimer(d/2 + jitter)
	return timer.C
}

func (self *networkReconnect) reset() {
	self.attempt = 0
}

// NetworkHandler owns the single websocket connection to the realtime
// endpoint: dial, read/write pumps, ping keepalive and
// reconnect-with-backoff. It never interprets frame payloads; it hands
// raw bytes to onReceive and takes raw bytes from write(), leaving
// codec and session logic to the caller (spec §4.1, grounded on the
// teacher's PlatformTransport in transport.go).
type NetworkHandler struct {
	url      string
	settings *NetworkSettings

	onConnected    func()
	onDisconnected func(err error)
	onReceive      func(message []byte)

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte
}

func NewNetworkHandler(
	url string,
	settings *NetworkSettings,
	onConnected func(),
	onDisconnected func(err error),
	onReceive func(message []byte),
) *NetworkHandler {
	if settings == nil {
		settings = DefaultNetworkSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	self := &NetworkHandler{
		url:            url,
		settings:       settings,
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
		onReceive:      onReceive,
		ctx:            ctx,
		cancel:         cancel,
		send:           make(chan []byte, 16),
	}
	return self
}

// GoOnline starts the connect/reconnect loop. Safe to call once. Auth
// is not part of the handshake: the session manager sends its own
// `auth` request through Write once connected, like any other frame.
func (self *NetworkHandler) GoOnline() {
	go self.run()
}

// GoOffline tears down the current connection without releasing the
// handler; a fresh NetworkHandler is required to reconnect.
func (self *NetworkHandler) GoOffline() {
	self.cancel()
}

// Destroy is an alias for GoOffline kept distinct for readability at
// call sites that mean "never use this handler again".
func (self *NetworkHandler) Destroy() {
	self.GoOffline()
}

// Write enqueues a frame for the write pump. It never blocks past the
// handler's internal buffer; a full buffer indicates the connection is
// stalled and the caller should treat this like a disconnect.
func (self *NetworkHandler) Write(message []byte) error {
	select {
	case self.send <- message:
		return nil
	case <-self.ctx.Done():
		return NewError(ErrorConnectionTerminated, "network handler closed")
	default:
		return NewError(ErrorTimeout, "write buffer full")
	}
}

func (self *NetworkHandler) run() {
	reconnect := newNetworkReconnect(self.settings.ReconnectTimeout)
	for {
		err := self.connectOnce()
		if self.ctx.Err() != nil {
			return
		}
		if self.onDisconnected != nil {
			safeCallback("onDisconnected", func() { self.onDisconnected(err) })
		}
		logReconnect(fmt.Sprintf("%v", err))
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.after():
		}
	}
}

func (self *NetworkHandler) connectOnce() error {
	connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer connectCancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(connectCtx, self.url, http.Header{})
	if err != nil {
		return err
	}
	defer ws.Close()

	if self.onConnected != nil {
		safeCallback("onConnected", self.onConnected)
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- self.readPump(ws, handleCtx)
	}()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- self.writePump(ws, handleCtx)
	}()

	select {
	case err := <-readErr:
		handleCancel()
		return err
	case err := <-writeErr:
		handleCancel()
		return err
	case <-handleCtx.Done():
		return handleCtx.Err()
	}
}

func (self *NetworkHandler) readPump(ws *websocket.Conn, ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(message) == 0 {
			glog.V(2).Infof("[network] ping<-")
			continue
		}
		if self.onReceive != nil {
			safeCallback("onReceive", func() { self.onReceive(message) })
		}
	}
}

func (self *NetworkHandler) writePump(ws *websocket.Conn, ctx context.Context) error {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-self.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return err
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
				return err
			}
		}
	}
}
