// Package transport owns the process-wide websocket connection to the chat relay.
//
// A Manager keeps at most one live connection. When the connection drops it
// reconnects with capped exponential backoff, queueing sends in the meantime
// and flushing them in order once connected again. Every outbound event
// carries an id and waits for the relay's ack.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"devconnect/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connection is a snapshot of the managed connection.
type Connection struct {
	ID      string
	State   State
	Retries int
}

type Config struct {
	AckTimeout time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the backoff randomization factor, 0 for none.
	Jitter    float64
	QueueSize int
	Logger    *log.Logger
}

func DefaultConfig() Config {
	return Config{
		AckTimeout: 5 * time.Second,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
		QueueSize:  64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

type pending struct {
	msg  types.WSMessage
	sent bool
	// written is closed once msg is on the wire.
	written chan struct{}
	done    chan error
}

// markSent must be called with the manager lock held.
func (p *pending) markSent() {
	p.sent = true
	close(p.written)
}

func (p *pending) resolve(err error) {
	select {
	case p.done <- err:
	default:
	}
}

type handler struct {
	fn func(types.WSMessage)
}

type stateHandler struct {
	fn func(State)
}

type Manager struct {
	dialer Dialer
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	running  bool
	stop     chan struct{}
	done     chan struct{}
	conn     Conn
	connID   string
	retries  int
	flushing bool
	queue    []*pending
	waiters  map[string]*pending
	handlers map[string][]*handler
	watchers []*stateHandler

	writeMu sync.Mutex
}

func NewManager(dialer Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		logger:   cfg.Logger,
		changed:  make(chan struct{}),
		waiters:  make(map[string]*pending),
		handlers: make(map[string][]*handler),
	}
}

// Connect starts the connection loop if it is not running and waits until the
// manager is connected. Calling it again while connected returns the live
// connection without dialing.
func (m *Manager) Connect(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	if !m.running {
		m.running = true
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.run(m.stop, m.done)
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.state == Connected {
			c := m.snapshotLocked()
			m.mu.Unlock()
			return c, nil
		}
		if !m.running {
			m.mu.Unlock()
			return Connection{}, types.ErrNotConnected
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return m.Connection(), ctx.Err()
		}
	}
}

// Disconnect stops reconnecting, closes the socket and fails every queued or
// unacknowledged send with ErrNotConnected. It must not be called from a
// connectivity handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done, conn := m.stop, m.done, m.conn
	m.mu.Unlock()

	close(stop)
	if conn != nil {
		conn.Close()
	}
	<-done

	m.mu.Lock()
	for id, p := range m.waiters {
		delete(m.waiters, id)
		p.resolve(types.ErrNotConnected)
	}
	m.queue = nil
	m.mu.Unlock()

	m.setState(Disconnected)
	m.logger.Println("transport: disconnected")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connection() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Connection {
	return Connection{ID: m.connID, State: m.state, Retries: m.retries}
}

// Send writes an event and waits for its ack. While the manager is
// reconnecting the event is queued; if the queue is already full the oldest
// queued event is dropped and its sender gets ErrBackpressure. AckTimeout
// counts from the write, so a queued event waits out an outage of any length
// unless ctx ends first.
func (m *Manager) Send(ctx context.Context, event string, payload interface{}) error {
	p := &pending{
		msg:     types.WSMessage{Type: event, ID: uuid.NewString(), Data: payload},
		written: make(chan struct{}),
		done:    make(chan error, 1),
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return types.ErrNotConnected
	}
	m.waiters[p.msg.ID] = p
	var conn Conn
	if m.state == Connected && !m.flushing && len(m.queue) == 0 {
		conn = m.conn
		p.markSent()
	} else {
		m.queue = append(m.queue, p)
		if len(m.queue) > m.cfg.QueueSize {
			oldest := m.queue[0]
			m.queue = m.queue[1:]
			delete(m.waiters, oldest.msg.ID)
			oldest.resolve(types.ErrBackpressure)
			m.logger.Printf("transport: send queue full, dropped %s %s", oldest.msg.Type, oldest.msg.ID)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		if err := m.write(conn, p.msg); err != nil {
			m.forget(p)
			conn.Close()
			return fmt.Errorf("%w: %v", types.ErrNotConnected, err)
		}
	}

	written := p.written
	var timer *time.Timer
	var expired <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case err := <-p.done:
			return err
		case <-written:
			written = nil
			timer = time.NewTimer(m.cfg.AckTimeout)
			expired = timer.C
		case <-expired:
			m.forget(p)
			return types.ErrTimeout
		case <-ctx.Done():
			m.forget(p)
			return ctx.Err()
		}
	}
}

// On registers fn for every inbound event of the given type. Handlers run on
// the receive goroutine in registration order and must not block.
func (m *Manager) On(event string, fn func(types.WSMessage)) (unsubscribe func()) {
	h := &handler{fn: fn}
	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], h)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(x *handler) bool { return x == h })
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// OnConnectivityChange registers fn for every state transition. Handlers run
// on the connection goroutine and must not block.
func (m *Manager) OnConnectivityChange(fn func(State)) (unsubscribe func()) {
	h := &stateHandler{fn: fn}
	m.mu.Lock()
	m.watchers = append(m.watchers, h)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.watchers = slices.DeleteFunc(m.watchers, func(x *stateHandler) bool { return x == h })
		})
	}
}

func (m *Manager) run(stop, done chan struct{}) {
	defer close(done)
	policy := newBackoff(m.cfg)

	for {
		m.setState(Connecting)
		conn, err := m.dial(stop)
		if err != nil {
			if isClosed(stop) {
				return
			}
			m.mu.Lock()
			m.retries++
			attempt := m.retries
			m.mu.Unlock()
			m.setState(Disconnected)

			delay := nextDelay(policy, m.cfg)
			m.logger.Printf("transport: connection attempt %d failed: %v; retrying in %s", attempt, err, delay)
			if !sleep(stop, delay) {
				return
			}
			continue
		}
		if isClosed(stop) {
			conn.Close()
			return
		}
		policy.Reset()

		m.mu.Lock()
		m.conn = conn
		m.connID = uuid.NewString()
		m.retries = 0
		m.flushing = true
		m.mu.Unlock()

		readErr := make(chan error, 1)
		go m.readLoop(conn, readErr)
		m.logger.Println("transport: connected")
		m.setState(Connected)
		m.flush(conn)

		select {
		case err := <-readErr:
			m.logger.Printf("transport: connection lost: %v", err)
		case <-stop:
			m.dropConn(conn)
			return
		}
		m.dropConn(conn)
		m.setState(Disconnected)

		if !sleep(stop, nextDelay(policy, m.cfg)) {
			return
		}
	}
}

func (m *Manager) dial(stop <-chan struct{}) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.dialer.Dial(ctx)
}

// flush drains the queue in FIFO order onto a freshly connected socket.
func (m *Manager) flush(conn Conn) {
	for {
		m.mu.Lock()
		if m.conn != conn || len(m.queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		p := m.queue[0]
		m.queue = m.queue[1:]
		p.markSent()
		m.mu.Unlock()

		if err := m.write(conn, p.msg); err != nil {
			m.forget(p)
			p.resolve(fmt.Errorf("%w: %v", types.ErrNotConnected, err))
			conn.Close()
			m.mu.Lock()
			m.flushing = false
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) readLoop(conn Conn, errc chan<- error) {
	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}

		var wsMsg types.WSMessage
		if err := json.Unmarshal(msgBytes, &wsMsg); err != nil {
			m.logger.Println("transport: invalid message JSON:", err)
			continue
		}

		if wsMsg.Type == types.EventAck {
			m.resolveAck(wsMsg)
			continue
		}
		m.dispatch(wsMsg)
	}
}

func (m *Manager) resolveAck(wsMsg types.WSMessage) {
	ack, err := types.DecodeData[types.Ack](wsMsg.Data)
	if err != nil {
		m.logger.Println("transport: error decoding ack:", err)
		return
	}
	if ack.ID == "" {
		ack.ID = wsMsg.ID
	}

	m.mu.Lock()
	p, ok := m.waiters[ack.ID]
	if ok {
		delete(m.waiters, ack.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if ack.OK {
		p.resolve(nil)
	} else {
		p.resolve(types.ErrorFromCode(ack.Code))
	}
}

func (m *Manager) dispatch(wsMsg types.WSMessage) {
	m.mu.Lock()
	hs := slices.Clone(m.handlers[wsMsg.Type])
	m.mu.Unlock()

	if len(hs) == 0 {
		m.logger.Println("transport: unhandled message type:", wsMsg.Type)
		return
	}
	for _, h := range hs {
		h.fn(wsMsg)
	}
}

func (m *Manager) write(conn Conn, msg types.WSMessage) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// forget removes p from the waiters and the queue.
func (m *Manager) forget(p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, p.msg.ID)
	m.queue = slices.DeleteFunc(m.queue, func(x *pending) bool { return x == p })
}

// dropConn closes conn and fails the sends that were written to it but not
// acknowledged. Queued sends stay queued for the next connection.
func (m *Manager) dropConn(conn Conn) {
	conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
	m.flushing = false
	for id, p := range m.waiters {
		if p.sent {
			delete(m.waiters, id)
			p.resolve(types.ErrNotConnected)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	ws := slices.Clone(m.watchers)
	m.mu.Unlock()

	for _, w := range ws {
		w.fn(s)
	}
}

// queued reports how many sends are waiting for a connection.
func (m *Manager) queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}

func nextDelay(b *backoff.ExponentialBackOff, cfg Config) time.Duration {
	d := b.NextBackOff()
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
