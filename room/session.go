// Package room scopes the chat connection to a single team at a time.
//
// A Session joins a team room only after the roster confirms membership,
// keeps a Feed of messages received while joined, and tears itself down when
// membership is lost. After a reconnect it rejoins the same room once.
package room

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"slices"
	"sync"
	"time"

	"devconnect/feed"
	"devconnect/transport"
	"devconnect/types"
)

type State int

const (
	NotJoined State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case NotJoined:
		return "not joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrClosed = errors.New("room session closed")

// Transport is the part of transport.Manager a Session uses.
type Transport interface {
	Send(ctx context.Context, event string, payload interface{}) error
	On(event string, fn func(types.WSMessage)) (unsubscribe func())
	OnConnectivityChange(fn func(transport.State)) (unsubscribe func())
}

// Gate is the part of membership.Synchronizer a Session uses.
type Gate interface {
	Refresh(ctx context.Context, teamID string) (types.Membership, error)
	Watch(teamID string, onLost func(reason error)) (cancel func())
}

type Options struct {
	FeedSize int
	// LeaveTimeout bounds the leaveRoom sent after a forced teardown.
	LeaveTimeout time.Duration
	Logger       *log.Logger
}

type listener struct {
	fn func(types.Message)
}

type Session struct {
	tr           Transport
	gate         Gate
	me           types.Sender
	feed         *feed.Feed
	logger       *log.Logger
	leaveTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	teamID    string
	gen       uint64
	closed    bool
	wasDown   bool
	unsubMsg  func()
	unsubConn func()
	unwatch   func()
	// cancelOp cancels the join or rejoin in flight, if any.
	cancelOp  context.CancelFunc
	// joinLost is set when membership is lost while Joining.
	joinLost  error
	listeners []*listener
	ended     []func(teamID string, reason error)
}

func New(tr Transport, gate Gate, me types.User, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		tr:           tr,
		gate:         gate,
		me:           types.Sender{Username: me.Username, AvatarURL: me.AvatarURL},
		feed:         feed.New(opts.FeedSize),
		logger:       opts.Logger,
		leaveTimeout: opts.LeaveTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TeamID is the team being joined or currently joined, or "".
func (s *Session) TeamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamID
}

func (s *Session) Feed() *feed.Feed { return s.feed }

// Messages yields the current feed, oldest first.
func (s *Session) Messages() iter.Seq[types.Message] { return s.feed.Snapshot() }

// Join enters the room of teamID. The roster is consulted first; a user who is
// not a member gets ErrNotMember and nothing is sent to the relay. Joining the
// room already joined is a no-op; joining a different room leaves the current
// one first.
func (s *Session) Join(ctx context.Context, teamID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case Joining, Leaving:
		s.mu.Unlock()
		return types.ErrAlreadyJoining
	case Joined:
		current := s.teamID
		s.mu.Unlock()
		if current == teamID {
			return nil
		}
		if err := s.Leave(ctx); err != nil {
			s.logger.Printf("room: leave %s before joining %s: %v", current, teamID, err)
		}
		return s.Join(ctx, teamID)
	}
	s.state = Joining
	s.teamID = teamID
	s.gen++
	gen := s.gen
	s.joinLost = nil
	s.feed.Clear()
	ctx, cancel := s.bind(ctx)
	s.cancelOp = cancel
	s.mu.Unlock()
	defer cancel()

	// Watch before reading the roster: a change during the join is caught by
	// checkMember or by the watch. Callbacks take s.mu, so register unlocked.
	unwatch := s.gate.Watch(teamID, func(reason error) { s.lost(gen, reason) })
	unsubMsg := s.tr.On(types.EventReceiveMessage, s.handleReceive)
	unsubConn := s.tr.OnConnectivityChange(func(st transport.State) { s.connectivity(gen, st) })

	s.mu.Lock()
	if s.gen != gen {
		err := s.interruptedLocked()
		s.mu.Unlock()
		unwatch()
		unsubMsg()
		unsubConn()
		return err
	}
	s.unwatch, s.unsubMsg, s.unsubConn = unwatch, unsubMsg, unsubConn
	s.mu.Unlock()

	if err := s.checkMember(ctx, teamID); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return s.interruptedLocked()
		}
		if s.joinLost != nil {
			err = s.joinLost
		}
		s.detachLocked()
		s.resetLocked()
		return err
	}

	err := s.tr.Send(ctx, types.EventJoinRoom, types.JoinRoom{TeamID: teamID})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return s.interruptedLocked()
	}
	if reason := s.joinLost; reason != nil {
		s.detachLocked()
		s.resetLocked()
		go s.leaveQuietly(teamID)
		return reason
	}
	if err != nil {
		s.detachLocked()
		s.resetLocked()
		return fmt.Errorf("join %s: %w", teamID, err)
	}
	s.state = Joined
	s.wasDown = false
	s.cancelOp = nil
	s.logger.Printf("room: joined %s", teamID)
	return nil
}

// Leave exits the current room and empties the feed. It also cancels an
// in-flight join. Local state is NotJoined when Leave returns, whatever the
// relay answered; the returned error only reports the leaveRoom ack.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == NotJoined || s.state == Leaving {
		s.mu.Unlock()
		return nil
	}
	teamID := s.teamID
	s.detachLocked()
	s.state = Leaving
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	err := s.tr.Send(ctx, types.EventLeaveRoom, types.JoinRoom{TeamID: teamID})

	s.mu.Lock()
	if s.gen == gen {
		s.resetLocked()
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("leave %s: %w", teamID, err)
	}
	s.logger.Printf("room: left %s", teamID)
	return nil
}

// Close tears the session down without waiting for the relay. In-flight calls
// are cancelled and later calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	teamID, active := s.teamID, s.state == Joined || s.state == Joining
	s.detachLocked()
	s.resetLocked()
	s.mu.Unlock()

	s.cancel()
	if active {
		go s.leaveQuietly(teamID)
	}
}

// Send posts body to the joined room and waits for the relay's ack.
func (s *Session) Send(ctx context.Context, body string) error {
	if types.IsBlank(body) {
		return types.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return types.ErrNotJoined
	}
	teamID := s.teamID
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.tr.Send(ctx, types.EventSendMessage, types.SendMessage{
		TeamID:  teamID,
		Message: body,
		User:    s.me,
	})
}

// Subscribe registers fn for every message appended to the feed, in receive
// order. fn runs on the transport's receive goroutine and must not block.
func (s *Session) Subscribe(fn func(types.Message)) (unsubscribe func()) {
	l := &listener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(x *listener) bool { return x == l })
	}
}

// OnEnded registers fn for rooms the session leaves on its own: membership
// revoked, team deleted, roster unreadable, or a failed rejoin.
func (s *Session) OnEnded(fn func(teamID string, reason error)) {
	s.mu.Lock()
	s.ended = append(s.ended, fn)
	s.mu.Unlock()
}

func (s *Session) handleReceive(wsMsg types.WSMessage) {
	data, err := types.DecodeData[types.ReceiveMessage](wsMsg.Data)
	if err != nil {
		s.logger.Println("room: error decoding receiveMessage:", err)
		return
	}
	if types.IsBlank(data.Message) {
		return
	}

	s.mu.Lock()
	if (s.state != Joined && s.state != Joining) || data.TeamID != s.teamID {
		s.mu.Unlock()
		return
	}
	msg := types.Message{
		TeamID:          data.TeamID,
		SenderUsername:  data.User.Username,
		SenderAvatarURL: data.User.AvatarURL,
		Body:            data.Message,
		Seq:             data.Seq,
		ReceivedAt:      time.Now(),
	}
	s.feed.Append(msg)
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range ls {
		l.fn(msg)
	}
}

func (s *Session) connectivity(gen uint64, st transport.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Joined {
		return
	}
	switch st {
	case transport.Disconnected:
		s.wasDown = true
	case transport.Connected:
		if !s.wasDown {
			return
		}
		s.wasDown = false
		if s.cancelOp != nil {
			s.cancelOp()
		}
		ctx, cancel := s.bind(context.Background())
		s.cancelOp = cancel
		go s.rejoin(ctx, cancel, gen, s.teamID)
	}
}

// rejoin re-enters the room after the connection came back. Membership is
// checked again since the roster may have changed while offline.
func (s *Session) rejoin(ctx context.Context, cancel context.CancelFunc, gen uint64, teamID string) {
	defer cancel()
	if err := s.checkMember(ctx, teamID); err != nil {
		if ctx.Err() == nil {
			s.end(gen, err)
		}
		return
	}
	err := s.tr.Send(ctx, types.EventJoinRoom, types.JoinRoom{TeamID: teamID})
	switch {
	case err == nil:
		s.logger.Printf("room: rejoined %s", teamID)
	case ctx.Err() != nil:
		// left or closed meanwhile
	case errors.Is(err, types.ErrNotConnected):
		// dropped again; the next Connected triggers another attempt
		s.logger.Printf("room: rejoin %s interrupted: %v", teamID, err)
	default:
		s.end(gen, fmt.Errorf("rejoin %s: %w", teamID, err))
	}
}

// lost handles a membership loss reported by the gate. A join still in
// flight is cancelled and fails with reason; a joined room is ended.
func (s *Session) lost(gen uint64, reason error) {
	s.mu.Lock()
	if s.gen == gen && s.state == Joining {
		s.joinLost = reason
		if s.cancelOp != nil {
			s.cancelOp()
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.end(gen, reason)
}

// end tears down the room joined in generation gen and notifies OnEnded.
func (s *Session) end(gen uint64, reason error) {
	s.mu.Lock()
	if s.gen != gen || s.state != Joined {
		s.mu.Unlock()
		return
	}
	teamID := s.teamID
	s.detachLocked()
	s.resetLocked()
	ended := slices.Clone(s.ended)
	s.mu.Unlock()

	s.logger.Printf("room: left %s: %v", teamID, reason)
	go s.leaveQuietly(teamID)
	for _, fn := range ended {
		fn(teamID, reason)
	}
}

func (s *Session) checkMember(ctx context.Context, teamID string) error {
	ms, err := s.gate.Refresh(ctx, teamID)
	if err != nil {
		return err
	}
	if !ms.Present {
		return fmt.Errorf("team %s: %w", teamID, types.ErrNotMember)
	}
	return nil
}

func (s *Session) leaveQuietly(teamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.leaveTimeout)
	defer cancel()
	if err := s.tr.Send(ctx, types.EventLeaveRoom, types.JoinRoom{TeamID: teamID}); err != nil {
		s.logger.Printf("room: leaveRoom %s not acknowledged: %v", teamID, err)
	}
}

func (s *Session) interruptedLocked() error {
	if s.closed {
		return ErrClosed
	}
	return context.Canceled
}

// detachLocked runs unsubscribe funcs under s.mu. Lock order is s.mu before
// the transport and gate locks; neither calls back while holding its own.
func (s *Session) detachLocked() {
	for _, fn := range []func(){s.unsubMsg, s.unsubConn, s.unwatch, s.cancelOp} {
		if fn != nil {
			fn()
		}
	}
	s.unsubMsg, s.unsubConn, s.unwatch, s.cancelOp = nil, nil, nil, nil
	s.feed.Clear()
}

func (s *Session) resetLocked() {
	s.state = NotJoined
	s.teamID = ""
	s.wasDown = false
	s.joinLost = nil
	s.gen++
}

// bind derives a context that is also cancelled by Close.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
