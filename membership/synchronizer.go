// Package membership keeps chat access in line with the team roster.
//
// The roster is owned by an external service; the Synchronizer only reads it.
// It answers "is the current user in this team right now" for joins, and
// revalidates every watched team whenever the roster may have changed.
package membership

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"devconnect/types"

	"golang.org/x/sync/singleflight"
)

// fetchTimeout bounds one shared roster read.
const fetchTimeout = 10 * time.Second

// RosterService is the read side of the team roster API.
type RosterService interface {
	ListTeams(ctx context.Context) ([]types.Team, error)
}

// RosterEvent describes something that may have changed the roster: a local
// join/leave/delete, a server push, or a periodic poll. Teams carries the
// updated roster when the event already has it.
type RosterEvent struct {
	TeamID string
	Kind   string
	Teams  []types.Team
}

type watch struct {
	teamID string
	onLost func(reason error)
	once   sync.Once
}

func (w *watch) fire(reason error) {
	w.once.Do(func() { w.onLost(reason) })
}

type Synchronizer struct {
	roster RosterService
	userID string
	logger *log.Logger
	group  singleflight.Group

	mu      sync.Mutex
	watches map[string][]*watch
}

func NewSynchronizer(roster RosterService, userID string, logger *log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Synchronizer{
		roster:  roster,
		userID:  userID,
		logger:  logger,
		watches: make(map[string][]*watch),
	}
}

// Refresh reads the roster and reports the current user's membership of teamID.
// A roster failure is reported as ErrRosterUnavailable, never as membership.
func (s *Synchronizer) Refresh(ctx context.Context, teamID string) (types.Membership, error) {
	teams, err := s.fetch(ctx)
	if err != nil {
		return types.Membership{TeamID: teamID}, err
	}
	return types.MembershipIn(teams, teamID, s.userID), nil
}

// Watch registers onLost for teamID. It fires at most once, when a
// revalidation finds the user absent, the team gone, or the roster unreadable.
func (s *Synchronizer) Watch(teamID string, onLost func(reason error)) (cancel func()) {
	w := &watch{teamID: teamID, onLost: onLost}
	s.mu.Lock()
	s.watches[teamID] = append(s.watches[teamID], w)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watches[teamID] = slices.DeleteFunc(s.watches[teamID], func(x *watch) bool { return x == w })
		if len(s.watches[teamID]) == 0 {
			delete(s.watches, teamID)
		}
	}
}

// Watching reports how many watches are registered for teamID.
func (s *Synchronizer) Watching(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[teamID])
}

// Observe revalidates every watched team against the roster after ev.
func (s *Synchronizer) Observe(ctx context.Context, ev RosterEvent) {
	s.mu.Lock()
	idle := len(s.watches) == 0
	s.mu.Unlock()
	if idle {
		return
	}

	teams, err := ev.Teams, error(nil)
	if teams == nil {
		// A read already in flight may predate ev.
		s.group.Forget("teams")
		teams, err = s.fetch(ctx)
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	s.revalidate(teams, err)
}

// Pushes is the part of transport.Manager that delivers relay events.
type Pushes interface {
	On(event string, fn func(types.WSMessage)) (unsubscribe func())
}

// Follow revalidates watched teams each time the relay pushes rosterChanged.
// Revalidation runs off the transport's read loop.
func (s *Synchronizer) Follow(ctx context.Context, pushes Pushes) (unsubscribe func()) {
	return pushes.On(types.EventRosterChanged, func(msg types.WSMessage) {
		ev, err := types.DecodeData[types.RosterChanged](msg.Data)
		if err != nil {
			s.logger.Println("membership: bad rosterChanged payload:", err)
			return
		}
		go s.Observe(ctx, RosterEvent{TeamID: ev.TeamID, Kind: ev.Kind})
	})
}

// Run revalidates watched teams every interval until ctx is done, catching
// roster changes made by other clients.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Observe(ctx, RosterEvent{Kind: "poll"})
		}
	}
}

type lostWatch struct {
	w      *watch
	reason error
}

func (s *Synchronizer) revalidate(teams []types.Team, fetchErr error) {
	var lost []lostWatch

	s.mu.Lock()
	for teamID, ws := range s.watches {
		var reason error
		switch ms := types.MembershipIn(teams, teamID, s.userID); {
		case fetchErr != nil:
			reason = fetchErr
		case !ms.Exists:
			reason = fmt.Errorf("team %s: %w", teamID, types.ErrTeamNotFound)
		case !ms.Present:
			reason = fmt.Errorf("team %s: %w", teamID, types.ErrNotMember)
		}
		if reason == nil {
			continue
		}
		for _, w := range ws {
			lost = append(lost, lostWatch{w: w, reason: reason})
		}
		delete(s.watches, teamID)
	}
	s.mu.Unlock()

	for _, l := range lost {
		s.logger.Printf("membership: lost access to team %s: %v", l.w.teamID, l.reason)
		l.w.fire(l.reason)
	}
}

// fetch coalesces concurrent roster reads into one request. The shared
// request is detached from any single caller's ctx; each caller stops waiting
// when its own ctx ends and gets ctx.Err(), not ErrRosterUnavailable.
func (s *Synchronizer) fetch(ctx context.Context) ([]types.Team, error) {
	ch := s.group.DoChan("teams", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return s.roster.ListTeams(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrRosterUnavailable, res.Err)
		}
		return res.Val.([]types.Team), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
