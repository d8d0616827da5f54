package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"devconnect/room"
	"devconnect/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	teams   []types.Team
	online  []string
	err     error
	calls   []string
	created types.Team
}

func (f *fakeAPI) ListTeams(context.Context) ([]types.Team, error) {
	f.calls = append(f.calls, "list")
	return f.teams, f.err
}

func (f *fakeAPI) CreateTeam(_ context.Context, name, repoURL string) (types.Team, error) {
	f.calls = append(f.calls, "create "+name+" "+repoURL)
	return f.created, f.err
}

func (f *fakeAPI) JoinTeam(_ context.Context, teamID string) (types.Team, error) {
	f.calls = append(f.calls, "join "+teamID)
	return types.Team{ID: teamID, Name: "core"}, f.err
}

func (f *fakeAPI) LeaveTeam(_ context.Context, teamID string) error {
	f.calls = append(f.calls, "leave "+teamID)
	return f.err
}

func (f *fakeAPI) DeleteTeam(_ context.Context, teamID string) error {
	f.calls = append(f.calls, "delete "+teamID)
	return f.err
}

func (f *fakeAPI) Online(_ context.Context, teamID string) ([]string, error) {
	f.calls = append(f.calls, "online "+teamID)
	return f.online, f.err
}

type fakeRoom struct {
	teamID  string
	state   room.State
	sent    []string
	joinErr error
	sendErr error
}

func (r *fakeRoom) Join(_ context.Context, teamID string) error {
	if r.joinErr != nil {
		return r.joinErr
	}
	r.teamID, r.state = teamID, room.Joined
	return nil
}

func (r *fakeRoom) Leave(context.Context) error {
	r.teamID, r.state = "", room.NotJoined
	return nil
}

func (r *fakeRoom) Send(_ context.Context, body string) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, body)
	return nil
}

func (r *fakeRoom) TeamID() string    { return r.teamID }
func (r *fakeRoom) State() room.State { return r.state }

type consoleFixture struct {
	api    *fakeAPI
	room   *fakeRoom
	out    *bytes.Buffer
	events []string
	c      *console
}

func newConsole() *consoleFixture {
	f := &consoleFixture{api: &fakeAPI{}, room: &fakeRoom{}, out: &bytes.Buffer{}}
	f.c = &console{
		api:  f.api,
		room: f.room,
		out:  f.out,
		notify: func(_ context.Context, teamID, kind string) {
			f.events = append(f.events, kind+" "+teamID)
		},
	}
	return f
}

func TestPlainLinesAreChat(t *testing.T) {
	f := newConsole()
	ctx := context.Background()

	assert.False(t, f.c.handle(ctx, "/open t1"))
	assert.False(t, f.c.handle(ctx, "  hello team  "))
	assert.False(t, f.c.handle(ctx, "   "))
	assert.Equal(t, []string{"hello team"}, f.room.sent)
	assert.Contains(t, f.out.String(), "Room t1 open")
}

func TestRosterCommandsNotifyMembership(t *testing.T) {
	f := newConsole()
	ctx := context.Background()
	f.api.created = types.Team{ID: "t9", Name: "core"}

	f.c.handle(ctx, "/create core https://github.com/acme/core")
	f.c.handle(ctx, "/jointeam t2")
	f.c.handle(ctx, "/leaveteam t2")
	f.c.handle(ctx, "/deleteteam t9")

	assert.Equal(t, []string{
		"create core https://github.com/acme/core",
		"join t2",
		"leave t2",
		"delete t9",
	}, f.api.calls)
	assert.Equal(t, []string{"created t9", "joined t2", "left t2", "deleted t9"}, f.events)
}

func TestFailedRosterCommandDoesNotNotify(t *testing.T) {
	f := newConsole()
	f.api.err = types.ErrNotMember

	f.c.handle(context.Background(), "/leaveteam t2")
	assert.Empty(t, f.events)
	assert.Contains(t, f.out.String(), "not a member")

	f.out.Reset()
	f.c.handle(context.Background(), "/leaveteam")
	assert.Contains(t, f.out.String(), "team id is required")
}

func TestReportsSessionErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{types.ErrNotJoined, "Open a room first"},
		{types.ErrRosterUnavailable, "roster is unavailable"},
		{types.ErrTimeout, "Relay unreachable"},
		{errors.New("boom"), "Error: boom"},
	}
	for _, tc := range cases {
		f := newConsole()
		f.room.sendErr = tc.err
		f.c.handle(context.Background(), "hi")
		assert.Contains(t, f.out.String(), tc.want)
	}

	f := newConsole()
	f.room.joinErr = types.ErrNotMember
	f.c.handle(context.Background(), "/open t3")
	assert.Contains(t, f.out.String(), "not a member")
	assert.Equal(t, room.NotJoined, f.room.state)
}

func TestWhoResolvesUsernames(t *testing.T) {
	f := newConsole()
	ctx := context.Background()

	f.c.handle(ctx, "/who")
	assert.Contains(t, f.out.String(), "No room is open")

	f.api.teams = []types.Team{{ID: "t1", Members: []types.Member{
		{User: types.User{ID: "u1", Username: "ana"}},
	}}}
	f.api.online = []string{"u1", "u2"}
	f.c.handle(ctx, "/open t1")
	f.out.Reset()
	f.c.handle(ctx, "/who")
	assert.Equal(t, "Online in t1: ana, u2\n", f.out.String())

	f.c.handle(ctx, "/close")
	assert.Contains(t, f.out.String(), "Closed room t1")
	assert.Equal(t, "", f.room.teamID)
}

func TestRunStopsOnQuit(t *testing.T) {
	f := newConsole()
	f.api.teams = []types.Team{{ID: "t1", Name: "core"}}
	in := strings.NewReader("/teams\n/bogus\n/quit\nnever sent\n")

	done := make(chan struct{})
	go func() {
		f.c.run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console did not stop on /quit")
	}

	require.Empty(t, f.room.sent)
	assert.Contains(t, f.out.String(), "t1  core  (0 members)")
	assert.Contains(t, f.out.String(), "Unknown command /bogus")
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	got := formatMessage(types.Message{SenderUsername: "ana", Body: "hi", ReceivedAt: at})
	assert.Equal(t, "[09:30] ana: hi", got)
}
