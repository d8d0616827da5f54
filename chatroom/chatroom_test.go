package chatroom

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"devconnect/auth"
	"devconnect/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roster struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	// afterCheck runs once a lookup has its answer, before it is returned.
	afterCheck func(teamID, userID string)
}

func (r *roster) set(teamID string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[teamID] = map[string]bool{}
	for _, id := range userIDs {
		r.members[teamID][id] = true
	}
}

func (r *roster) onNextCheck(fn func(teamID, userID string)) {
	r.mu.Lock()
	r.afterCheck = fn
	r.mu.Unlock()
}

func (r *roster) check(teamID, userID string) (bool, error) {
	r.mu.Lock()
	ok, hook := r.members[teamID][userID], r.afterCheck
	r.afterCheck = nil
	r.mu.Unlock()
	if hook != nil {
		hook(teamID, userID)
	}
	return ok, nil
}

type relay struct {
	hub    *Hub
	issuer auth.Issuer
	roster *roster
	srv    *httptest.Server
}

func newRelay(t *testing.T, opts Options) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rs := &roster{members: map[string]map[string]bool{}}
	opts.Members = rs.check
	opts.Logger = log.New(io.Discard, "", 0)
	hub := NewHub(opts)
	issuer := auth.NewIssuer("test-secret", time.Hour)

	r := gin.New()
	r.GET("/ws", issuer.Middleware(), hub.HandleSocket)
	r.GET("/api/teams/online/:id", issuer.Middleware(), hub.HandleGetOnline)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relay{hub: hub, issuer: issuer, roster: rs, srv: srv}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *relay) dial(t *testing.T, user types.User) *wsClient {
	t.Helper()
	token, err := r.issuer.Issue(user)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, data interface{}) string {
	c.t.Helper()
	id := uuid.NewString()
	require.NoError(c.t, c.conn.WriteJSON(types.WSMessage{Type: event, ID: id, Data: data}))
	return id
}

func (c *wsClient) next() types.WSMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg types.WSMessage
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	return msg
}

func (c *wsClient) ack(id string) types.Ack {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, types.EventAck, msg.Type)
	ack, err := types.DecodeData[types.Ack](msg.Data)
	require.NoError(c.t, err)
	require.Equal(c.t, id, ack.ID)
	return ack
}

func (c *wsClient) received() types.ReceiveMessage {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, types.EventReceiveMessage, msg.Type)
	data, err := types.DecodeData[types.ReceiveMessage](msg.Data)
	require.NoError(c.t, err)
	return data
}

func (c *wsClient) join(teamID string) types.Ack {
	c.t.Helper()
	return c.ack(c.send(types.EventJoinRoom, types.JoinRoom{TeamID: teamID}))
}

var (
	ana = types.User{ID: "u-ana", Username: "ana", AvatarURL: "ana.png"}
	bob = types.User{ID: "u-bob", Username: "bob"}
	eve = types.User{ID: "u-eve", Username: "eve"}
)

func TestSocketRequiresToken(t *testing.T) {
	r := newRelay(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinChecksRoster(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID)

	c := r.dial(t, eve)
	ack := c.join("t1")
	assert.False(t, ack.OK)
	assert.Equal(t, types.CodeNotMember, ack.Code)
	assert.Equal(t, 0, r.hub.RoomSize("t1"))

	a := r.dial(t, ana)
	assert.True(t, a.join("t1").OK)
	assert.Equal(t, 1, r.hub.RoomSize("t1"))
}

func TestSendFansOutInSequence(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID, bob.ID)
	r.roster.set("t2", eve.ID)

	a, b, e := r.dial(t, ana), r.dial(t, bob), r.dial(t, eve)
	require.True(t, a.join("t1").OK)
	require.True(t, b.join("t1").OK)
	require.True(t, e.join("t2").OK)

	var mine []types.ReceiveMessage
	for _, body := range []string{"one", "two"} {
		id := a.send(types.EventSendMessage, types.SendMessage{
			TeamID:  "t1",
			Message: body,
			User:    types.Sender{Username: "impostor"},
		})
		assert.True(t, a.ack(id).OK)
		mine = append(mine, a.received())
	}
	theirs := []types.ReceiveMessage{b.received(), b.received()}

	for _, got := range [][]types.ReceiveMessage{mine, theirs} {
		assert.Equal(t, "one", got[0].Message)
		assert.Equal(t, "two", got[1].Message)
		assert.Equal(t, got[0].Seq+1, got[1].Seq)
		assert.Equal(t, "ana", got[0].User.Username, "sender comes from the token")
		assert.Equal(t, "ana.png", got[0].User.AvatarURL)
	}
	assert.Equal(t, mine[0].Seq, theirs[0].Seq)

	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := e.conn.ReadMessage()
	assert.Error(t, err, "other rooms must not see the message")
}

func TestSendRejections(t *testing.T) {
	r := newRelay(t, Options{MaxMessageBytes: 8, Limiter: NewLimiter(time.Minute, 2)})
	r.roster.set("t1", ana.ID)
	a := r.dial(t, ana)

	ack := a.ack(a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "hi"}))
	assert.Equal(t, types.CodeNotJoined, ack.Code)

	require.True(t, a.join("t1").OK)

	ack = a.ack(a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "  "}))
	assert.Equal(t, types.CodeEmptyMessage, ack.Code)

	ack = a.ack(a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "way too long"}))
	assert.Equal(t, types.CodeTooLarge, ack.Code)

	ack = a.ack(a.send(types.EventJoinRoom, map[string]string{"nope": "x"}))
	assert.Equal(t, types.CodeBadRequest, ack.Code)

	for range 2 {
		id := a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "hi"})
		require.True(t, a.ack(id).OK)
		a.received()
	}
	ack = a.ack(a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "hi"}))
	assert.Equal(t, types.CodeRateLimited, ack.Code)
}

func TestLeaveStopsDelivery(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID, bob.ID)
	a, b := r.dial(t, ana), r.dial(t, bob)
	require.True(t, a.join("t1").OK)
	require.True(t, b.join("t1").OK)

	assert.True(t, b.ack(b.send(types.EventLeaveRoom, types.JoinRoom{TeamID: "t1"})).OK)
	assert.Equal(t, 1, r.hub.RoomSize("t1"))

	require.True(t, a.ack(a.send(types.EventSendMessage, types.SendMessage{TeamID: "t1", Message: "hello"})).OK)
	a.received()

	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := b.conn.ReadMessage()
	assert.Error(t, err)
}

func TestRosterChangeNotifiesAndEvicts(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID, bob.ID)
	a, b := r.dial(t, ana), r.dial(t, bob)
	require.True(t, a.join("t1").OK)
	require.True(t, b.join("t1").OK)

	r.roster.set("t1", ana.ID)
	r.hub.NotifyRosterChanged(types.RosterChanged{TeamID: "t1", Kind: types.RosterLeft}, bob.ID)

	for _, c := range []*wsClient{a, b} {
		msg := c.next()
		require.Equal(t, types.EventRosterChanged, msg.Type)
		ev, err := types.DecodeData[types.RosterChanged](msg.Data)
		require.NoError(t, err)
		assert.Equal(t, types.RosterChanged{TeamID: "t1", Kind: types.RosterLeft}, ev)
	}
	assert.Equal(t, 1, r.hub.RoomSize("t1"))

	online, err := r.hub.Online(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{ana.ID}, online)

	r.hub.NotifyRosterChanged(types.RosterChanged{TeamID: "t1", Kind: types.RosterDeleted}, ana.ID)
	a.next()
	assert.Equal(t, 0, r.hub.RoomSize("t1"))
}

func TestDisconnectClearsPresence(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID)

	a := r.dial(t, ana)
	require.True(t, a.join("t1").OK)

	token, err := r.issuer.Issue(ana)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, r.srv.URL+"/api/teams/online/t1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Online []string `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{ana.ID}, body.Online)

	a.conn.Close()
	require.Eventually(t, func() bool {
		online, _ := r.hub.Online(context.Background(), "t1")
		return len(online) == 0 && r.hub.RoomSize("t1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLimiterSlidingWindow(t *testing.T) {
	l := NewLimiter(10*time.Second, 2)
	now := time.Now()

	assert.True(t, l.Allow("c1", now))
	assert.True(t, l.Allow("c1", now.Add(time.Second)))
	assert.False(t, l.Allow("c1", now.Add(2*time.Second)))
	assert.True(t, l.Allow("c2", now), "limits are per client")
	assert.True(t, l.Allow("c1", now.Add(11*time.Second)))
	assert.False(t, l.Allow("", now))

	l.Clear("c1")
	assert.True(t, l.Allow("c1", now.Add(11*time.Second)))
}

func TestJoinRacingRemovalIsRejected(t *testing.T) {
	r := newRelay(t, Options{})
	r.roster.set("t1", ana.ID, bob.ID)
	b := r.dial(t, bob)

	r.roster.onNextCheck(func(teamID, userID string) {
		r.roster.set("t1", ana.ID)
		r.hub.NotifyRosterChanged(types.RosterChanged{TeamID: teamID, Kind: types.RosterLeft}, userID)
	})
	id := b.send(types.EventJoinRoom, types.JoinRoom{TeamID: "t1"})

	msg := b.next()
	require.Equal(t, types.EventRosterChanged, msg.Type)
	ack := b.ack(id)
	assert.False(t, ack.OK)
	assert.Equal(t, types.CodeNotMember, ack.Code)
	assert.Equal(t, 0, r.hub.RoomSize("t1"))
}
