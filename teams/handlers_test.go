package teams

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"devconnect/auth"
	"devconnect/db"
	"devconnect/types"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	ev      types.RosterChanged
	userIDs []string
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notification
}

func (n *recordingNotifier) NotifyRosterChanged(ev types.RosterChanged, userIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification{ev: ev, userIDs: userIDs})
}

func (n *recordingNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.got[len(n.got)-1]
}

type testAPI struct {
	router   *gin.Engine
	notifier *recordingNotifier
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.InitDB(filepath.Join(t.TempDir(), "teams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.CloseDB(conn) })
	require.NoError(t, db.EnsureSchema(conn))

	n := &recordingNotifier{}
	h := &Handler{DB: conn, Issuer: auth.NewIssuer("test-secret", time.Hour), Notifier: n}
	r := gin.New()
	h.Register(r)
	return &testAPI{router: r, notifier: n}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) login(t *testing.T, username string) (string, types.User) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/auth/dev-login", "", map[string]string{"username": username, "avatarUrl": username + ".png"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string     `json:"token"`
		User  types.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.User
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestDevLoginIsIdempotentPerUsername(t *testing.T) {
	api := newTestAPI(t)

	_, first := api.login(t, "octocat")
	token, again := api.login(t, "octocat")
	assert.Equal(t, first.ID, again.ID)

	w := api.do(t, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[types.User](t, w)
	assert.Equal(t, "octocat", me.Username)
	assert.Equal(t, "octocat.png", me.AvatarURL)

	w = api.do(t, http.MethodPost, "/auth/dev-login", "", map[string]string{"username": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/teams", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTeamLifecycle(t *testing.T) {
	api := newTestAPI(t)
	ownerToken, owner := api.login(t, "owner")
	guestToken, guest := api.login(t, "guest")

	w := api.do(t, http.MethodPost, "/api/teams/create", ownerToken, map[string]string{"teamName": "core", "repoUrl": "https://github.com/x/core"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	team := decode[types.Team](t, w)
	assert.Equal(t, "core", team.Name)
	m, ok := team.Member(owner.ID)
	require.True(t, ok)
	assert.Equal(t, "owner", m.Role)
	assert.Equal(t, types.RosterChanged{TeamID: team.ID, Kind: types.RosterCreated}, api.notifier.last().ev)

	w = api.do(t, http.MethodPost, "/api/teams/join", guestToken, map[string]string{"teamId": team.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[types.Team](t, w).Members, 2)
	assert.Equal(t, []string{guest.ID}, api.notifier.last().userIDs)

	w = api.do(t, http.MethodGet, "/api/teams", guestToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	teams := decode[[]types.Team](t, w)
	require.Len(t, teams, 1)
	assert.True(t, types.MembershipIn(teams, team.ID, guest.ID).Present)

	w = api.do(t, http.MethodPost, "/api/teams/leave", guestToken, map[string]string{"teamId": team.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.RosterLeft, api.notifier.last().ev.Kind)

	w = api.do(t, http.MethodPost, "/api/teams/leave", guestToken, map[string]string{"teamId": team.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodDelete, "/api/teams/delete/"+team.ID, guestToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodDelete, "/api/teams/delete/"+team.ID, ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	last := api.notifier.last()
	assert.Equal(t, types.RosterDeleted, last.ev.Kind)
	assert.Equal(t, []string{owner.ID}, last.userIDs)

	w = api.do(t, http.MethodGet, "/api/teams", ownerToken, nil)
	assert.Empty(t, decode[[]types.Team](t, w))
}

func TestUnknownTeamIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	token, _ := api.login(t, "octocat")

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/teams/join"},
		{http.MethodPost, "/api/teams/leave"},
		{http.MethodDelete, "/api/teams/delete/missing"},
	} {
		w := api.do(t, tc.method, tc.path, token, map[string]string{"teamId": "missing"})
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
	}

	w := api.do(t, http.MethodPost, "/api/teams/join", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
