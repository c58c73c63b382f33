package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/auth"
	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/lifecycle"
	"github.com/aura-voice/backend/internal/middleware"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
	"github.com/aura-voice/backend/internal/platform/platformtest"
	"github.com/aura-voice/backend/internal/votemute"
	"github.com/aura-voice/backend/pkg/response"
)

type fakeHistory struct {
	entries []audit.Entry
	err     error
}

func (f *fakeHistory) ListBySession(_ context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []audit.Entry
	for _, e := range f.entries {
		if e.SessionID == sessionID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type server struct {
	router *gin.Engine
	jwt    *auth.JWTService
	fake   *platformtest.Fake
	owners *ownership.Registry
	ledger *mute.Ledger
}

func newServer(t *testing.T, history AuditLister) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(time.Date(2026, 5, 3, 18, 0, 0, 0, time.UTC))
	fake := platformtest.New()
	fake.SetBot("bot")
	fake.AddSession("S", "cat", "Lounge")
	for _, u := range []string{"owner", "u2", "u3", "bot"} {
		fake.Connect(u, "S")
	}

	owners := ownership.NewRegistry(nil)
	owners.Register("S", "owner")
	subs := ownership.NewSubmoderators(owners, nil)
	ledger := mute.NewLedger(clk, 0, nil)
	reconciler := mute.NewReconciler(ledger, fake, clk, time.Second, nil)
	votes := votemute.NewCoordinator(fake, owners, ledger, clk, nil, votemute.Config{SystemUserID: "bot"}, nil)
	sessions := lifecycle.NewManager(fake, owners, subs, ledger, reconciler, votes, nil, lifecycle.Config{
		CategoryID:   "cat",
		SystemUserID: "bot",
	}, nil)

	jwtService := auth.NewJWTService("test-secret", 1, "aura-voice")
	router := gin.New()
	NewHandler(sessions, votes, history).Register(router.Group("", middleware.JWT(jwtService)))
	return &server{router: router, jwt: jwtService, fake: fake, owners: owners, ledger: ledger}
}

func (s *server) do(t *testing.T, method, path, user, role string, body interface{}) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := s.jwt.Generate(user, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var out response.Body
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestRequiresToken(t *testing.T) {
	s := newServer(t, nil)
	w, body := s.do(t, http.MethodGet, "/sessions/S", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, body.Success)
}

func TestInfo(t *testing.T) {
	s := newServer(t, nil)
	w, body := s.do(t, http.MethodGet, "/sessions/S", "u2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, "owner", data["owner_id"])
	assert.Equal(t, "active", data["state"])

	w, _ = s.do(t, http.MethodGet, "/sessions/nope", "u2", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMuteAndUnmute(t *testing.T) {
	s := newServer(t, nil)

	w, body := s.do(t, http.MethodPost, "/sessions/S/mutes", "u2", "", TargetRequest{UserID: "u3"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotEmpty(t, body.Error)

	w, _ = s.do(t, http.MethodPost, "/sessions/S/mutes", "owner", "", TargetRequest{UserID: "u3"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.ledger.Tracked("S", "u3"))
	assert.True(t, s.fake.IsMuted("u3"))

	w, _ = s.do(t, http.MethodPost, "/sessions/S/mutes", "owner", "", TargetRequest{UserID: "u3"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/sessions/S/mutes/u3", "owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.fake.IsMuted("u3"))
}

func TestMissingBody(t *testing.T) {
	s := newServer(t, nil)
	w, _ := s.do(t, http.MethodPost, "/sessions/S/kick", "owner", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodPatch, "/sessions/S", "owner", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodPost, "/sessions/S/waiting-room", "owner", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmoderatorRoutes(t *testing.T) {
	s := newServer(t, nil)
	w, body := s.do(t, http.MethodPost, "/sessions/S/submoderators", "owner", "", TargetRequest{UserID: "u2"})
	require.Equal(t, http.StatusOK, w.Code)
	subs := body.Data.(map[string]interface{})["submoderators"].([]interface{})
	assert.Equal(t, []interface{}{"u2"}, subs)

	w, _ = s.do(t, http.MethodDelete, "/sessions/S/submoderators/u2", "owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodDelete, "/sessions/S/submoderators/u2", "owner", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTransferElevated(t *testing.T) {
	s := newServer(t, nil)
	w, _ := s.do(t, http.MethodPost, "/sessions/S/transfer", "admin", "", TargetRequest{UserID: "u2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodPost, "/sessions/S/transfer", "admin", auth.RoleElevated, TargetRequest{UserID: "u2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.owners.IsOwner("S", "u2"))
}

func TestFlagsAndEdit(t *testing.T) {
	s := newServer(t, nil)
	for _, path := range []string{"/sessions/S/lock", "/sessions/S/hide"} {
		w, _ := s.do(t, http.MethodPost, path, "owner", "", nil)
		require.Equal(t, http.StatusOK, w.Code, path)
	}
	w, _ := s.do(t, http.MethodPost, "/sessions/S/lock", "owner", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	hidden, locked := s.fake.Flags("S")
	assert.True(t, hidden)
	assert.True(t, locked)

	w, _ = s.do(t, http.MethodPost, "/sessions/S/unlock", "owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.owners.Locked("S"))

	name, limit := "Quiet room", 150
	w, _ = s.do(t, http.MethodPatch, "/sessions/S", "owner", "", EditRequest{Name: &name, UserLimit: &limit})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	info, err := s.fake.Session(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, "Quiet room", info.Name, "rename applied before the limit failed")
}

func TestVotes(t *testing.T) {
	s := newServer(t, nil)
	w, _ := s.do(t, http.MethodPost, "/sessions/S/votes", "u2", "", VoteRequest{TargetID: "u3", Duration: 45})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := s.do(t, http.MethodPost, "/sessions/S/votes", "u2", "", VoteRequest{TargetID: "u3"})
	require.Equal(t, http.StatusCreated, w.Code)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(votemute.DefaultDurationMinutes), data["duration_minutes"])
	assert.Equal(t, "u3", data["target_id"])

	w, _ = s.do(t, http.MethodPost, "/sessions/S/votes", "owner", "", VoteRequest{TargetID: "u3"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = s.do(t, http.MethodGet, "/sessions/S/votes", "owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body.Data.([]interface{}), 1)
}

func TestAuditRoute(t *testing.T) {
	s := newServer(t, nil)
	w, _ := s.do(t, http.MethodGet, "/sessions/S/audit", "admin", auth.RoleElevated, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "not mounted without a history store")

	history := &fakeHistory{entries: []audit.Entry{
		{Action: audit.ActionMute, SessionID: "S", ActorID: "owner", TargetID: "u3"},
		{Action: audit.ActionKick, SessionID: "T"},
	}}
	s = newServer(t, history)
	w, _ = s.do(t, http.MethodGet, "/sessions/S/audit", "u2", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := s.do(t, http.MethodGet, "/sessions/S/audit", "admin", auth.RoleElevated, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body.Data.([]interface{}), 1)

	w, _ = s.do(t, http.MethodGet, "/sessions/S/audit?limit=0", "admin", auth.RoleElevated, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	history.err = errors.New("db down")
	w, _ = s.do(t, http.MethodGet, "/sessions/S/audit", "admin", auth.RoleElevated, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
