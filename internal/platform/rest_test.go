package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClientCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		var req CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cat-1", req.ParentID)
		assert.Equal(t, "u1", req.OwnerID)
		_ = json.NewEncoder(w).Encode(SessionInfo{ID: "s-new", ParentID: req.ParentID, Name: req.Name})
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "secret", srv.Client(), nil)
	id, err := c.CreateSession(context.Background(), CreateSessionRequest{ParentID: "cat-1", Name: "room", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "s-new", id)
}

func TestRESTClientDeleteSessionIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "secret", srv.Client(), nil)
	assert.NoError(t, c.DeleteSession(context.Background(), "gone"))
}

func TestRESTClientVoiceStateDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "secret", srv.Client(), nil)
	vs, err := c.VoiceState(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, "u9", vs.UserID)
	assert.Empty(t, vs.SessionID)
}

func TestRESTClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "secret", srv.Client(), nil)
	err := c.SetParticipantMute(context.Background(), "s1", "u1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestPresenceEventClassify(t *testing.T) {
	assert.Equal(t, EventEnter, PresenceEvent{After: "s1"}.Classify())
	assert.Equal(t, EventLeave, PresenceEvent{Before: "s1"}.Classify())
	assert.Equal(t, EventMove, PresenceEvent{Before: "s1", After: "s2"}.Classify())
	assert.Equal(t, EventLeave, PresenceEvent{Kind: EventLeave, Before: "s1", After: "s2"}.Classify())
}
