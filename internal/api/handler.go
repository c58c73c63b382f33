// Package api exposes the owner and moderator command surface over HTTP.
package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/auth"
	"github.com/aura-voice/backend/internal/lifecycle"
	"github.com/aura-voice/backend/internal/middleware"
	"github.com/aura-voice/backend/internal/votemute"
	"github.com/aura-voice/backend/pkg/response"
)

// TargetRequest is the body for commands aimed at one user.
type TargetRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// EditRequest is the body for PATCH /sessions/:id.
type EditRequest struct {
	Name      *string `json:"name"`
	UserLimit *int    `json:"user_limit"`
}

// WaitingRoomRequest is the body for POST /sessions/:id/waiting-room.
type WaitingRoomRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// VoteRequest is the body for POST /sessions/:id/votes.
type VoteRequest struct {
	TargetID string `json:"target_id" binding:"required"`
	Duration int    `json:"duration"`
}

// AuditLister reads moderation history.
type AuditLister interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error)
}

// Handler handles session command endpoints.
type Handler struct {
	sessions *lifecycle.Manager
	votes    *votemute.Coordinator
	history  AuditLister
}

// NewHandler creates a session handler. history may be nil, in which case
// the audit route is not registered.
func NewHandler(sessions *lifecycle.Manager, votes *votemute.Coordinator, history AuditLister) *Handler {
	return &Handler{sessions: sessions, votes: votes, history: history}
}

// Register mounts the session routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	s := g.Group("/sessions/:id")
	s.GET("", h.Info)
	s.PATCH("", h.Edit)
	s.POST("/claim", h.Claim)
	s.POST("/transfer", h.Transfer)
	s.POST("/submoderators", h.Promote)
	s.DELETE("/submoderators/:userId", h.Demote)
	s.POST("/mutes", h.Mute)
	s.DELETE("/mutes/:userId", h.Unmute)
	s.POST("/kick", h.Kick)
	s.POST("/bans", h.Ban)
	s.DELETE("/bans/:userId", h.Unban)
	s.POST("/lock", h.flag(func(ctx context.Context, id, actor string) error { return h.sessions.SetLocked(ctx, id, actor, true) }))
	s.POST("/unlock", h.flag(func(ctx context.Context, id, actor string) error { return h.sessions.SetLocked(ctx, id, actor, false) }))
	s.POST("/hide", h.flag(func(ctx context.Context, id, actor string) error { return h.sessions.SetHidden(ctx, id, actor, true) }))
	s.POST("/unhide", h.flag(func(ctx context.Context, id, actor string) error { return h.sessions.SetHidden(ctx, id, actor, false) }))
	s.POST("/waiting-room", h.WaitingRoom)
	s.POST("/votes", h.StartVote)
	s.GET("/votes", h.ListVotes)
	if h.history != nil {
		s.GET("/audit", middleware.RequireRole(auth.RoleElevated), h.Audit)
	}
}

// Info handles GET /sessions/:id.
func (h *Handler) Info(c *gin.Context) {
	view, err := h.sessions.Info(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// Claim handles POST /sessions/:id/claim.
func (h *Handler) Claim(c *gin.Context) {
	actor, _ := middleware.Caller(c)
	if err := h.sessions.Claim(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}
	h.info(c)
}

// Transfer handles POST /sessions/:id/transfer. Elevated callers need not
// own the session.
func (h *Handler) Transfer(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor, elevated := middleware.Caller(c)
	if err := h.sessions.Transfer(c.Request.Context(), c.Param("id"), actor, req.UserID, elevated); err != nil {
		response.Error(c, err)
		return
	}
	h.info(c)
}

type targetFunc func(ctx context.Context, sessionID, actorID, targetID string) error

// withBody runs fn against the user named in the JSON body.
func (h *Handler) withBody(fn targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TargetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
		actor, _ := middleware.Caller(c)
		if err := fn(c.Request.Context(), c.Param("id"), actor, req.UserID); err != nil {
			response.Error(c, err)
			return
		}
		h.info(c)
	}
}

// withParam runs fn against the user named in the path.
func (h *Handler) withParam(fn targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := middleware.Caller(c)
		if err := fn(c.Request.Context(), c.Param("id"), actor, c.Param("userId")); err != nil {
			response.Error(c, err)
			return
		}
		h.info(c)
	}
}

// Promote handles POST /sessions/:id/submoderators.
func (h *Handler) Promote(c *gin.Context) { h.withBody(h.sessions.Promote)(c) }

// Demote handles DELETE /sessions/:id/submoderators/:userId.
func (h *Handler) Demote(c *gin.Context) { h.withParam(h.sessions.Demote)(c) }

// Mute handles POST /sessions/:id/mutes.
func (h *Handler) Mute(c *gin.Context) { h.withBody(h.sessions.Mute)(c) }

// Unmute handles DELETE /sessions/:id/mutes/:userId.
func (h *Handler) Unmute(c *gin.Context) { h.withParam(h.sessions.Unmute)(c) }

// Kick handles POST /sessions/:id/kick.
func (h *Handler) Kick(c *gin.Context) { h.withBody(h.sessions.Kick)(c) }

// Ban handles POST /sessions/:id/bans.
func (h *Handler) Ban(c *gin.Context) { h.withBody(h.sessions.Ban)(c) }

// Unban handles DELETE /sessions/:id/bans/:userId.
func (h *Handler) Unban(c *gin.Context) { h.withParam(h.sessions.Unban)(c) }

func (h *Handler) flag(fn func(ctx context.Context, sessionID, actorID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := middleware.Caller(c)
		if err := fn(c.Request.Context(), c.Param("id"), actor); err != nil {
			response.Error(c, err)
			return
		}
		h.info(c)
	}
}

// Edit handles PATCH /sessions/:id. Name and limit are applied in that
// order; the first failure stops the request.
func (h *Handler) Edit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Name == nil && req.UserLimit == nil {
		response.BadRequest(c, "nothing to update")
		return
	}
	actor, _ := middleware.Caller(c)
	ctx := c.Request.Context()
	id := c.Param("id")
	if req.Name != nil {
		if err := h.sessions.Rename(ctx, id, actor, *req.Name); err != nil {
			response.Error(c, err)
			return
		}
	}
	if req.UserLimit != nil {
		if err := h.sessions.SetUserLimit(ctx, id, actor, *req.UserLimit); err != nil {
			response.Error(c, err)
			return
		}
	}
	h.info(c)
}

// WaitingRoom handles POST /sessions/:id/waiting-room.
func (h *Handler) WaitingRoom(c *gin.Context) {
	var req WaitingRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor, _ := middleware.Caller(c)
	if err := h.sessions.SetWaitingRoom(c.Request.Context(), c.Param("id"), actor, *req.Enabled); err != nil {
		response.Error(c, err)
		return
	}
	h.info(c)
}

// StartVote handles POST /sessions/:id/votes.
func (h *Handler) StartVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Duration == 0 {
		req.Duration = votemute.DefaultDurationMinutes
	}
	actor, _ := middleware.Caller(c)
	status, err := h.votes.Start(c.Request.Context(), c.Param("id"), actor, req.TargetID, req.Duration)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, status)
}

// ListVotes handles GET /sessions/:id/votes.
func (h *Handler) ListVotes(c *gin.Context) {
	response.OK(c, h.votes.List(c.Param("id")))
}

// Audit handles GET /sessions/:id/audit (elevated only).
func (h *Handler) Audit(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			response.BadRequest(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := h.history.ListBySession(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Internal(c, "failed to load audit history")
		return
	}
	response.OK(c, entries)
}

// info answers a successful command with the session's current state. A
// session deleted in the meantime yields an empty success.
func (h *Handler) info(c *gin.Context) {
	view, err := h.sessions.Info(c.Param("id"))
	if err != nil {
		response.OK(c, gin.H{"id": c.Param("id")})
		return
	}
	response.OK(c, view)
}
