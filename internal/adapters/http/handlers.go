package http

import (
	"errors"
	"net/http"
	"net/netip"

	"github.com/dkeye/rtpfanout/internal/app/sfu"
	"github.com/dkeye/rtpfanout/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SessionRegistry is the part of the core the control surface calls into.
type SessionRegistry interface {
	CreateSession(ssrc uint32, source netip.AddrPort, mediaType string) (domain.SessionID, error)
	GetSession(id domain.SessionID) (domain.SessionView, error)
	DeleteSession(id domain.SessionID) error
	ListSessions() []domain.SessionView
	AddSubscriber(id domain.SessionID, addr netip.AddrPort) error
	RemoveSubscriber(id domain.SessionID, addr netip.AddrPort) error
	GetStats(id domain.SessionID) (domain.SessionStats, error)
}

type EngineStats interface {
	Stats() sfu.Stats
}

type CreateSessionRequest struct {
	SourceAddress string  `json:"source_address" binding:"required"`
	SSRC          *uint32 `json:"ssrc" binding:"required"`
	MediaType     string  `json:"media_type"`
}

type CreateSessionResponse struct {
	SessionID domain.SessionID `json:"session_id"`
}

type AddSubscriberRequest struct {
	Address string `json:"address" binding:"required"`
}

type ListSessionsResponse struct {
	Sessions []domain.SessionView `json:"sessions"`
}

type controlHandlers struct {
	registry SessionRegistry
	engine   EngineStats
}

// writeError maps registry errors onto transport codes. Request errors are
// the caller's problem and are not logged as faults.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrResourceExhausted):
		status, code = http.StatusTooManyRequests, "resource_exhausted"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	default:
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("control request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": msg})
}

func parseAddr(s string) (netip.AddrPort, bool) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil || ap.Port() == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

func sessionID(c *gin.Context) (domain.SessionID, bool) {
	id, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		// Not a UUID can never name a session.
		writeError(c, domain.ErrNotFound)
		return "", false
	}
	return id, true
}

func (h *controlHandlers) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing or invalid source_address/ssrc")
		return
	}
	source, ok := parseAddr(req.SourceAddress)
	if !ok {
		badRequest(c, "source_address must be host:port")
		return
	}
	id, err := h.registry.CreateSession(*req.SSRC, source, req.MediaType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateSessionResponse{SessionID: id})
}

func (h *controlHandlers) getSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	view, err := h.registry.GetSession(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *controlHandlers) deleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.registry.DeleteSession(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *controlHandlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: h.registry.ListSessions()})
}

func (h *controlHandlers) addSubscriber(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req AddSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing or invalid address")
		return
	}
	addr, ok := parseAddr(req.Address)
	if !ok {
		badRequest(c, "address must be host:port")
		return
	}
	if err := h.registry.AddSubscriber(id, addr); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *controlHandlers) removeSubscriber(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	addr, ok := parseAddr(c.Param("address"))
	if !ok {
		badRequest(c, "address must be host:port")
		return
	}
	if err := h.registry.RemoveSubscriber(id, addr); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *controlHandlers) getStats(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	stats, err := h.registry.GetStats(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *controlHandlers) engineStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}
