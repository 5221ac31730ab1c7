// Package api exposes the REST surface the softphone UI drives the state
// machine with.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/masterfermin02/vic-agent-ui/internal/agent"
	"github.com/masterfermin02/vic-agent-ui/internal/auth"
	"github.com/masterfermin02/vic-agent-ui/internal/lead"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/masterfermin02/vic-agent-ui/internal/types"
	"github.com/masterfermin02/vic-agent-ui/internal/vicidial"
)

// StateMachine is the slice of the session state machine the REST surface
// drives
type StateMachine interface {
	Session(ctx context.Context, userID int64) (*session.Session, error)
	LoginToCampaign(ctx context.Context, agent vicidial.Agent, campaignID string) (*session.Session, error)
	SetStatus(ctx context.Context, agent vicidial.Agent, status types.AgentStatus, pauseCode string) (*session.Session, error)
	ManualDial(ctx context.Context, agent vicidial.Agent, phoneNumber, phoneCode string, leadID int64) (*session.Session, error)
	Hangup(ctx context.Context, agent vicidial.Agent) (*session.Session, error)
	Disposition(ctx context.Context, agent vicidial.Agent, status string) (*session.Session, error)
	Logout(ctx context.Context, agent vicidial.Agent) error
	RingSoftphone(ctx context.Context, agent vicidial.Agent) error
}

// Catalog is the dialer reference data the REST surface reads
type Catalog interface {
	ActiveCampaigns(ctx context.Context) ([]vicidial.Campaign, error)
	SelectableDispositions(ctx context.Context, campaignID string) ([]vicidial.Disposition, error)
	AgentPerformance(ctx context.Context, user, serverIP, campaignID string) (*vicidial.Performance, error)
}

// Handler provides the agent-facing REST endpoints
type Handler struct {
	service StateMachine
	catalog Catalog
	leads   lead.Repository
	logger  zerolog.Logger
}

// NewHandler creates the REST handler
func NewHandler(service StateMachine, catalog Catalog, leads lead.Repository, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		catalog: catalog,
		leads:   leads,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the handler's endpoints on a router that already carries the
// auth middleware
func (h *Handler) Routes(r chi.Router) {
	r.Get("/campaigns", h.ListCampaigns)
	r.Get("/session", h.GetWorkspace)
	r.Post("/session/login", h.Login)
	r.Post("/session/status", h.SetStatus)
	r.Post("/session/ring", h.Ring)
	r.Post("/session/logout", h.Logout)
	r.Post("/call/dial", h.Dial)
	r.Post("/call/hangup", h.Hangup)
	r.Post("/call/disposition", h.Disposition)
}

// workspace is the full state payload the UI renders from
type workspace struct {
	Session      *session.Session       `json:"session"`
	Campaigns    []vicidial.Campaign    `json:"campaigns,omitempty"`
	Dispositions []vicidial.Disposition `json:"dispositions,omitempty"`
	Performance  *vicidial.Performance  `json:"performance,omitempty"`
	Lead         *lead.Lead             `json:"lead,omitempty"`
}

// ListCampaigns handles GET /api/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.catalog.ActiveCampaigns(r.Context())
	if err != nil {
		h.serverError(w, err, "failed to list campaigns")
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

// GetWorkspace handles GET /api/session: the session plus everything the UI
// needs around it. Reference data failures degrade the payload instead of
// failing the request.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	ctx := r.Context()

	sess, err := h.service.Session(ctx, claims.UserID)
	if err != nil {
		h.serverError(w, err, "failed to load session")
		return
	}

	ws := workspace{Session: sess}

	if sess == nil {
		if campaigns, err := h.catalog.ActiveCampaigns(ctx); err == nil {
			ws.Campaigns = campaigns
		} else {
			h.logger.Warn().Err(err).Msg("campaign list unavailable")
		}
		h.respond(w, http.StatusOK, ws)
		return
	}

	if dispositions, err := h.catalog.SelectableDispositions(ctx, sess.CampaignID); err == nil {
		ws.Dispositions = dispositions
	} else {
		h.logger.Warn().Err(err).Msg("dispositions unavailable")
	}

	if perf, err := h.catalog.AgentPerformance(ctx, claims.VicidialUser, sess.ServerIP, sess.CampaignID); err == nil {
		ws.Performance = perf
	} else {
		h.logger.Warn().Err(err).Msg("performance stats unavailable")
	}

	if sess.CurrentLeadID != "" {
		if leadID, err := strconv.ParseInt(sess.CurrentLeadID, 10, 64); err == nil {
			if record, err := h.leads.FindByLeadID(ctx, leadID); err == nil {
				ws.Lead = record
			} else {
				h.logger.Warn().Err(err).Str("lead_id", sess.CurrentLeadID).Msg("lead unavailable")
			}
		}
	}

	h.respond(w, http.StatusOK, ws)
}

// Login handles POST /api/session/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampaignID string `json:"campaignId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CampaignID == "" {
		h.respondError(w, http.StatusBadRequest, "campaignId is required")
		return
	}

	sess, err := h.service.LoginToCampaign(r.Context(), h.agentFrom(r), req.CampaignID)
	if err != nil {
		h.commandError(w, err, sess)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// SetStatus handles POST /api/session/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status    types.AgentStatus `json:"status"`
		PauseCode string            `json:"pauseCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.respondError(w, http.StatusBadRequest, "status is required")
		return
	}

	sess, err := h.service.SetStatus(r.Context(), h.agentFrom(r), req.Status, req.PauseCode)
	if err != nil {
		h.commandError(w, err, sess)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// Dial handles POST /api/call/dial
func (h *Handler) Dial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phoneNumber"`
		PhoneCode   string `json:"phoneCode"`
		LeadID      int64  `json:"leadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		h.respondError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}

	sess, err := h.service.ManualDial(r.Context(), h.agentFrom(r), req.PhoneNumber, req.PhoneCode, req.LeadID)
	if err != nil {
		h.commandError(w, err, sess)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// Hangup handles POST /api/call/hangup
func (h *Handler) Hangup(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Hangup(r.Context(), h.agentFrom(r))
	if err != nil {
		h.commandError(w, err, sess)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// Disposition handles POST /api/call/disposition
func (h *Handler) Disposition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.respondError(w, http.StatusBadRequest, "status is required")
		return
	}

	sess, err := h.service.Disposition(r.Context(), h.agentFrom(r), req.Status)
	if err != nil {
		h.commandError(w, err, sess)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// Logout handles POST /api/session/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), h.agentFrom(r)); err != nil {
		h.commandError(w, err, nil)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Ring handles POST /api/session/ring
func (h *Handler) Ring(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RingSoftphone(r.Context(), h.agentFrom(r)); err != nil {
		h.commandError(w, err, nil)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"message": "ringing"})
}

// agentFrom builds the dialer identity from the authenticated claims
func (h *Handler) agentFrom(r *http.Request) vicidial.Agent {
	claims := auth.FromContext(r.Context())
	return vicidial.Agent{
		UserID:     claims.UserID,
		User:       claims.VicidialUser,
		Pass:       claims.VicidialPass,
		PhoneLogin: claims.PhoneLogin,
		PhonePass:  claims.PhonePass,
	}
}

// commandError maps state machine errors onto HTTP statuses. An upstream
// command failure still carries the committed session so the UI can render
// the local state.
func (h *Handler) commandError(w http.ResponseWriter, err error, sess *session.Session) {
	var upstream *vicidial.UpstreamCommandError
	switch {
	case errors.As(err, &upstream):
		h.logger.Error().Err(err).Msg("dialer command failed after local commit")
		h.respond(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "dialer command failed; local state committed",
			"session": sess,
		})
	case errors.Is(err, agent.ErrNoSession):
		h.respondError(w, http.StatusConflict, "no active session")
	case errors.Is(err, agent.ErrInvalidTransition):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrUnknownCampaign),
		errors.Is(err, agent.ErrInvalidDisposition):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.serverError(w, err, "command failed")
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respond(w, status, map[string]string{"error": message})
}

func (h *Handler) serverError(w http.ResponseWriter, err error, message string) {
	h.logger.Error().Err(err).Msg(message)
	h.respondError(w, http.StatusInternalServerError, message)
}
