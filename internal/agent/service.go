// Package agent holds the session state machine: it turns UI commands and
// telephony events into session transitions, dialer commands and websocket
// notifications.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/masterfermin02/vic-agent-ui/internal/ami"
	"github.com/masterfermin02/vic-agent-ui/internal/lead"
	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/masterfermin02/vic-agent-ui/internal/types"
	"github.com/masterfermin02/vic-agent-ui/internal/vicidial"
)

var (
	// ErrNoSession is returned for commands that need a logged-in session
	ErrNoSession = errors.New("agent: no active session")

	// ErrUnknownCampaign is returned when the requested campaign does not
	// exist or is inactive
	ErrUnknownCampaign = errors.New("agent: unknown or inactive campaign")

	// ErrInvalidTransition is returned when a command is not legal in the
	// session's current state
	ErrInvalidTransition = errors.New("agent: transition not allowed in current state")

	// ErrInvalidDisposition is returned when the chosen status is not
	// selectable on the session's campaign
	ErrInvalidDisposition = errors.New("agent: disposition not selectable on campaign")
)

// Notifier pushes payloads to an agent's connected websocket clients
type Notifier interface {
	NotifyUser(userID int64, payload interface{})
}

// SessionStore is the slice of session storage the state machine writes
type SessionStore interface {
	Create(ctx context.Context, sess *session.Session) error
	GetByUserID(ctx context.Context, userID int64) (*session.Session, error)
	Delete(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status types.AgentStatus, agentLogID int64) error
	MarkDialing(ctx context.Context, id int64, channel, leadID, phone string, startedAt time.Time) error
	MarkAnswered(ctx context.Context, id int64, channel string, startedAt time.Time) error
	MarkWrapup(ctx context.Context, id int64) error
	ClearCall(ctx context.Context, id int64, agentLogID int64) error
	SetLeadName(ctx context.Context, id int64, name string) error
}

// SessionResolver maps telephony events to sessions
type SessionResolver interface {
	Resolve(ctx context.Context, ev ami.Event) (*session.Session, error)
}

// CampaignCatalog is the reference data the state machine validates against
type CampaignCatalog interface {
	CampaignName(ctx context.Context, campaignID string) (string, error)
	IsSelectable(ctx context.Context, campaignID, status string) (bool, error)
}

// Service drives agent sessions. Local session state is committed before a
// dialer command's outcome is known; a failed command surfaces as
// UpstreamCommandError while the local state keeps the optimistic value.
type Service struct {
	sessions  SessionStore
	commander vicidial.Commander
	resolver  SessionResolver
	catalog   CampaignCatalog
	leads     lead.Repository
	notifier  Notifier
	logger    zerolog.Logger

	defaultPhoneCode string
}

// NewService wires the state machine
func NewService(
	sessions SessionStore,
	commander vicidial.Commander,
	resolver SessionResolver,
	catalog CampaignCatalog,
	leads lead.Repository,
	notifier Notifier,
	defaultPhoneCode string,
	logger zerolog.Logger,
) *Service {
	return &Service{
		sessions:         sessions,
		commander:        commander,
		resolver:         resolver,
		catalog:          catalog,
		leads:            leads,
		notifier:         notifier,
		defaultPhoneCode: defaultPhoneCode,
		logger:           logger.With().Str("component", "agent").Logger(),
	}
}

// Session returns the user's current session, or nil when logged out
func (s *Service) Session(ctx context.Context, userID int64) (*session.Session, error) {
	return s.sessions.GetByUserID(ctx, userID)
}

// LoginToCampaign logs the agent into a campaign and creates their session
// in paused. A user already logged in gets their existing session back
// unchanged.
func (s *Service) LoginToCampaign(ctx context.Context, agent vicidial.Agent, campaignID string) (*session.Session, error) {
	existing, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	campaignName, err := s.catalog.CampaignName(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaignName == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCampaign, campaignID)
	}

	result, err := s.commander.Login(ctx, agent, campaignID)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		UserID:       agent.UserID,
		CampaignID:   campaignID,
		CampaignName: campaignName,
		Status:       types.StatusPaused,
		ServerIP:     result.ServerIP,
		ConfExten:    result.ConfExten,
		SessionName:  result.SessionName,
		AgentLogID:   result.AgentLogID,
		UserGroup:    result.UserGroup,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.notifyStatus(sess)
	s.logger.Info().
		Int64("user_id", agent.UserID).
		Str("campaign_id", campaignID).
		Msg("session created")
	return sess, nil
}

// SetStatus moves the session between ready and paused. pauseCode tags the
// pause accounting window; empty defaults to AGENT. Requesting the state the
// session is already in is a no-op. The local status is committed even when
// the dialer command fails; that failure comes back wrapped.
func (s *Service) SetStatus(ctx context.Context, agent vicidial.Agent, status types.AgentStatus, pauseCode string) (*session.Session, error) {
	if status != types.StatusReady && status != types.StatusPaused {
		return nil, fmt.Errorf("%w: cannot request %s", ErrInvalidTransition, status)
	}

	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if sess.Status == status {
		return sess, nil
	}
	if sess.InCall() || sess.Status == types.StatusWrapup {
		return nil, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, status, sess.Status)
	}

	if pauseCode == "" {
		pauseCode = "AGENT"
	}

	var agentLogID int64
	var cmdErr error
	if status == types.StatusReady {
		agentLogID, cmdErr = s.commander.SetReady(ctx, agent, sess)
	} else {
		agentLogID, cmdErr = s.commander.SetPaused(ctx, agent, sess, pauseCode)
	}
	if agentLogID == 0 {
		agentLogID = sess.AgentLogID
	}

	if err := s.sessions.SetStatus(ctx, sess.ID, status, agentLogID); err != nil {
		return nil, err
	}
	sess.Status = status
	sess.AgentLogID = agentLogID
	s.notifyStatus(sess)

	if cmdErr != nil {
		return sess, vicidial.NewUpstreamCommandError("set_status", cmdErr)
	}
	return sess, nil
}

// ManualDial places an outbound call and moves the session to incall with
// the caller-id token stamped as its correlation channel
func (s *Service) ManualDial(ctx context.Context, agent vicidial.Agent, phoneNumber, phoneCode string, leadID int64) (*session.Session, error) {
	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if sess.Status != types.StatusReady && sess.Status != types.StatusPaused {
		return nil, fmt.Errorf("%w: dial while %s", ErrInvalidTransition, sess.Status)
	}

	if phoneCode == "" {
		phoneCode = s.defaultPhoneCode
	}

	result, err := s.commander.Dial(ctx, agent, sess, phoneNumber, phoneCode, leadID)
	if err != nil {
		return nil, vicidial.NewUpstreamCommandError("dial", err)
	}

	now := time.Now()
	leadRef := fmt.Sprintf("%d", result.LeadID)
	if err := s.sessions.MarkDialing(ctx, sess.ID, result.CallerID, leadRef, phoneNumber, now); err != nil {
		return nil, err
	}
	sess.Status = types.StatusInCall
	sess.Channel = result.CallerID
	sess.CurrentLeadID = leadRef
	sess.CurrentPhone = phoneNumber
	sess.CallStartedAt = &now

	// Lead display data is best effort; the call proceeds without it.
	if record, err := s.leads.FindByLeadID(ctx, result.LeadID); err == nil && record != nil {
		name := record.FullName()
		if name != "" {
			if err := s.sessions.SetLeadName(ctx, sess.ID, name); err == nil {
				sess.CurrentLeadName = name
			}
		}
	} else if err != nil {
		s.logger.Warn().Err(err).Int64("lead_id", result.LeadID).Msg("lead lookup failed")
	}

	s.notifyStatus(sess)
	s.notifier.NotifyUser(sess.UserID, types.NewCallStatusUpdate(
		types.CallRinging, phoneNumber, sess.CurrentLeadName, result.CallerID, leadRef))
	return sess, nil
}

// Hangup ends the customer leg and moves the session to wrapup. The local
// transition commits even when the dialer command fails.
func (s *Service) Hangup(ctx context.Context, agent vicidial.Agent) (*session.Session, error) {
	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if sess.Status == types.StatusWrapup {
		return sess, nil
	}
	if !sess.InCall() {
		return nil, fmt.Errorf("%w: hangup while %s", ErrInvalidTransition, sess.Status)
	}

	if err := s.sessions.MarkWrapup(ctx, sess.ID); err != nil {
		return nil, err
	}
	sess.Status = types.StatusWrapup
	s.notifyStatus(sess)
	s.notifier.NotifyUser(sess.UserID, types.NewCallStatusUpdate(
		types.CallHangup, "", "", sess.Channel, sess.CurrentLeadID))

	if err := s.commander.Hangup(ctx, agent, sess); err != nil {
		return sess, vicidial.NewUpstreamCommandError("hangup", err)
	}
	return sess, nil
}

// Disposition records the call outcome and returns the session to paused
// with the call context cleared
func (s *Service) Disposition(ctx context.Context, agent vicidial.Agent, status string) (*session.Session, error) {
	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if sess.Status != types.StatusWrapup && !sess.InCall() {
		return nil, fmt.Errorf("%w: disposition while %s", ErrInvalidTransition, sess.Status)
	}

	selectable, err := s.catalog.IsSelectable(ctx, sess.CampaignID, status)
	if err != nil {
		return nil, err
	}
	if !selectable {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDisposition, status)
	}

	agentLogID, cmdErr := s.commander.Disposition(ctx, agent, sess, status)
	if agentLogID == 0 {
		agentLogID = sess.AgentLogID
	}

	if err := s.sessions.ClearCall(ctx, sess.ID, agentLogID); err != nil {
		return nil, err
	}
	sess.Status = types.StatusPaused
	sess.AgentLogID = agentLogID
	sess.Channel = ""
	sess.CurrentLeadID = ""
	sess.CurrentPhone = ""
	sess.CurrentLeadName = ""
	sess.CallStartedAt = nil
	s.notifyStatus(sess)

	if cmdErr != nil {
		return sess, vicidial.NewUpstreamCommandError("disposition", cmdErr)
	}
	return sess, nil
}

// Logout releases the agent's dialer resources and deletes their session.
// The session row is removed even when the dialer command fails, so the UI
// never strands an agent in a half-logged-out state.
func (s *Service) Logout(ctx context.Context, agent vicidial.Agent) error {
	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	cmdErr := s.commander.Logout(ctx, agent, sess)

	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.notifier.NotifyUser(sess.UserID, types.NewAgentStatusUpdate(types.StatusLoggedOut, sess.CampaignID))
	s.logger.Info().Int64("user_id", agent.UserID).Msg("session deleted")

	if cmdErr != nil {
		return vicidial.NewUpstreamCommandError("logout", cmdErr)
	}
	return nil
}

// RingSoftphone re-rings the agent's softphone into their conference. Only
// legal outside a live call.
func (s *Service) RingSoftphone(ctx context.Context, agent vicidial.Agent) error {
	sess, err := s.sessions.GetByUserID(ctx, agent.UserID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNoSession
	}
	if sess.InCall() || sess.Status == types.StatusWrapup {
		return fmt.Errorf("%w: ring while %s", ErrInvalidTransition, sess.Status)
	}

	if err := s.commander.RingAgent(ctx, agent, sess); err != nil {
		return vicidial.NewUpstreamCommandError("ring", err)
	}
	return nil
}

// HandleEvent applies one telephony event to whichever session it correlates
// to. Events that match no session are dropped; duplicates of a transition
// already applied are no-ops.
func (s *Service) HandleEvent(ctx context.Context, ev ami.Event) {
	name := ev.Name()

	switch {
	case name == "Dial" && ev.Get("SubEvent") == "Begin":
		s.handleRinging(ctx, ev)
	case name == "Bridge" || name == "AgentConnect":
		s.handleAnswered(ctx, ev)
	case name == "Hangup":
		s.handleHangup(ctx, ev)
	}
}

func (s *Service) handleRinging(ctx context.Context, ev ami.Event) {
	sess := s.resolve(ctx, ev)
	if sess == nil {
		return
	}

	s.notifier.NotifyUser(sess.UserID, types.NewCallStatusUpdate(
		types.CallRinging,
		ev.Get("CallerIDNum"),
		ev.Get("CallerIDName"),
		ev.Get("Channel"),
		sess.CurrentLeadID,
	))
}

func (s *Service) handleAnswered(ctx context.Context, ev ami.Event) {
	sess := s.resolve(ctx, ev)
	if sess == nil {
		return
	}

	channel := ev.Get("Channel")
	if channel == "" {
		channel = ev.Get("Channel1")
	}

	// A repeated bridge report for a session already in the call changes
	// nothing and is not re-announced.
	if sess.Status == types.StatusInCall && sess.CallStartedAt != nil {
		return
	}

	if err := s.sessions.MarkAnswered(ctx, sess.ID, channel, time.Now()); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("mark answered failed")
		return
	}
	sess.Status = types.StatusInCall

	s.notifier.NotifyUser(sess.UserID, types.NewCallStatusUpdate(
		types.CallAnswered,
		ev.Get("CallerIDNum"),
		ev.Get("CallerIDName"),
		channel,
		sess.CurrentLeadID,
	))
	s.notifyStatus(sess)
}

func (s *Service) handleHangup(ctx context.Context, ev ami.Event) {
	sess := s.resolve(ctx, ev)
	if sess == nil {
		return
	}

	if sess.Status == types.StatusWrapup {
		return
	}

	if err := s.sessions.MarkWrapup(ctx, sess.ID); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("mark wrapup failed")
		return
	}
	sess.Status = types.StatusWrapup

	s.notifier.NotifyUser(sess.UserID, types.NewCallStatusUpdate(
		types.CallHangup, "", "", ev.Get("Channel"), sess.CurrentLeadID))
	s.notifyStatus(sess)
}

func (s *Service) resolve(ctx context.Context, ev ami.Event) *session.Session {
	sess, err := s.resolver.Resolve(ctx, ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.Name()).Msg("session lookup failed")
		return nil
	}
	if sess == nil {
		metrics.Get().RecordCorrelationMiss()
		return nil
	}
	metrics.Get().RecordEventCorrelated()
	return sess
}

func (s *Service) notifyStatus(sess *session.Session) {
	s.notifier.NotifyUser(sess.UserID, types.NewAgentStatusUpdate(sess.Status, sess.CampaignID))
}
