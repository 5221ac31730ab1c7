package vicidial

import (
	"context"

	"github.com/masterfermin02/vic-agent-ui/internal/session"
)

// Agent is the authenticated user's dialer identity, resolved by the web
// layer before any command is composed
type Agent struct {
	UserID     int64
	User       string
	Pass       string
	PhoneLogin string
	PhonePass  string
}

// LoginResult carries the routing data a campaign login hands back for the
// new session row
type LoginResult struct {
	ServerIP    string
	ConfExten   string
	SessionName string
	AgentLogID  int64
	UserGroup   string
}

// DialResult carries the identifiers stamped onto the session by a manual
// dial
type DialResult struct {
	CallerID string
	LeadID   int64
}

// Commander issues agent commands to the dialer. Two implementations exist:
// DBCommander queues rows the dialer's daemon polls, APICommander posts to
// the synchronous agent API. The session state machine never branches on
// which one is wired in.
type Commander interface {
	// Login registers the agent on a campaign and reserves their routing
	// resources. The agent lands in paused.
	Login(ctx context.Context, agent Agent, campaignID string) (*LoginResult, error)

	// SetReady moves the agent to ready, closing the current accounting
	// window. Returns the id of the newly opened window.
	SetReady(ctx context.Context, agent Agent, sess *session.Session) (int64, error)

	// SetPaused moves the agent to paused under the given pause code.
	// Returns the id of the newly opened accounting window.
	SetPaused(ctx context.Context, agent Agent, sess *session.Session, pauseCode string) (int64, error)

	// Dial places a manual outbound call, resolving or creating the lead
	// when leadID is zero
	Dial(ctx context.Context, agent Agent, sess *session.Session, phoneNumber, phoneCode string, leadID int64) (*DialResult, error)

	// Hangup ends the customer leg; the agent stays in their conference
	Hangup(ctx context.Context, agent Agent, sess *session.Session) error

	// Disposition records the call outcome and returns the agent to
	// paused. Returns the id of the newly opened accounting window.
	Disposition(ctx context.Context, agent Agent, sess *session.Session, status string) (int64, error)

	// Logout releases all dialer resources and evicts the agent from
	// their conference
	Logout(ctx context.Context, agent Agent, sess *session.Session) error

	// RingAgent re-rings the agent's softphone into their conference
	RingAgent(ctx context.Context, agent Agent, sess *session.Session) error
}
