package session

import (
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/types"
)

// Session is one authenticated agent's campaign session. There is at most
// one row per user; it is created on campaign login and deleted on logout.
type Session struct {
	ID           int64
	UserID       int64
	CampaignID   string
	CampaignName string
	Status       types.AgentStatus

	// Routing data handed back by the dialer on login
	ServerIP    string
	ConfExten   string
	SessionName string
	AgentLogID  int64
	UserGroup   string

	// Live call context. Channel is the correlation key for inbound
	// telephony events; it is cleared whenever the session leaves incall.
	Channel         string
	CurrentLeadID   string
	CurrentPhone    string
	CurrentLeadName string
	CallStartedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InCall reports whether the session currently tracks a live call
func (s *Session) InCall() bool {
	return s.Status == types.StatusInCall
}
