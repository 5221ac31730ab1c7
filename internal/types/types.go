package types

// AgentStatus represents the current state of an agent session
type AgentStatus string

const (
	// StatusWaiting is the pre-campaign-selection state. It only exists in
	// the UI; a session row is never persisted with it.
	StatusWaiting AgentStatus = "waiting"

	StatusReady  AgentStatus = "ready"
	StatusPaused AgentStatus = "paused"
	StatusInCall AgentStatus = "incall"
	StatusWrapup AgentStatus = "wrapup"

	// StatusLoggedOut is terminal; the session row is deleted rather than
	// stored with this value.
	StatusLoggedOut AgentStatus = "logged_out"
)

// CallStatus values carried by call-status notifications
const (
	CallRinging  = "ringing"
	CallAnswered = "answered"
	CallHangup   = "hangup"
)

// Message type discriminators for websocket payloads
const (
	MessageTypeCallStatus  = "call_status"
	MessageTypeAgentStatus = "agent_status"
)

// CallStatusUpdate is broadcast to an agent's websocket clients whenever
// the telephony layer reports call progress for their session
type CallStatusUpdate struct {
	Type         string `json:"type"`
	CallStatus   string `json:"callStatus"`
	CallerIDNum  string `json:"callerIdNum,omitempty"`
	CallerIDName string `json:"callerIdName,omitempty"`
	Channel      string `json:"channel,omitempty"`
	LeadID       string `json:"leadId,omitempty"`
}

// AgentStatusUpdate is broadcast whenever the agent's session status changes
type AgentStatusUpdate struct {
	Type       string      `json:"type"`
	Status     AgentStatus `json:"status"`
	CampaignID string      `json:"campaignId,omitempty"`
}

// NewCallStatusUpdate builds a call-status payload with the type tag set
func NewCallStatusUpdate(callStatus, callerIDNum, callerIDName, channel, leadID string) CallStatusUpdate {
	return CallStatusUpdate{
		Type:         MessageTypeCallStatus,
		CallStatus:   callStatus,
		CallerIDNum:  callerIDNum,
		CallerIDName: callerIDName,
		Channel:      channel,
		LeadID:       leadID,
	}
}

// NewAgentStatusUpdate builds an agent-status payload with the type tag set
func NewAgentStatusUpdate(status AgentStatus, campaignID string) AgentStatusUpdate {
	return AgentStatusUpdate{
		Type:       MessageTypeAgentStatus,
		Status:     status,
		CampaignID: campaignID,
	}
}
