package vicidial

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/rs/zerolog"
)

// apiSource identifies this application in the dialer's API logs
const apiSource = "vic-agent-ui"

// APICommander issues agent commands through the dialer's synchronous agent
// API instead of queueing rows directly. The API performs the same
// bookkeeping the DBCommander writes by hand, so after each call the
// commander reads the routing data it needs back out of the shared
// database.
type APICommander struct {
	apiURL string
	client *http.Client
	db     *sql.DB
	queue  *ManagerQueue
	logger zerolog.Logger
}

// NewAPICommander creates a commander posting to the agent API at apiURL.
// db is the shared dialer database, used read-mostly to recover routing
// data the API does not return.
func NewAPICommander(apiURL string, db *sql.DB, logger zerolog.Logger) *APICommander {
	return &APICommander{
		apiURL: apiURL,
		client: &http.Client{Timeout: 15 * time.Second},
		db:     db,
		queue:  NewManagerQueue(db),
		logger: logger.With().Str("component", "vicidial_api").Logger(),
	}
}

// Login logs the agent in through the API, then reads the routing data for
// the new session off the live agent and session data rows
func (c *APICommander) Login(ctx context.Context, agent Agent, campaignID string) (*LoginResult, error) {
	_, err := c.post(ctx, url.Values{
		"function":    {"login"},
		"user":        {agent.User},
		"pass":        {agent.Pass},
		"phone_login": {agent.PhoneLogin},
		"phone_pass":  {agent.PhonePass},
		"campaign":    {campaignID},
	})
	if err != nil {
		return nil, err
	}

	// The API's bookkeeping is not instantaneous; poll briefly for the
	// live agent row it creates.
	var serverIP, confExten string
	for attempt := 0; attempt < 10; attempt++ {
		err = c.db.QueryRowContext(ctx,
			`SELECT server_ip, conf_exten FROM vicidial_live_agents WHERE user = ?`,
			agent.User).Scan(&serverIP, &confExten)
		if err == nil {
			break
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("vicidial: fetch live agent: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: live agent row never appeared for %s", ErrNoSessionData, agent.User)
	}

	var sessionName sql.NullString
	if err := c.db.QueryRowContext(ctx,
		`SELECT session_name FROM vicidial_session_data
		 WHERE user = ? AND server_ip = ? ORDER BY login_time DESC LIMIT 1`,
		agent.User, serverIP).Scan(&sessionName); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch session data: %w", err)
	}

	var userGroup sql.NullString
	if err := c.db.QueryRowContext(ctx,
		`SELECT user_group FROM vicidial_users WHERE user = ?`,
		agent.User).Scan(&userGroup); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch user group: %w", err)
	}

	agentLogID, err := c.latestAgentLogID(ctx, agent.User)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("user", agent.User).
		Str("campaign_id", campaignID).
		Str("conf_exten", confExten).
		Msg("agent logged in via api")

	return &LoginResult{
		ServerIP:    serverIP,
		ConfExten:   confExten,
		SessionName: sessionName.String,
		AgentLogID:  agentLogID,
		UserGroup:   stringOr(userGroup, "AGENTS"),
	}, nil
}

// SetReady resumes the agent through the API and returns the accounting
// window the API opened
func (c *APICommander) SetReady(ctx context.Context, agent Agent, sess *session.Session) (int64, error) {
	_, err := c.post(ctx, url.Values{
		"function": {"pause"},
		"user":     {agent.User},
		"pass":     {agent.Pass},
		"campaign": {sess.CampaignID},
		"value":    {"RESUME"},
	})
	if err != nil {
		return 0, err
	}
	return c.latestAgentLogID(ctx, agent.User)
}

// SetPaused pauses the agent through the API under the given pause code
func (c *APICommander) SetPaused(ctx context.Context, agent Agent, sess *session.Session, pauseCode string) (int64, error) {
	_, err := c.post(ctx, url.Values{
		"function":   {"pause"},
		"user":       {agent.User},
		"pass":       {agent.Pass},
		"campaign":   {sess.CampaignID},
		"value":      {"PAUSE"},
		"pause_code": {pauseCode},
	})
	if err != nil {
		return 0, err
	}
	return c.latestAgentLogID(ctx, agent.User)
}

// Dial places a manual call through the API, then reads the caller-id token
// and lead the dialer assigned off the live agent row
func (c *APICommander) Dial(ctx context.Context, agent Agent, sess *session.Session, phoneNumber, phoneCode string, leadID int64) (*DialResult, error) {
	params := url.Values{
		"function":     {"dial_phone_number"},
		"user":         {agent.User},
		"pass":         {agent.Pass},
		"campaign":     {sess.CampaignID},
		"phone_number": {phoneNumber},
		"phone_code":   {phoneCode},
	}
	if leadID != 0 {
		params.Set("lead_id", fmt.Sprintf("%d", leadID))
	}
	if _, err := c.post(ctx, params); err != nil {
		return nil, err
	}

	var callerID sql.NullString
	var liveLeadID sql.NullInt64
	for attempt := 0; attempt < 10; attempt++ {
		err := c.db.QueryRowContext(ctx,
			`SELECT callerid, lead_id FROM vicidial_live_agents WHERE user = ?`,
			agent.User).Scan(&callerID, &liveLeadID)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("vicidial: fetch live agent call: %w", err)
		}
		if strings.HasPrefix(callerID.String, "M") {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if callerID.String == "" {
		return nil, fmt.Errorf("%w: dial never stamped a caller id for %s", ErrNoSessionData, agent.User)
	}

	return &DialResult{CallerID: callerID.String, LeadID: liveLeadID.Int64}, nil
}

// Hangup ends the customer leg through the API
func (c *APICommander) Hangup(ctx context.Context, agent Agent, sess *session.Session) error {
	_, err := c.post(ctx, url.Values{
		"function": {"external_hangup"},
		"user":     {agent.User},
		"pass":     {agent.Pass},
		"campaign": {sess.CampaignID},
		"value":    {"1"},
	})
	return err
}

// Disposition records the call outcome through the API
func (c *APICommander) Disposition(ctx context.Context, agent Agent, sess *session.Session, status string) (int64, error) {
	params := url.Values{
		"function": {"disposition"},
		"user":     {agent.User},
		"pass":     {agent.Pass},
		"campaign": {sess.CampaignID},
		"status":   {status},
	}
	if sess.CurrentLeadID != "" {
		params.Set("lead_id", sess.CurrentLeadID)
	}
	if _, err := c.post(ctx, params); err != nil {
		return 0, err
	}
	return c.latestAgentLogID(ctx, agent.User)
}

// Logout logs the agent out through the API
func (c *APICommander) Logout(ctx context.Context, agent Agent, sess *session.Session) error {
	_, err := c.post(ctx, url.Values{
		"function": {"logout"},
		"user":     {agent.User},
		"pass":     {agent.Pass},
		"campaign": {sess.CampaignID},
	})
	return err
}

// RingAgent has no agent API function; the ring Originate is queued on the
// command table the same way the DB transport does it
func (c *APICommander) RingAgent(ctx context.Context, agent Agent, sess *session.Session) error {
	if sess.ServerIP == "" || sess.ConfExten == "" {
		return ErrNoSessionData
	}

	var extension string
	var protocol, extContext sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT extension, protocol, ext_context FROM phones WHERE login = ? AND active = 'Y'`,
		agent.PhoneLogin).Scan(&extension, &protocol, &extContext)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrPhoneNotFound, agent.PhoneLogin)
	}
	if err != nil {
		return fmt.Errorf("vicidial: fetch phone: %w", err)
	}

	callerID := LoginCallerID(time.Now(), sess.ConfExten)
	return c.queue.Originate(ctx, sess.ServerIP, callerID, []string{
		"Channel: " + stringOr(protocol, "SIP") + "/" + extension,
		"Context: " + stringOr(extContext, "default"),
		"Exten: " + sess.ConfExten,
		"Priority: 1",
		fmt.Sprintf("Callerid: %q <%s>", callerID, callerID),
	})
}

// post sends one form-encoded command. Replies beginning with ERROR are
// failures; everything else is the raw reply body.
func (c *APICommander) post(ctx context.Context, params url.Values) (string, error) {
	params.Set("source", apiSource)
	params.Set("format", "text")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return "", fmt.Errorf("vicidial: build api request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Get().RecordCommandError()
		return "", fmt.Errorf("vicidial: call agent api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.Get().RecordCommandError()
		return "", fmt.Errorf("vicidial: read api reply: %w", err)
	}

	reply := strings.TrimSpace(string(body))
	if strings.HasPrefix(reply, "ERROR") {
		metrics.Get().RecordCommandError()
		return "", fmt.Errorf("vicidial: agent api %s: %s", params.Get("function"), reply)
	}

	metrics.Get().RecordCommandIssued()
	return reply, nil
}

// latestAgentLogID returns the newest accounting window for the user
func (c *APICommander) latestAgentLogID(ctx context.Context, user string) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx,
		`SELECT agent_log_id FROM vicidial_agent_log WHERE user = ? ORDER BY agent_log_id DESC LIMIT 1`,
		user).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vicidial: fetch agent log id: %w", err)
	}
	return id, nil
}
