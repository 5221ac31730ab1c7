package vicidial

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/rs/zerolog"
)

// DBCommander drives the dialer by writing directly to its shared database:
// bookkeeping rows for live agents and accounting windows, plus command rows
// in vicidial_manager that the dialer's daemon polls and executes.
type DBCommander struct {
	db     *sql.DB
	queue  *ManagerQueue
	logger zerolog.Logger
}

// NewDBCommander creates a commander on the shared dialer database
func NewDBCommander(db *sql.DB, logger zerolog.Logger) *DBCommander {
	return &DBCommander{
		db:     db,
		queue:  NewManagerQueue(db),
		logger: logger.With().Str("component", "vicidial_db").Logger(),
	}
}

// Login registers the agent as live on a campaign: cleans up stale state,
// reserves a conference room, creates the session bookkeeping rows, opens
// the first accounting window and rings the agent's softphone into the
// conference.
func (c *DBCommander) Login(ctx context.Context, agent Agent, campaignID string) (*LoginResult, error) {
	now := time.Now()
	nowStr := now.Format(mysqlTimeFormat)
	epoch := now.Unix()

	var userGroup sql.NullString
	var userLevel sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT user_group, user_level FROM vicidial_users WHERE user = ? AND active = 'Y'`,
		agent.User).Scan(&userGroup, &userLevel)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, agent.User)
	}
	if err != nil {
		return nil, fmt.Errorf("vicidial: fetch user: %w", err)
	}
	group := stringOr(userGroup, "AGENTS")
	level := int64Or(userLevel, 1)

	var extension string
	var protocol, extContext sql.NullString
	var ringTimeout sql.NullInt64
	var onHookAgent sql.NullString
	err = c.db.QueryRowContext(ctx,
		`SELECT extension, protocol, ext_context, phone_ring_timeout, on_hook_agent
		 FROM phones WHERE login = ? AND active = 'Y'`,
		agent.PhoneLogin).Scan(&extension, &protocol, &extContext, &ringTimeout, &onHookAgent)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPhoneNotFound, agent.PhoneLogin)
	}
	if err != nil {
		return nil, fmt.Errorf("vicidial: fetch phone: %w", err)
	}

	// Full channel string the dialer uses for this phone, e.g. "SIP/101".
	sipChannel := stringOr(protocol, "SIP") + "/" + extension
	dialplanContext := stringOr(extContext, "default")

	var serverIP string
	err = c.db.QueryRowContext(ctx,
		`SELECT server_ip FROM servers WHERE active = 'Y' AND active_asterisk_server = 'Y' LIMIT 1`,
	).Scan(&serverIP)
	if err == sql.ErrNoRows {
		return nil, ErrNoServer
	}
	if err != nil {
		return nil, fmt.Errorf("vicidial: fetch server: %w", err)
	}

	// Clean up whatever a crashed or abandoned session left behind.
	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_list SET status = 'ERI', user = '' WHERE status IN ('QUEUE', 'INCALL') AND user = ?`,
		agent.User); err != nil {
		return nil, fmt.Errorf("vicidial: reset stale leads: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM vicidial_hopper WHERE status IN ('QUEUE', 'INCALL', 'DONE') AND user = ?`,
		agent.User); err != nil {
		return nil, fmt.Errorf("vicidial: clear hopper: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM vicidial_live_agents WHERE user = ?`, agent.User); err != nil {
		return nil, fmt.Errorf("vicidial: clear live agent: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM vicidial_live_inbound_agents WHERE user = ?`, agent.User); err != nil {
		return nil, fmt.Errorf("vicidial: clear live inbound agent: %w", err)
	}

	// Reserve an available conference room on this server. The dialer
	// stores the reserving channel in vicidial_conferences.extension.
	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_conferences SET extension = ?
		 WHERE server_ip = ? AND (extension IS NULL OR extension = '') LIMIT 1`,
		sipChannel, serverIP); err != nil {
		return nil, fmt.Errorf("vicidial: reserve conference: %w", err)
	}

	var confExten string
	err = c.db.QueryRowContext(ctx,
		`SELECT conf_exten FROM vicidial_conferences WHERE server_ip = ? AND extension = ? LIMIT 1`,
		serverIP, sipChannel).Scan(&confExten)
	if err == sql.ErrNoRows {
		return nil, ErrNoConference
	}
	if err != nil {
		return nil, fmt.Errorf("vicidial: fetch conference: %w", err)
	}

	sessionName := fmt.Sprintf("%d_%s_%d", epoch, extension, 1000+rand.Intn(9000))

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO web_client_sessions (extension, server_ip, program, start_time, session_name)
		 VALUES (?, ?, 'vicidial', ?, ?)`,
		extension, serverIP, nowStr, sessionName); err != nil {
		return nil, fmt.Errorf("vicidial: register web client session: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_session_data
		 (session_name, user, campaign_id, server_ip, conf_exten, extension, login_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionName, agent.User, campaignID, serverIP, confExten, extension, nowStr); err != nil {
		return nil, fmt.Errorf("vicidial: store session data: %w", err)
	}

	// Ensure a campaign agent record exists and pick up its weighting.
	var campaignWeight, campaignGrade int64
	err = c.db.QueryRowContext(ctx,
		`SELECT campaign_weight, campaign_grade FROM vicidial_campaign_agents
		 WHERE user = ? AND campaign_id = ?`,
		agent.User, campaignID).Scan(&campaignWeight, &campaignGrade)
	if err == sql.ErrNoRows {
		campaignWeight, campaignGrade = 0, 1
		if _, err := c.db.ExecContext(ctx,
			`INSERT INTO vicidial_campaign_agents
			 (user, campaign_id, campaign_rank, campaign_weight, calls_today, campaign_grade)
			 VALUES (?, ?, 0, 0, 0, 1)`,
			agent.User, campaignID); err != nil {
			return nil, fmt.Errorf("vicidial: create campaign agent: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("vicidial: fetch campaign agent: %w", err)
	}

	// Register the agent as live. They start PAUSED with pause_code LOGIN.
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_live_agents
		 (user, server_ip, conf_exten, extension, status, lead_id, campaign_id,
		  uniqueid, callerid, channel, random_id,
		  last_call_time, last_call_finish, user_level, campaign_weight, calls_today,
		  last_state_change, outbound_autodial, manager_ingroup_set,
		  on_hook_ring_time, on_hook_agent, campaign_grade, pause_code,
		  last_inbound_call_time, last_inbound_call_finish,
		  last_inbound_call_time_filtered, last_inbound_call_finish_filtered)
		 VALUES (?, ?, ?, ?, 'PAUSED', 0, ?, '', '', '', ?, ?, ?, ?, ?, 0, ?, 'N', 'N', ?, ?, ?, 'LOGIN', ?, ?, ?, ?)`,
		agent.User, serverIP, confExten, sipChannel, campaignID,
		10000000+rand.Intn(10000000),
		nowStr, nowStr, level, campaignWeight,
		nowStr, int64Or(ringTimeout, 60), stringOr(onHookAgent, "N"), campaignGrade,
		nowStr, nowStr, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("vicidial: register live agent: %w", err)
	}

	// Open the first accounting window (the LOGIN pause).
	result, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_agent_log
		 (user, server_ip, event_time, campaign_id, pause_epoch, pause_sec,
		  wait_epoch, wait_sec, user_group, sub_status, pause_type)
		 VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, 'LOGIN', 'AGENT')`,
		agent.User, serverIP, nowStr, campaignID, epoch, epoch, group)
	if err != nil {
		return nil, fmt.Errorf("vicidial: open agent log: %w", err)
	}
	agentLogID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("vicidial: read agent log id: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_campaigns SET campaign_logindate = ? WHERE campaign_id = ?`,
		nowStr, campaignID); err != nil {
		return nil, fmt.Errorf("vicidial: stamp campaign login: %w", err)
	}

	// Ring the agent's softphone into the conference bridge.
	callerID := LoginCallerID(now, confExten)
	err = c.queue.Originate(ctx, serverIP, callerID, []string{
		"Channel: " + sipChannel,
		"Context: " + dialplanContext,
		"Exten: " + confExten,
		"Priority: 1",
		fmt.Sprintf("Callerid: %q <%s>", callerID, callerID),
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("user", agent.User).
		Str("campaign_id", campaignID).
		Str("conf_exten", confExten).
		Msg("agent logged in")

	return &LoginResult{
		ServerIP:    serverIP,
		ConfExten:   confExten,
		SessionName: sessionName,
		AgentLogID:  agentLogID,
		UserGroup:   group,
	}, nil
}

// SetReady moves the live agent to READY, closes the pause window and opens
// a wait window
func (c *DBCommander) SetReady(ctx context.Context, agent Agent, sess *session.Session) (int64, error) {
	now := time.Now()
	epoch := now.Unix()

	pauseSec := c.elapsedSince(ctx, sess.AgentLogID, "pause_epoch", epoch)

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents
		 SET status = 'READY', uniqueid = 0, callerid = '', channel = '',
		     random_id = ?, pause_code = '', last_state_change = ?
		 WHERE user = ? AND server_ip = ? AND status NOT IN ('QUEUE', 'INCALL')`,
		10000000+rand.Intn(10000000), now.Format(mysqlTimeFormat),
		agent.User, sess.ServerIP); err != nil {
		return 0, fmt.Errorf("vicidial: set live agent ready: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_agent_log SET pause_sec = ?, wait_epoch = ? WHERE agent_log_id = ?`,
		pauseSec, epoch, sess.AgentLogID); err != nil {
		return 0, fmt.Errorf("vicidial: close pause window: %w", err)
	}

	return c.openLogWindow(ctx, agent.User, sess, epoch, now, "")
}

// SetPaused moves the live agent to PAUSED, closes the wait window and
// opens a pause window tagged with the pause code
func (c *DBCommander) SetPaused(ctx context.Context, agent Agent, sess *session.Session, pauseCode string) (int64, error) {
	now := time.Now()
	epoch := now.Unix()

	waitSec := c.elapsedSince(ctx, sess.AgentLogID, "wait_epoch", epoch)

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents
		 SET status = 'PAUSED', random_id = ?, pause_code = ?, last_state_change = ?
		 WHERE user = ? AND server_ip = ? AND status NOT IN ('QUEUE', 'INCALL')`,
		10000000+rand.Intn(10000000), pauseCode, now.Format(mysqlTimeFormat),
		agent.User, sess.ServerIP); err != nil {
		return 0, fmt.Errorf("vicidial: set live agent paused: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_agent_log SET wait_sec = ? WHERE agent_log_id = ?`,
		waitSec, sess.AgentLogID); err != nil {
		return 0, fmt.Errorf("vicidial: close wait window: %w", err)
	}

	return c.openLogWindow(ctx, agent.User, sess, epoch, now, pauseCode)
}

// Dial places a manual outbound call through the agent's conference bridge.
// A zero leadID resolves (or creates) the lead in the campaign's manual
// dial list.
func (c *DBCommander) Dial(ctx context.Context, agent Agent, sess *session.Session, phoneNumber, phoneCode string, leadID int64) (*DialResult, error) {
	if sess.ServerIP == "" || sess.ConfExten == "" {
		return nil, ErrNoSessionData
	}

	now := time.Now()
	nowStr := now.Format(mysqlTimeFormat)
	epoch := now.Unix()

	extContext := c.extContextFor(ctx, agent.User)

	var dialPrefix, omitPhoneCode sql.NullString
	var dialTimeout, manualListID sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT dial_prefix, dial_timeout, manual_dial_list_id, omit_phone_code
		 FROM vicidial_campaigns WHERE campaign_id = ?`,
		sess.CampaignID).Scan(&dialPrefix, &dialTimeout, &manualListID, &omitPhoneCode)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch campaign dial settings: %w", err)
	}

	timeoutMs := int64Or(dialTimeout, 60)
	if timeoutMs < 10 {
		timeoutMs = 10
	}
	timeoutMs *= 1000
	listID := int64Or(manualListID, 998)
	if listID == 0 {
		listID = 998
	}

	if leadID == 0 {
		leadID, err = c.resolveLead(ctx, phoneNumber, phoneCode, listID, nowStr)
		if err != nil {
			return nil, err
		}
	}

	callerID := ManualDialCallerID(now, leadID)
	dialString := DialString(dialPrefix.String, phoneCode, phoneNumber, omitPhoneCode.String == "Y")
	localChannel := LocalDialChannel(sess.ConfExten, extContext)

	err = c.queue.Originate(ctx, sess.ServerIP, callerID, []string{
		"Exten: " + dialString,
		"Context: " + extContext,
		"Channel: " + localChannel,
		"Priority: 1",
		"Callerid: " + callerID,
		fmt.Sprintf("Timeout: %d", timeoutMs),
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_dial_log
		 (caller_code, lead_id, server_ip, call_date, extension, channel, timeout, outbound_cid, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		callerID, leadID, sess.ServerIP, nowStr, dialString, localChannel, timeoutMs, callerID, extContext); err != nil {
		return nil, fmt.Errorf("vicidial: log dial attempt: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_auto_calls
		 (server_ip, campaign_id, status, lead_id, callerid, phone_code, phone_number, call_time, call_type)
		 VALUES (?, ?, 'XFER', ?, ?, ?, ?, ?, 'OUT')`,
		sess.ServerIP, sess.CampaignID, leadID, callerID, phoneCode, phoneNumber, nowStr); err != nil {
		return nil, fmt.Errorf("vicidial: register auto call: %w", err)
	}

	var callsToday int64
	if err := c.db.QueryRowContext(ctx,
		`SELECT calls_today FROM vicidial_live_agents WHERE user = ? AND server_ip = ?`,
		agent.User, sess.ServerIP).Scan(&callsToday); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch calls today: %w", err)
	}
	callsToday++

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents
		 SET status = 'INCALL', last_call_time = ?, callerid = ?, lead_id = ?,
		     comments = 'MANUAL', calls_today = ?, external_hangup = 0,
		     external_status = '', external_pause = '', external_dial = '',
		     last_state_change = ?, pause_code = ''
		 WHERE user = ? AND server_ip = ?`,
		nowStr, callerID, leadID, callsToday, nowStr, agent.User, sess.ServerIP); err != nil {
		return nil, fmt.Errorf("vicidial: set live agent incall: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_campaign_agents SET calls_today = ? WHERE user = ? AND campaign_id = ?`,
		callsToday, agent.User, sess.CampaignID); err != nil {
		return nil, fmt.Errorf("vicidial: update campaign agent: %w", err)
	}

	// Close the current wait/pause window and stamp the lead on it.
	if sess.AgentLogID != 0 {
		var pauseEpoch, waitEpoch sql.NullInt64
		err := c.db.QueryRowContext(ctx,
			`SELECT pause_epoch, wait_epoch FROM vicidial_agent_log WHERE agent_log_id = ?`,
			sess.AgentLogID).Scan(&pauseEpoch, &waitEpoch)
		if err == nil {
			if _, err := c.db.ExecContext(ctx,
				`UPDATE vicidial_agent_log SET pause_sec = ?, wait_epoch = ?, lead_id = ? WHERE agent_log_id = ?`,
				maxInt64(0, epoch-pauseEpoch.Int64), epoch, leadID, sess.AgentLogID); err != nil {
				return nil, fmt.Errorf("vicidial: close dial window: %w", err)
			}
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("vicidial: fetch agent log: %w", err)
		}
	}

	c.logger.Info().
		Str("user", agent.User).
		Str("caller_id", callerID).
		Int64("lead_id", leadID).
		Msg("manual dial queued")

	return &DialResult{CallerID: callerID, LeadID: leadID}, nil
}

// Hangup ends the customer leg while the agent stays in the conference.
// The customer channel is only known once the dialer has tracked the call in
// vicidial_auto_calls; without it there is nothing to target and the bridge
// empties on its own.
func (c *DBCommander) Hangup(ctx context.Context, agent Agent, sess *session.Session) error {
	if sess.ServerIP == "" || sess.ConfExten == "" {
		return nil
	}

	now := time.Now()
	callerID := HangupCallerID(now, sess.ConfExten)

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents SET external_hangup = 0 WHERE user = ?`,
		agent.User); err != nil {
		return fmt.Errorf("vicidial: reset external hangup: %w", err)
	}

	var channel sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT channel FROM vicidial_auto_calls WHERE callerid = ? AND server_ip = ?`,
		sess.Channel, sess.ServerIP).Scan(&channel)
	if err == sql.ErrNoRows || (err == nil && channel.String == "") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vicidial: fetch auto call: %w", err)
	}

	return c.queue.Hangup(ctx, sess.ServerIP, callerID, channel.String)
}

// Disposition records the call outcome against the lead and the call log,
// removes the live call entry and reopens accounting in PAUSED
func (c *DBCommander) Disposition(ctx context.Context, agent Agent, sess *session.Session, status string) (int64, error) {
	now := time.Now()
	nowStr := now.Format(mysqlTimeFormat)
	epoch := now.Unix()
	leadID := sess.CurrentLeadID

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents
		 SET status = 'PAUSED', callerid = '', lead_id = 0, channel = '', comments = '',
		     external_hangup = 0, external_status = '', last_state_change = ?, pause_code = ''
		 WHERE user = ? AND server_ip = ?`,
		nowStr, agent.User, sess.ServerIP); err != nil {
		return 0, fmt.Errorf("vicidial: set live agent paused: %w", err)
	}

	if leadID != "" {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE vicidial_list SET status = ?, user = ? WHERE lead_id = ?`,
			status, agent.User, leadID); err != nil {
			return 0, fmt.Errorf("vicidial: stamp lead status: %w", err)
		}
	}

	if leadID != "" && sess.Channel != "" {
		if err := c.recordCallLog(ctx, agent, sess, status, leadID, nowStr, epoch); err != nil {
			return 0, err
		}

		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM vicidial_auto_calls WHERE callerid = ?`, sess.Channel); err != nil {
			return 0, fmt.Errorf("vicidial: remove auto call: %w", err)
		}
	}

	if sess.AgentLogID != 0 {
		if err := c.closeDispoWindow(ctx, sess.AgentLogID, status, epoch); err != nil {
			return 0, err
		}
	}

	newLogID, err := c.openLogWindowWithLead(ctx, agent.User, sess, epoch, now, "", leadID)
	if err != nil {
		return 0, err
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_live_agents SET agent_log_id = ? WHERE user = ?`,
		newLogID, agent.User); err != nil {
		return 0, fmt.Errorf("vicidial: stamp live agent log id: %w", err)
	}

	return newLogID, nil
}

// Logout releases every dialer resource the login reserved and evicts the
// agent from their conference room
func (c *DBCommander) Logout(ctx context.Context, agent Agent, sess *session.Session) error {
	now := time.Now()
	epoch := now.Unix()

	// Close the final accounting window with whatever was still open.
	if sess.AgentLogID != 0 {
		var waitSec, pauseSec, waitEpoch, pauseEpoch sql.NullInt64
		err := c.db.QueryRowContext(ctx,
			`SELECT wait_sec, pause_sec, wait_epoch, pause_epoch
			 FROM vicidial_agent_log WHERE agent_log_id = ?`,
			sess.AgentLogID).Scan(&waitSec, &pauseSec, &waitEpoch, &pauseEpoch)
		if err == nil {
			if waitSec.Int64 == 0 {
				if _, err := c.db.ExecContext(ctx,
					`UPDATE vicidial_agent_log SET wait_sec = ? WHERE agent_log_id = ?`,
					maxInt64(0, epoch-waitEpoch.Int64), sess.AgentLogID); err != nil {
					return fmt.Errorf("vicidial: close wait window: %w", err)
				}
			}
			if pauseSec.Int64 == 0 {
				if _, err := c.db.ExecContext(ctx,
					`UPDATE vicidial_agent_log SET pause_sec = ? WHERE agent_log_id = ?`,
					maxInt64(0, epoch-pauseEpoch.Int64), sess.AgentLogID); err != nil {
					return fmt.Errorf("vicidial: close pause window: %w", err)
				}
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("vicidial: fetch agent log: %w", err)
		}
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_user_log
		 (user, event, campaign_id, event_date, event_epoch, user_group, session_id, server_ip)
		 VALUES (?, 'LOGOUT', ?, ?, ?, ?, ?, ?)`,
		agent.User, sess.CampaignID, now.Format(mysqlTimeFormat), epoch,
		sess.UserGroup, sess.SessionName, sess.ServerIP); err != nil {
		return fmt.Errorf("vicidial: write logout event: %w", err)
	}

	if err := c.hangupAgentLeg(ctx, agent, sess, now); err != nil {
		return err
	}

	if sess.ConfExten != "" && sess.ServerIP != "" {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE vicidial_conferences SET extension = '' WHERE server_ip = ? AND conf_exten = ?`,
			sess.ServerIP, sess.ConfExten); err != nil {
			return fmt.Errorf("vicidial: release conference: %w", err)
		}
	}

	if sess.SessionName != "" && sess.ServerIP != "" {
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM web_client_sessions WHERE server_ip = ? AND session_name = ?`,
			sess.ServerIP, sess.SessionName); err != nil {
			return fmt.Errorf("vicidial: remove web client session: %w", err)
		}
	}

	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM vicidial_live_agents WHERE server_ip = ? AND user = ?`,
		sess.ServerIP, agent.User); err != nil {
		return fmt.Errorf("vicidial: remove live agent: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM vicidial_live_inbound_agents WHERE user = ?`, agent.User); err != nil {
		return fmt.Errorf("vicidial: remove live inbound agent: %w", err)
	}

	c.logger.Info().Str("user", agent.User).Msg("agent logged out")
	return nil
}

// RingAgent re-queues the login Originate so the softphone rings back into
// the agent's conference room
func (c *DBCommander) RingAgent(ctx context.Context, agent Agent, sess *session.Session) error {
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

	sipChannel := stringOr(protocol, "SIP") + "/" + extension
	callerID := LoginCallerID(time.Now(), sess.ConfExten)

	return c.queue.Originate(ctx, sess.ServerIP, callerID, []string{
		"Channel: " + sipChannel,
		"Context: " + stringOr(extContext, "default"),
		"Exten: " + sess.ConfExten,
		"Priority: 1",
		fmt.Sprintf("Callerid: %q <%s>", callerID, callerID),
	})
}

// hangupAgentLeg queues the two logout commands: a Hangup for the agent's
// live channel when the dialer has recorded one, and the 5555-prefixed
// kickall Originate that clears the conference room regardless
func (c *DBCommander) hangupAgentLeg(ctx context.Context, agent Agent, sess *session.Session, now time.Time) error {
	if sess.ServerIP == "" || sess.ConfExten == "" {
		return nil
	}

	callerID := KickallCallerID(now, sess.ConfExten)
	extContext := c.extContextFor(ctx, agent.User)

	var channel sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT channel FROM vicidial_live_agents WHERE user = ? AND server_ip = ?`,
		agent.User, sess.ServerIP).Scan(&channel)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("vicidial: fetch live agent channel: %w", err)
	}

	if channel.String != "" {
		if err := c.queue.Hangup(ctx, sess.ServerIP, callerID, channel.String); err != nil {
			return err
		}
	}

	return c.queue.Originate(ctx, sess.ServerIP, callerID, []string{
		"Channel: " + KickallChannel(sess.ConfExten, extContext),
		"Context: " + extContext,
		"Exten: 8300",
		"Priority: 1",
		"Callerid: " + callerID,
		"",
		"",
		agent.User,
		agent.PhoneLogin,
	})
}

// resolveLead finds an existing lead for the number in the manual dial list
// or creates one. Two agents dialing the same new number can still race
// this; the dialer schema has no uniqueness constraint to lean on.
func (c *DBCommander) resolveLead(ctx context.Context, phoneNumber, phoneCode string, listID int64, nowStr string) (int64, error) {
	var leadID int64
	err := c.db.QueryRowContext(ctx,
		`SELECT lead_id FROM vicidial_list WHERE phone_number = ? AND list_id = ? LIMIT 1`,
		phoneNumber, listID).Scan(&leadID)
	if err == nil {
		return leadID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("vicidial: look up lead: %w", err)
	}

	result, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_list
		 (entry_date, status, list_id, entry_list_id, phone_code, phone_number,
		  called_since_last_reset, called_count, gmt_offset_now, `+"`rank`"+`, owner)
		 VALUES (?, 'NEW', ?, ?, ?, ?, 'N', 0, 0, 0, '')`,
		nowStr, listID, listID, phoneCode, phoneNumber)
	if err != nil {
		return 0, fmt.Errorf("vicidial: create lead: %w", err)
	}

	leadID, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("vicidial: read lead id: %w", err)
	}
	return leadID, nil
}

// recordCallLog inserts or updates the vicidial_log row for this call
func (c *DBCommander) recordCallLog(ctx context.Context, agent Agent, sess *session.Session, status, leadID, nowStr string, epoch int64) error {
	var listID, calledCount sql.NullInt64
	var phoneNumber, phoneCode sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT list_id, phone_number, phone_code, called_count FROM vicidial_list WHERE lead_id = ?`,
		leadID).Scan(&listID, &phoneNumber, &phoneCode, &calledCount)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("vicidial: fetch lead: %w", err)
	}

	fourHoursAgo := time.Unix(epoch, 0).Add(-4 * time.Hour).Format(mysqlTimeFormat)

	var uniqueID string
	err = c.db.QueryRowContext(ctx,
		`SELECT uniqueid FROM vicidial_log
		 WHERE lead_id = ? AND call_date > ? ORDER BY uniqueid DESC LIMIT 1`,
		leadID, fourHoursAgo).Scan(&uniqueID)
	if err == nil {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE vicidial_log SET status = ?, user = ? WHERE uniqueid = ?`,
			status, agent.User, uniqueID); err != nil {
			return fmt.Errorf("vicidial: update call log: %w", err)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("vicidial: look up call log: %w", err)
	}

	// No log row was created for this call; synthesize the dialer's
	// uniqueid convention of epoch.padded_lead_id.
	fakeUniqueID := fmt.Sprintf("%d.%09s", epoch, leadID)

	if _, err := c.db.ExecContext(ctx,
		`INSERT IGNORE INTO vicidial_log
		 (uniqueid, lead_id, list_id, campaign_id, call_date, start_epoch, end_epoch,
		  length_in_sec, status, phone_code, phone_number, user, comments, processed,
		  user_group, term_reason, alt_dial, called_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, 'MANUAL', 'N', ?, 'AGENT', 'MAIN', ?)`,
		fakeUniqueID, leadID, listID.Int64, sess.CampaignID, nowStr, epoch, epoch,
		status, stringOr(phoneCode, "1"), phoneNumber.String, agent.User,
		sess.UserGroup, calledCount.Int64); err != nil {
		return fmt.Errorf("vicidial: insert call log: %w", err)
	}
	return nil
}

// closeDispoWindow closes the current accounting window with disposition
// timing, backfilling talk and dispo epochs for calls that never bridged
func (c *DBCommander) closeDispoWindow(ctx context.Context, agentLogID int64, status string, epoch int64) error {
	var talkEpoch, waitEpoch, dispoEpoch, dispoSec sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT talk_epoch, wait_epoch, dispo_epoch, dispo_sec
		 FROM vicidial_agent_log WHERE agent_log_id = ?`,
		agentLogID).Scan(&talkEpoch, &waitEpoch, &dispoEpoch, &dispoSec)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vicidial: fetch agent log: %w", err)
	}

	talk := talkEpoch.Int64
	waitSec := int64(-1)
	if talk < 1000 {
		talk = epoch
		waitSec = maxInt64(0, epoch-waitEpoch.Int64)
	}
	dispo := dispoEpoch.Int64
	if dispo < 1000 {
		dispo = talk
	}
	dispoTotal := maxInt64(0, epoch-dispo) + dispoSec.Int64

	if waitSec >= 0 {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE vicidial_agent_log
			 SET status = ?, talk_epoch = ?, wait_sec = ?, dispo_epoch = ?, dispo_sec = ?
			 WHERE agent_log_id = ?`,
			status, talk, waitSec, dispo, dispoTotal, agentLogID); err != nil {
			return fmt.Errorf("vicidial: close dispo window: %w", err)
		}
		return nil
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE vicidial_agent_log
		 SET status = ?, dispo_epoch = ?, dispo_sec = ?
		 WHERE agent_log_id = ?`,
		status, dispo, dispoTotal, agentLogID); err != nil {
		return fmt.Errorf("vicidial: close dispo window: %w", err)
	}
	return nil
}

// openLogWindow opens a fresh accounting window and returns its id
func (c *DBCommander) openLogWindow(ctx context.Context, user string, sess *session.Session, epoch int64, now time.Time, subStatus string) (int64, error) {
	return c.openLogWindowWithLead(ctx, user, sess, epoch, now, subStatus, "")
}

func (c *DBCommander) openLogWindowWithLead(ctx context.Context, user string, sess *session.Session, epoch int64, now time.Time, subStatus, leadID string) (int64, error) {
	var sub interface{}
	if subStatus != "" {
		sub = subStatus
	}
	var lead interface{}
	if leadID != "" {
		lead = leadID
	}

	result, err := c.db.ExecContext(ctx,
		`INSERT INTO vicidial_agent_log
		 (user, server_ip, event_time, campaign_id, pause_epoch, pause_sec,
		  wait_epoch, wait_sec, user_group, sub_status, pause_type, lead_id)
		 VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, ?, 'AGENT', ?)`,
		user, sess.ServerIP, now.Format(mysqlTimeFormat), sess.CampaignID,
		epoch, epoch, sess.UserGroup, sub, lead)
	if err != nil {
		return 0, fmt.Errorf("vicidial: open agent log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("vicidial: read agent log id: %w", err)
	}
	return id, nil
}

// elapsedSince reads an epoch column off the current accounting window and
// returns the non-negative seconds elapsed
func (c *DBCommander) elapsedSince(ctx context.Context, agentLogID int64, column string, epoch int64) int64 {
	var started sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM vicidial_agent_log WHERE agent_log_id = ?`,
		agentLogID).Scan(&started)
	if err != nil {
		return 0
	}
	return maxInt64(0, epoch-started.Int64)
}

// extContextFor resolves the dialplan context from the agent's phone record
func (c *DBCommander) extContextFor(ctx context.Context, user string) string {
	var phoneLogin sql.NullString
	if err := c.db.QueryRowContext(ctx,
		`SELECT phone_login FROM vicidial_users WHERE user = ?`, user).Scan(&phoneLogin); err != nil {
		return "default"
	}
	if phoneLogin.String == "" {
		return "default"
	}

	var extContext sql.NullString
	if err := c.db.QueryRowContext(ctx,
		`SELECT ext_context FROM phones WHERE login = ?`, phoneLogin.String).Scan(&extContext); err != nil {
		return "default"
	}
	return stringOr(extContext, "default")
}

func stringOr(s sql.NullString, fallback string) string {
	if s.Valid && s.String != "" {
		return s.String
	}
	return fallback
}

func int64Or(n sql.NullInt64, fallback int64) int64 {
	if n.Valid && n.Int64 != 0 {
		return n.Int64
	}
	return fallback
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
