package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/types"
)

const sessionColumns = `id, user_id, campaign_id, campaign_name, status,
	server_ip, conf_exten, session_name, agent_log_id, user_group,
	asterisk_channel, current_lead_id, current_phone, current_lead_name,
	call_started_at, created_at, updated_at`

// Store handles database operations for agent sessions. Every state
// transition is a single UPDATE scoped by session id, so concurrent writers
// (the event listener and UI request handlers) resolve by last write wins
// without partial rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store on the application database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new session row and sets its id
func (s *Store) Create(ctx context.Context, sess *Session) error {
	now := time.Now()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (
			user_id, campaign_id, campaign_name, status,
			server_ip, conf_exten, session_name, agent_log_id, user_group,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.CampaignID, sess.CampaignName, sess.Status,
		sess.ServerIP, sess.ConfExten, sess.SessionName, sess.AgentLogID, sess.UserGroup,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}

	sess.ID = id
	sess.CreatedAt = now
	sess.UpdatedAt = now
	return nil
}

// GetByUserID returns the user's session, or nil when they are not logged in
func (s *Store) GetByUserID(ctx context.Context, userID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE user_id = ?`, userID)
	return scanSession(row)
}

// GetByID returns the session with the given id, or nil when it is gone
func (s *Store) GetByID(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Delete removes a session row on logout
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete agent session: %w", err)
	}
	return nil
}

// SetStatus moves a session between ready and paused, stamping the new
// accounting window in the same statement
func (s *Store) SetStatus(ctx context.Context, id int64, status types.AgentStatus, agentLogID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET status = ?, agent_log_id = ?, updated_at = ?
		WHERE id = ?`,
		status, agentLogID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// MarkDialing stamps a manual dial: status, correlation channel, lead
// reference, dialed number and call start, all in one statement
func (s *Store) MarkDialing(ctx context.Context, id int64, channel, leadID, phone string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET status = ?, asterisk_channel = ?, current_lead_id = ?,
		    current_phone = ?, call_started_at = ?, updated_at = ?
		WHERE id = ?`,
		types.StatusInCall, channel, leadID, phone, startedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session dialing: %w", err)
	}
	return nil
}

// MarkAnswered moves a session to incall when the telephony layer reports a
// bridge. The correlation channel set by a manual dial is preserved; it is
// only stamped from the event when still empty, in the same statement so a
// racing dial cannot be overwritten.
func (s *Store) MarkAnswered(ctx context.Context, id int64, channel string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET status = ?,
		    asterisk_channel = CASE
		        WHEN asterisk_channel IS NULL OR asterisk_channel = '' THEN ?
		        ELSE asterisk_channel
		    END,
		    call_started_at = ?, updated_at = ?
		WHERE id = ?`,
		types.StatusInCall, channel, startedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session answered: %w", err)
	}
	return nil
}

// MarkWrapup moves a session out of the live call into wrap-up
func (s *Store) MarkWrapup(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET status = ?, updated_at = ?
		WHERE id = ?`,
		types.StatusWrapup, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session wrapup: %w", err)
	}
	return nil
}

// ClearCall finishes the wrap-up: the disposition has been recorded, so the
// call context is wiped and the session returns to paused with its new
// accounting window
func (s *Store) ClearCall(ctx context.Context, id int64, agentLogID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET status = ?, agent_log_id = ?,
		    asterisk_channel = NULL, current_lead_id = NULL,
		    current_phone = NULL, current_lead_name = NULL,
		    call_started_at = NULL, updated_at = ?
		WHERE id = ?`,
		types.StatusPaused, agentLogID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to clear session call: %w", err)
	}
	return nil
}

// SetLeadName stamps the display name once lead data has been looked up
func (s *Store) SetLeadName(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET current_lead_name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set lead name: %w", err)
	}
	return nil
}

// FindByChannel returns the most recently created session whose correlation
// channel matches any of the candidates. Ties on creation order are broken
// by the larger session id.
func (s *Store) FindByChannel(ctx context.Context, candidates []string) (*Session, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(candidates)), ", ")
	args := make([]interface{}, len(candidates))
	for i, c := range candidates {
		args[i] = c
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE asterisk_channel IN (`+placeholders+`)
		 ORDER BY id DESC LIMIT 1`, args...)
	return scanSession(row)
}

// FindByConfExten returns the most recently created session bound to the
// given conference extension
func (s *Store) FindByConfExten(ctx context.Context, confExten string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE conf_exten = ?
		 ORDER BY id DESC LIMIT 1`, confExten)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var campaignName, serverIP, confExten, sessionName, userGroup sql.NullString
	var channel, leadID, phone, leadName sql.NullString
	var agentLogID sql.NullInt64
	var callStartedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CampaignID, &campaignName, &sess.Status,
		&serverIP, &confExten, &sessionName, &agentLogID, &userGroup,
		&channel, &leadID, &phone, &leadName,
		&callStartedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent session: %w", err)
	}

	sess.CampaignName = campaignName.String
	sess.ServerIP = serverIP.String
	sess.ConfExten = confExten.String
	sess.SessionName = sessionName.String
	sess.AgentLogID = agentLogID.Int64
	sess.UserGroup = userGroup.String
	sess.Channel = channel.String
	sess.CurrentLeadID = leadID.String
	sess.CurrentPhone = phone.String
	sess.CurrentLeadName = leadName.String
	if callStartedAt.Valid {
		t := callStartedAt.Time
		sess.CallStartedAt = &t
	}

	return sess, nil
}
