package session

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/masterfermin02/vic-agent-ui/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "campaign_id", "campaign_name", "status",
		"server_ip", "conf_exten", "session_name", "agent_log_id", "user_group",
		"asterisk_channel", "current_lead_id", "current_phone", "current_lead_name",
		"call_started_at", "created_at", "updated_at",
	})
}

func TestCreateSetsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO agent_sessions").
		WithArgs(int64(7), "TESTCAMP", "Test Campaign", types.StatusPaused,
			"10.0.0.4", "8600051", "1700000000_101_4242", int64(991), "AGENTS",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	store := NewStore(db)
	sess := &Session{
		UserID:       7,
		CampaignID:   "TESTCAMP",
		CampaignName: "Test Campaign",
		Status:       types.StatusPaused,
		ServerIP:     "10.0.0.4",
		ConfExten:    "8600051",
		SessionName:  "1700000000_101_4242",
		AgentLogID:   991,
		UserGroup:    "AGENTS",
	}

	require.NoError(t, store.Create(context.Background(), sess))
	assert.Equal(t, int64(42), sess.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByUserIDNoSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM agent_sessions WHERE user_id").
		WithArgs(int64(7)).
		WillReturnRows(sessionRows())

	store := NewStore(db)
	sess, err := store.GetByUserID(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, sess, "missing session must be nil, not an error")
}

func TestGetByUserIDScansNullableFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sessionRows().AddRow(
		int64(42), int64(7), "TESTCAMP", nil, "paused",
		"10.0.0.4", "8600051", nil, nil, nil,
		nil, nil, nil, nil,
		nil, now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM agent_sessions WHERE user_id").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	store := NewStore(db)
	sess, err := store.GetByUserID(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, types.StatusPaused, sess.Status)
	assert.Empty(t, sess.Channel)
	assert.Nil(t, sess.CallStartedAt)
	assert.Zero(t, sess.AgentLogID)
}

func TestFindByChannelOrdersByNewestSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sessionRows().AddRow(
		int64(99), int64(7), "TESTCAMP", "Test", "incall",
		"10.0.0.4", "8600051", "sess", int64(991), "AGENTS",
		"SIP/101-00000001", "12345", "5551234567", "Jane Doe",
		now, now, now,
	)

	mock.ExpectQuery(`SELECT (.+) FROM agent_sessions\s+WHERE asterisk_channel IN \(\?, \?\)\s+ORDER BY id DESC LIMIT 1`).
		WithArgs("SIP/101-00000001;1", "SIP/101-00000001").
		WillReturnRows(rows)

	store := NewStore(db)
	sess, err := store.FindByChannel(context.Background(), []string{"SIP/101-00000001;1", "SIP/101-00000001"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(99), sess.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByChannelEmptyCandidates(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	sess, err := store.FindByChannel(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestMarkAnsweredPreservesExistingChannel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The CASE keeps a channel stamped by a manual dial; the event channel
	// only fills an empty column.
	mock.ExpectExec(`UPDATE agent_sessions\s+SET status = \?,\s+asterisk_channel = CASE`).
		WithArgs(types.StatusInCall, "SIP/101-00000001", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	err = store.MarkAnswered(context.Background(), 42, "SIP/101-00000001", time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearCallWipesCallContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE agent_sessions\s+SET status = \?, agent_log_id = \?,\s+asterisk_channel = NULL, current_lead_id = NULL,\s+current_phone = NULL, current_lead_name = NULL,\s+call_started_at = NULL`).
		WithArgs(types.StatusPaused, int64(1002), sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	require.NoError(t, store.ClearCall(context.Background(), 42, 1002))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM agent_sessions WHERE id").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	require.NoError(t, store.Delete(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}
