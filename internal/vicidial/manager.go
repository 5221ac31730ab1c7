package vicidial

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
)

const mysqlTimeFormat = "2006-01-02 15:04:05"

// managerCommandLines is the fixed number of free-form parameter lines a
// vicidial_manager row carries (cmd_line_b through cmd_line_k)
const managerCommandLines = 10

// ManagerQueue writes command rows into vicidial_manager. The dialer's
// daemon polls the table for rows with status NEW and executes them; there
// is no synchronous confirmation, only later telephony events.
type ManagerQueue struct {
	db *sql.DB
}

// NewManagerQueue creates a queue client on the shared dialer database
func NewManagerQueue(db *sql.DB) *ManagerQueue {
	return &ManagerQueue{db: db}
}

// Enqueue inserts one command row. lines fills cmd_line_b onward, each one
// a "Key: Value" string whose meaning depends on the action; unused lines
// are stored empty.
func (q *ManagerQueue) Enqueue(ctx context.Context, serverIP, action, callerID string, lines []string) error {
	if len(lines) > managerCommandLines {
		return fmt.Errorf("vicidial: command has %d parameter lines, maximum is %d", len(lines), managerCommandLines)
	}

	padded := make([]interface{}, managerCommandLines)
	for i := range padded {
		if i < len(lines) {
			padded[i] = lines[i]
		} else {
			padded[i] = ""
		}
	}

	args := append([]interface{}{
		time.Now().Format(mysqlTimeFormat), serverIP, action, callerID,
	}, padded...)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO vicidial_manager (
			uniqueid, entry_date, status, response, server_ip, channel,
			action, callerid,
			cmd_line_b, cmd_line_c, cmd_line_d, cmd_line_e, cmd_line_f,
			cmd_line_g, cmd_line_h, cmd_line_i, cmd_line_j, cmd_line_k
		) VALUES ('', ?, 'NEW', 'N', ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		metrics.Get().RecordCommandError()
		return fmt.Errorf("vicidial: enqueue %s command: %w", action, err)
	}

	metrics.Get().RecordCommandIssued()
	return nil
}

// Originate queues an Originate command
func (q *ManagerQueue) Originate(ctx context.Context, serverIP, callerID string, lines []string) error {
	return q.Enqueue(ctx, serverIP, "Originate", callerID, lines)
}

// Hangup queues a Hangup command targeting one channel
func (q *ManagerQueue) Hangup(ctx context.Context, serverIP, callerID, channel string) error {
	return q.Enqueue(ctx, serverIP, "Hangup", callerID, []string{"Channel: " + channel})
}
