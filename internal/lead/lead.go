// Package lead reads customer lead records off the shared dialer database
// for display alongside live calls.
package lead

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DispositionRecord is one prior call outcome for a lead
type DispositionRecord struct {
	CalledAt        string `json:"calledAt"`
	Status          string `json:"status"`
	AgentID         string `json:"agentId"`
	DurationSeconds int64  `json:"durationSeconds"`
	Notes           string `json:"notes"`
}

// Lead is the customer record shown to the agent during a call
type Lead struct {
	ID                   int64               `json:"id"`
	FirstName            string              `json:"firstName"`
	LastName             string              `json:"lastName"`
	Phone                string              `json:"phone"`
	PhoneCode            string              `json:"phoneCode"`
	Status               string              `json:"status"`
	Email                string              `json:"email"`
	Address              string              `json:"address"`
	Notes                string              `json:"notes"`
	CalledCount          int64               `json:"calledCount"`
	PreviousDispositions []DispositionRecord `json:"previousDispositions"`
	CustomFields         map[string]string   `json:"customFields"`
}

// FullName joins the lead's name parts, skipping empties
func (l *Lead) FullName() string {
	parts := make([]string, 0, 2)
	if l.FirstName != "" {
		parts = append(parts, l.FirstName)
	}
	if l.LastName != "" {
		parts = append(parts, l.LastName)
	}
	return strings.Join(parts, " ")
}

// Repository looks up lead records by dialer lead id
type Repository interface {
	FindByLeadID(ctx context.Context, leadID int64) (*Lead, error)
}

// dispositionHistoryLimit caps the call history shown with a lead
const dispositionHistoryLimit = 10

type repository struct {
	db *sql.DB
}

// NewRepository creates a lead repository on the shared dialer database
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

// FindByLeadID loads the lead record plus its recent call history. A missing
// lead returns nil without error.
func (r *repository) FindByLeadID(ctx context.Context, leadID int64) (*Lead, error) {
	lead := &Lead{ID: leadID}

	var firstName, lastName, phone, phoneCode, status, email sql.NullString
	var address1, city, state, postalCode, comments sql.NullString
	var vendorLeadCode, sourceID sql.NullString
	var calledCount sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT first_name, last_name, phone_number, phone_code, status, email,
		        address1, city, state, postal_code, comments,
		        vendor_lead_code, source_id, called_count
		 FROM vicidial_list WHERE lead_id = ?`,
		leadID).Scan(
		&firstName, &lastName, &phone, &phoneCode, &status, &email,
		&address1, &city, &state, &postalCode, &comments,
		&vendorLeadCode, &sourceID, &calledCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lead: fetch lead %d: %w", leadID, err)
	}

	lead.FirstName = firstName.String
	lead.LastName = lastName.String
	lead.Phone = phone.String
	lead.PhoneCode = phoneCode.String
	if lead.PhoneCode == "" {
		lead.PhoneCode = "1"
	}
	lead.Status = status.String
	lead.Email = email.String
	lead.Address = joinAddress(address1.String, city.String, state.String, postalCode.String)
	lead.Notes = comments.String
	lead.CalledCount = calledCount.Int64
	lead.CustomFields = map[string]string{
		"vendor_lead_code": vendorLeadCode.String,
		"source_id":        sourceID.String,
	}

	history, err := r.loadHistory(ctx, leadID)
	if err != nil {
		return nil, err
	}
	lead.PreviousDispositions = history

	return lead, nil
}

func (r *repository) loadHistory(ctx context.Context, leadID int64) ([]DispositionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT call_date, status, user, length_in_sec, comments
		 FROM vicidial_log WHERE lead_id = ?
		 ORDER BY call_date DESC LIMIT ?`,
		leadID, dispositionHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("lead: fetch call history for %d: %w", leadID, err)
	}
	defer rows.Close()

	var history []DispositionRecord
	for rows.Next() {
		var rec DispositionRecord
		var calledAt, status, user, notes sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&calledAt, &status, &user, &duration, &notes); err != nil {
			return nil, fmt.Errorf("lead: scan call history: %w", err)
		}
		rec.CalledAt = calledAt.String
		rec.Status = status.String
		rec.AgentID = user.String
		rec.DurationSeconds = duration.Int64
		rec.Notes = notes.String
		history = append(history, rec)
	}
	return history, rows.Err()
}

func joinAddress(parts ...string) string {
	filled := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			filled = append(filled, p)
		}
	}
	return strings.Join(filled, ", ")
}
