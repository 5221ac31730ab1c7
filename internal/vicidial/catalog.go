package vicidial

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Campaign is one dialer campaign an agent can log into
type Campaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Disposition is one outcome an agent can pick for a finished call
type Disposition struct {
	Status string `json:"status"`
	Name   string `json:"name"`
	Sale   bool   `json:"sale"`
	DNC    bool   `json:"dnc"`
}

// Performance summarizes an agent's day so far
type Performance struct {
	CallsToday         int64   `json:"callsToday"`
	TotalTalkSeconds   int64   `json:"totalTalkSeconds"`
	AvgDurationSeconds int64   `json:"avgDurationSeconds"`
	ConversionRate     float64 `json:"conversionRate"`
}

// Catalog reads campaign and disposition reference data off the shared
// dialer database
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a catalog on the shared dialer database
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// ActiveCampaigns lists the campaigns agents may log into
func (c *Catalog) ActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT campaign_id, campaign_name FROM vicidial_campaigns WHERE active = 'Y' ORDER BY campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("vicidial: list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var cmp Campaign
		var name sql.NullString
		if err := rows.Scan(&cmp.ID, &name); err != nil {
			return nil, fmt.Errorf("vicidial: scan campaign: %w", err)
		}
		cmp.Name = name.String
		campaigns = append(campaigns, cmp)
	}
	return campaigns, rows.Err()
}

// CampaignName returns the display name of one active campaign, or an empty
// string when the campaign does not exist or is inactive
func (c *Catalog) CampaignName(ctx context.Context, campaignID string) (string, error) {
	var name sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT campaign_name FROM vicidial_campaigns WHERE campaign_id = ? AND active = 'Y'`,
		campaignID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("vicidial: fetch campaign: %w", err)
	}
	return name.String, nil
}

// SelectableDispositions lists the outcomes agents may pick on the given
// campaign
func (c *Catalog) SelectableDispositions(ctx context.Context, campaignID string) ([]Disposition, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT status, status_name, sale, dnc FROM vicidial_campaign_statuses
		 WHERE campaign_id = ? AND selectable = 'Y' ORDER BY status`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("vicidial: list dispositions: %w", err)
	}
	defer rows.Close()

	var dispositions []Disposition
	for rows.Next() {
		var d Disposition
		var name, sale, dnc sql.NullString
		if err := rows.Scan(&d.Status, &name, &sale, &dnc); err != nil {
			return nil, fmt.Errorf("vicidial: scan disposition: %w", err)
		}
		d.Name = name.String
		d.Sale = sale.String == "Y"
		d.DNC = dnc.String == "Y"
		dispositions = append(dispositions, d)
	}
	return dispositions, rows.Err()
}

// IsSelectable reports whether the status is a valid disposition choice on
// the campaign
func (c *Catalog) IsSelectable(ctx context.Context, campaignID, status string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM vicidial_campaign_statuses
		 WHERE campaign_id = ? AND status = ? AND selectable = 'Y'`,
		campaignID, status).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vicidial: check disposition: %w", err)
	}
	return true, nil
}

// AgentPerformance computes today's call counts, talk time and conversion
// rate for the agent. Conversions are calls that landed on one of the
// campaign's sale statuses.
func (c *Catalog) AgentPerformance(ctx context.Context, user, serverIP, campaignID string) (*Performance, error) {
	perf := &Performance{}
	today := time.Now().Format("2006-01-02")

	var callsToday sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT calls_today FROM vicidial_live_agents WHERE user = ? AND server_ip = ?`,
		user, serverIP).Scan(&callsToday)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch calls today: %w", err)
	}
	perf.CallsToday = callsToday.Int64

	var totalTalk, avgTalk sql.NullFloat64
	err = c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length_in_sec), 0), COALESCE(AVG(length_in_sec), 0)
		 FROM vicidial_log WHERE user = ? AND DATE(call_date) = ?`,
		user, today).Scan(&totalTalk, &avgTalk)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch talk stats: %w", err)
	}
	perf.TotalTalkSeconds = int64(totalTalk.Float64)
	perf.AvgDurationSeconds = int64(math.Round(avgTalk.Float64))

	var conversions int64
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vicidial_log
		 WHERE user = ? AND DATE(call_date) = ?
		   AND status IN (SELECT status FROM vicidial_campaign_statuses WHERE campaign_id = ? AND sale = 'Y')`,
		user, today, campaignID).Scan(&conversions)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("vicidial: fetch conversions: %w", err)
	}

	if perf.CallsToday > 0 {
		perf.ConversionRate = math.Round(float64(conversions)/float64(perf.CallsToday)*1000) / 10
	}
	return perf, nil
}
