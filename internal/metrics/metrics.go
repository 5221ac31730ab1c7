package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Event stream metrics
	EventsReceivedTotal    int64
	EventsCorrelatedTotal  int64
	CorrelationMissesTotal int64
	ReconnectsTotal        int64

	// Command metrics
	CommandsIssuedTotal int64
	CommandErrorsTotal  int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	activeConnections            int64

	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{startTime: time.Now()}
	})
	return instance
}

// RecordEventReceived increments the events received counter
func (m *Metrics) RecordEventReceived() {
	m.mu.Lock()
	m.EventsReceivedTotal++
	m.mu.Unlock()
}

// RecordEventCorrelated increments the correlated events counter
func (m *Metrics) RecordEventCorrelated() {
	m.mu.Lock()
	m.EventsCorrelatedTotal++
	m.mu.Unlock()
}

// RecordCorrelationMiss increments the dropped-event counter
func (m *Metrics) RecordCorrelationMiss() {
	m.mu.Lock()
	m.CorrelationMissesTotal++
	m.mu.Unlock()
}

// RecordReconnect increments the listener reconnect counter
func (m *Metrics) RecordReconnect() {
	m.mu.Lock()
	m.ReconnectsTotal++
	m.mu.Unlock()
}

// RecordCommandIssued increments the issued-command counter
func (m *Metrics) RecordCommandIssued() {
	m.mu.Lock()
	m.CommandsIssuedTotal++
	m.mu.Unlock()
}

// RecordCommandError increments the failed-command counter
func (m *Metrics) RecordCommandError() {
	m.mu.Lock()
	m.CommandErrorsTotal++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments the disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counter values
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"events_received_total":    m.EventsReceivedTotal,
		"events_correlated_total":  m.EventsCorrelatedTotal,
		"correlation_misses_total": m.CorrelationMissesTotal,
		"reconnects_total":         m.ReconnectsTotal,
		"commands_issued_total":    m.CommandsIssuedTotal,
		"command_errors_total":     m.CommandErrorsTotal,
		"ws_connections_total":     m.WebSocketConnectionsTotal,
		"ws_disconnections_total":  m.WebSocketDisconnectionsTotal,
		"ws_active_connections":    m.activeConnections,
		"uptime_seconds":           int64(time.Since(m.startTime).Seconds()),
	}
}

// Handler serves the current metrics as JSON
func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Snapshot())
}
