package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/masterfermin02/vic-agent-ui/internal/ami"
	"github.com/masterfermin02/vic-agent-ui/internal/lead"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/masterfermin02/vic-agent-ui/internal/types"
	"github.com/masterfermin02/vic-agent-ui/internal/vicidial"
)

type fakeStore struct {
	sessions map[int64]*session.Session
	nextID   int64
}

func newFakeStore(sessions ...*session.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[int64]*session.Session), nextID: 1}
	for _, sess := range sessions {
		s.sessions[sess.UserID] = sess
		if sess.ID >= s.nextID {
			s.nextID = sess.ID + 1
		}
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, sess *session.Session) error {
	sess.ID = s.nextID
	s.nextID++
	s.sessions[sess.UserID] = sess
	return nil
}

func (s *fakeStore) GetByUserID(_ context.Context, userID int64) (*session.Session, error) {
	return s.sessions[userID], nil
}

func (s *fakeStore) Delete(_ context.Context, id int64) error {
	for userID, sess := range s.sessions {
		if sess.ID == id {
			delete(s.sessions, userID)
		}
	}
	return nil
}

func (s *fakeStore) byID(id int64) *session.Session {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func (s *fakeStore) SetStatus(_ context.Context, id int64, status types.AgentStatus, agentLogID int64) error {
	sess := s.byID(id)
	sess.Status = status
	sess.AgentLogID = agentLogID
	return nil
}

func (s *fakeStore) MarkDialing(_ context.Context, id int64, channel, leadID, phone string, startedAt time.Time) error {
	sess := s.byID(id)
	sess.Status = types.StatusInCall
	sess.Channel = channel
	sess.CurrentLeadID = leadID
	sess.CurrentPhone = phone
	sess.CallStartedAt = &startedAt
	return nil
}

func (s *fakeStore) MarkAnswered(_ context.Context, id int64, channel string, startedAt time.Time) error {
	sess := s.byID(id)
	sess.Status = types.StatusInCall
	if sess.Channel == "" {
		sess.Channel = channel
	}
	sess.CallStartedAt = &startedAt
	return nil
}

func (s *fakeStore) MarkWrapup(_ context.Context, id int64) error {
	s.byID(id).Status = types.StatusWrapup
	return nil
}

func (s *fakeStore) ClearCall(_ context.Context, id int64, agentLogID int64) error {
	sess := s.byID(id)
	sess.Status = types.StatusPaused
	sess.AgentLogID = agentLogID
	sess.Channel = ""
	sess.CurrentLeadID = ""
	sess.CurrentPhone = ""
	sess.CurrentLeadName = ""
	sess.CallStartedAt = nil
	return nil
}

func (s *fakeStore) SetLeadName(_ context.Context, id int64, name string) error {
	s.byID(id).CurrentLeadName = name
	return nil
}

type fakeCommander struct {
	loginResult *vicidial.LoginResult
	dialResult  *vicidial.DialResult
	nextLogID   int64
	err         error
	calls       []string
	pauseCode   string
}

func (c *fakeCommander) record(op string) { c.calls = append(c.calls, op) }

func (c *fakeCommander) Login(context.Context, vicidial.Agent, string) (*vicidial.LoginResult, error) {
	c.record("login")
	return c.loginResult, c.err
}

func (c *fakeCommander) SetReady(context.Context, vicidial.Agent, *session.Session) (int64, error) {
	c.record("ready")
	return c.nextLogID, c.err
}

func (c *fakeCommander) SetPaused(_ context.Context, _ vicidial.Agent, _ *session.Session, pauseCode string) (int64, error) {
	c.record("paused")
	c.pauseCode = pauseCode
	return c.nextLogID, c.err
}

func (c *fakeCommander) Dial(context.Context, vicidial.Agent, *session.Session, string, string, int64) (*vicidial.DialResult, error) {
	c.record("dial")
	return c.dialResult, c.err
}

func (c *fakeCommander) Hangup(context.Context, vicidial.Agent, *session.Session) error {
	c.record("hangup")
	return c.err
}

func (c *fakeCommander) Disposition(context.Context, vicidial.Agent, *session.Session, string) (int64, error) {
	c.record("disposition")
	return c.nextLogID, c.err
}

func (c *fakeCommander) Logout(context.Context, vicidial.Agent, *session.Session) error {
	c.record("logout")
	return c.err
}

func (c *fakeCommander) RingAgent(context.Context, vicidial.Agent, *session.Session) error {
	c.record("ring")
	return c.err
}

type fakeResolver struct {
	sess *session.Session
}

func (r *fakeResolver) Resolve(context.Context, ami.Event) (*session.Session, error) {
	return r.sess, nil
}

type fakeCatalog struct {
	campaigns  map[string]string
	selectable map[string]bool
}

func (c *fakeCatalog) CampaignName(_ context.Context, id string) (string, error) {
	return c.campaigns[id], nil
}

func (c *fakeCatalog) IsSelectable(_ context.Context, _, status string) (bool, error) {
	return c.selectable[status], nil
}

type fakeLeads struct {
	leads map[int64]*lead.Lead
}

func (l *fakeLeads) FindByLeadID(_ context.Context, id int64) (*lead.Lead, error) {
	return l.leads[id], nil
}

type fakeNotifier struct {
	payloads []interface{}
}

func (n *fakeNotifier) NotifyUser(_ int64, payload interface{}) {
	n.payloads = append(n.payloads, payload)
}

func (n *fakeNotifier) lastStatus() (types.AgentStatusUpdate, bool) {
	for i := len(n.payloads) - 1; i >= 0; i-- {
		if update, ok := n.payloads[i].(types.AgentStatusUpdate); ok {
			return update, true
		}
	}
	return types.AgentStatusUpdate{}, false
}

type fixture struct {
	service   *Service
	store     *fakeStore
	commander *fakeCommander
	resolver  *fakeResolver
	notifier  *fakeNotifier
}

func newFixture(sessions ...*session.Session) *fixture {
	store := newFakeStore(sessions...)
	commander := &fakeCommander{
		loginResult: &vicidial.LoginResult{
			ServerIP:    "10.0.0.5",
			ConfExten:   "8600051",
			SessionName: "1756740000_101_4242",
			AgentLogID:  100,
			UserGroup:   "AGENTS",
		},
		dialResult: &vicidial.DialResult{CallerID: "M09011530420000000777", LeadID: 777},
		nextLogID:  101,
	}
	resolver := &fakeResolver{}
	notifier := &fakeNotifier{}
	catalog := &fakeCatalog{
		campaigns:  map[string]string{"SALES": "Outbound Sales"},
		selectable: map[string]bool{"SALE": true, "NI": true},
	}
	leads := &fakeLeads{leads: map[int64]*lead.Lead{
		777: {ID: 777, FirstName: "Jane", LastName: "Doe"},
	}}

	return &fixture{
		service: NewService(store, commander, resolver, catalog, leads, notifier, "1", zerolog.Nop()),
		store:   store, commander: commander, resolver: resolver, notifier: notifier,
	}
}

func pausedSession() *session.Session {
	return &session.Session{
		ID:         1,
		UserID:     9,
		CampaignID: "SALES",
		Status:     types.StatusPaused,
		ServerIP:   "10.0.0.5",
		ConfExten:  "8600051",
		AgentLogID: 100,
		UserGroup:  "AGENTS",
	}
}

func inCallSession() *session.Session {
	started := time.Now()
	sess := pausedSession()
	sess.Status = types.StatusInCall
	sess.Channel = "M09011530420000000777"
	sess.CurrentLeadID = "777"
	sess.CurrentPhone = "5551234567"
	sess.CallStartedAt = &started
	return sess
}

func TestLoginCreatesPausedSession(t *testing.T) {
	f := newFixture()

	sess, err := f.service.LoginToCampaign(context.Background(), vicidial.Agent{UserID: 9, User: "6666"}, "SALES")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.Status != types.StatusPaused {
		t.Errorf("expected paused, got %s", sess.Status)
	}
	if sess.ConfExten != "8600051" {
		t.Errorf("expected conference 8600051, got %s", sess.ConfExten)
	}
	if sess.CampaignName != "Outbound Sales" {
		t.Errorf("expected campaign name, got %q", sess.CampaignName)
	}
	if update, ok := f.notifier.lastStatus(); !ok || update.Status != types.StatusPaused {
		t.Errorf("expected paused status notification, got %+v", update)
	}
}

func TestLoginIsIdempotent(t *testing.T) {
	existing := pausedSession()
	f := newFixture(existing)

	sess, err := f.service.LoginToCampaign(context.Background(), vicidial.Agent{UserID: 9}, "SALES")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID != existing.ID {
		t.Errorf("expected existing session %d back, got %d", existing.ID, sess.ID)
	}
	if len(f.commander.calls) != 0 {
		t.Errorf("expected no dialer commands, got %v", f.commander.calls)
	}
}

func TestLoginUnknownCampaign(t *testing.T) {
	f := newFixture()

	_, err := f.service.LoginToCampaign(context.Background(), vicidial.Agent{UserID: 9}, "BOGUS")
	if !errors.Is(err, ErrUnknownCampaign) {
		t.Fatalf("expected ErrUnknownCampaign, got %v", err)
	}
}

func TestSetStatusReady(t *testing.T) {
	f := newFixture(pausedSession())

	sess, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusReady, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Status != types.StatusReady {
		t.Errorf("expected ready, got %s", sess.Status)
	}
	if sess.AgentLogID != 101 {
		t.Errorf("expected new accounting window 101, got %d", sess.AgentLogID)
	}
}

func TestSetStatusSameStateIsNoop(t *testing.T) {
	f := newFixture(pausedSession())

	sess, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusPaused, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Status != types.StatusPaused {
		t.Errorf("expected paused, got %s", sess.Status)
	}
	if len(f.commander.calls) != 0 {
		t.Errorf("expected no dialer commands, got %v", f.commander.calls)
	}
}

func TestSetStatusPauseCodePropagates(t *testing.T) {
	sess := pausedSession()
	sess.Status = types.StatusReady
	f := newFixture(sess)

	_, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusPaused, "BREAK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.commander.pauseCode != "BREAK" {
		t.Errorf("expected pause code BREAK, got %q", f.commander.pauseCode)
	}
}

func TestSetStatusPauseCodeDefaults(t *testing.T) {
	sess := pausedSession()
	sess.Status = types.StatusReady
	f := newFixture(sess)

	if _, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusPaused, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.commander.pauseCode != "AGENT" {
		t.Errorf("expected default pause code AGENT, got %q", f.commander.pauseCode)
	}
}

func TestSetStatusCommitsLocallyOnUpstreamFailure(t *testing.T) {
	f := newFixture(pausedSession())
	f.commander.err = errors.New("queue insert failed")
	f.commander.nextLogID = 0

	sess, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusReady, "")

	var upstream *vicidial.UpstreamCommandError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamCommandError, got %v", err)
	}
	if sess.Status != types.StatusReady {
		t.Errorf("expected local ready commit despite upstream failure, got %s", sess.Status)
	}
	if sess.AgentLogID != 100 {
		t.Errorf("expected accounting window kept at 100, got %d", sess.AgentLogID)
	}
}

func TestSetStatusDuringCallRejected(t *testing.T) {
	f := newFixture(inCallSession())

	_, err := f.service.SetStatus(context.Background(), vicidial.Agent{UserID: 9}, types.StatusReady, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestManualDialStampsCallContext(t *testing.T) {
	f := newFixture(pausedSession())

	sess, err := f.service.ManualDial(context.Background(), vicidial.Agent{UserID: 9}, "5551234567", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.Status != types.StatusInCall {
		t.Errorf("expected incall, got %s", sess.Status)
	}
	if sess.Channel != "M09011530420000000777" {
		t.Errorf("expected caller-id token stamped as channel, got %s", sess.Channel)
	}
	if sess.CurrentLeadID != "777" {
		t.Errorf("expected lead 777, got %s", sess.CurrentLeadID)
	}
	if sess.CurrentLeadName != "Jane Doe" {
		t.Errorf("expected lead name, got %q", sess.CurrentLeadName)
	}
}

func TestManualDialUpstreamFailureLeavesSession(t *testing.T) {
	f := newFixture(pausedSession())
	f.commander.err = errors.New("no conference")

	_, err := f.service.ManualDial(context.Background(), vicidial.Agent{UserID: 9}, "5551234567", "1", 0)

	var upstream *vicidial.UpstreamCommandError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamCommandError, got %v", err)
	}
	if f.store.sessions[9].Status != types.StatusPaused {
		t.Errorf("expected session untouched, got %s", f.store.sessions[9].Status)
	}
}

func TestHangupMovesToWrapupBeforeUpstream(t *testing.T) {
	f := newFixture(inCallSession())
	f.commander.err = errors.New("queue insert failed")

	sess, err := f.service.Hangup(context.Background(), vicidial.Agent{UserID: 9})

	var upstream *vicidial.UpstreamCommandError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamCommandError, got %v", err)
	}
	if sess.Status != types.StatusWrapup {
		t.Errorf("expected wrapup committed locally, got %s", sess.Status)
	}
}

func TestDispositionClearsCall(t *testing.T) {
	sess := inCallSession()
	sess.Status = types.StatusWrapup
	f := newFixture(sess)

	got, err := f.service.Disposition(context.Background(), vicidial.Agent{UserID: 9}, "SALE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Status != types.StatusPaused {
		t.Errorf("expected paused, got %s", got.Status)
	}
	if got.Channel != "" || got.CurrentLeadID != "" || got.CallStartedAt != nil {
		t.Errorf("expected call context cleared, got %+v", got)
	}
	if got.AgentLogID != 101 {
		t.Errorf("expected new accounting window 101, got %d", got.AgentLogID)
	}
}

func TestDispositionRejectsUnknownStatus(t *testing.T) {
	sess := inCallSession()
	sess.Status = types.StatusWrapup
	f := newFixture(sess)

	_, err := f.service.Disposition(context.Background(), vicidial.Agent{UserID: 9}, "BOGUS")
	if !errors.Is(err, ErrInvalidDisposition) {
		t.Fatalf("expected ErrInvalidDisposition, got %v", err)
	}
}

func TestLogoutDeletesSessionDespiteUpstreamFailure(t *testing.T) {
	f := newFixture(pausedSession())
	f.commander.err = errors.New("queue insert failed")

	err := f.service.Logout(context.Background(), vicidial.Agent{UserID: 9})

	var upstream *vicidial.UpstreamCommandError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamCommandError, got %v", err)
	}
	if f.store.sessions[9] != nil {
		t.Error("expected session deleted")
	}
}

func TestLogoutWithoutSessionIsNoop(t *testing.T) {
	f := newFixture()

	if err := f.service.Logout(context.Background(), vicidial.Agent{UserID: 9}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.commander.calls) != 0 {
		t.Errorf("expected no dialer commands, got %v", f.commander.calls)
	}
}

func TestRingSoftphoneOnlyOutsideCalls(t *testing.T) {
	f := newFixture(inCallSession())

	err := f.service.RingSoftphone(context.Background(), vicidial.Agent{UserID: 9})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHandleEventRinging(t *testing.T) {
	sess := inCallSession()
	f := newFixture(sess)
	f.resolver.sess = sess

	ev := ami.NewEvent(map[string]string{
		"Event":        "Dial",
		"SubEvent":     "Begin",
		"Channel":      "Local/8600051@default;1",
		"CallerIDNum":  "5551234567",
		"CallerIDName": "Jane Doe",
	})
	f.service.HandleEvent(context.Background(), ev)

	if len(f.notifier.payloads) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.payloads))
	}
	update := f.notifier.payloads[0].(types.CallStatusUpdate)
	if update.CallStatus != types.CallRinging {
		t.Errorf("expected ringing, got %s", update.CallStatus)
	}
}

func TestHandleEventAnswered(t *testing.T) {
	sess := pausedSession()
	f := newFixture(sess)
	f.resolver.sess = sess

	ev := ami.NewEvent(map[string]string{
		"Event":   "Bridge",
		"Channel": "SIP/7775551234-000a",
	})
	f.service.HandleEvent(context.Background(), ev)

	if sess.Status != types.StatusInCall {
		t.Errorf("expected incall, got %s", sess.Status)
	}
	if f.store.sessions[9].Status != types.StatusInCall {
		t.Errorf("expected store updated, got %s", f.store.sessions[9].Status)
	}
}

func TestHandleEventAnsweredDuplicateIsNoop(t *testing.T) {
	sess := inCallSession()
	f := newFixture(sess)
	f.resolver.sess = sess

	ev := ami.NewEvent(map[string]string{"Event": "Bridge", "Channel": "SIP/x"})
	f.service.HandleEvent(context.Background(), ev)

	if len(f.notifier.payloads) != 0 {
		t.Errorf("expected no notifications for duplicate bridge, got %d", len(f.notifier.payloads))
	}
	if sess.Channel != "M09011530420000000777" {
		t.Errorf("expected manual dial channel preserved, got %s", sess.Channel)
	}
}

func TestHandleEventHangup(t *testing.T) {
	sess := inCallSession()
	f := newFixture(sess)
	f.resolver.sess = sess

	ev := ami.NewEvent(map[string]string{"Event": "Hangup", "Channel": "SIP/7775551234-000a"})
	f.service.HandleEvent(context.Background(), ev)

	if sess.Status != types.StatusWrapup {
		t.Errorf("expected wrapup, got %s", sess.Status)
	}
}

func TestHandleEventHangupDuplicateIsNoop(t *testing.T) {
	sess := inCallSession()
	sess.Status = types.StatusWrapup
	f := newFixture(sess)
	f.resolver.sess = sess

	ev := ami.NewEvent(map[string]string{"Event": "Hangup", "Channel": "SIP/7775551234-000a"})
	f.service.HandleEvent(context.Background(), ev)

	if len(f.notifier.payloads) != 0 {
		t.Errorf("expected no notifications for duplicate hangup, got %d", len(f.notifier.payloads))
	}
	if sess.Status != types.StatusWrapup {
		t.Errorf("expected session left in wrapup, got %s", sess.Status)
	}
}

func TestHangupDuringWrapupIsNoop(t *testing.T) {
	sess := inCallSession()
	sess.Status = types.StatusWrapup
	f := newFixture(sess)

	got, err := f.service.Hangup(context.Background(), vicidial.Agent{UserID: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != types.StatusWrapup {
		t.Errorf("expected wrapup unchanged, got %s", got.Status)
	}
	if len(f.commander.calls) != 0 {
		t.Errorf("expected no dialer commands, got %v", f.commander.calls)
	}
}

func TestHandleEventNoSessionIsDropped(t *testing.T) {
	f := newFixture()

	ev := ami.NewEvent(map[string]string{"Event": "Hangup", "Channel": "SIP/unknown"})
	f.service.HandleEvent(context.Background(), ev)

	if len(f.notifier.payloads) != 0 {
		t.Errorf("expected no notifications, got %d", len(f.notifier.payloads))
	}
}
