package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failSend bool
	closed   bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("connection reset")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeConn) WriteControl(_ int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type stubVerifier struct {
	userID string
	role   string
	err    error
}

func (s stubVerifier) Verify(string) (string, string, error) {
	return s.userID, s.role, s.err
}

func newTestServer(t *testing.T, cfg Config) *AlertServer {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return NewAlertServer(cfg, log, stubVerifier{userID: "reviewer-9", role: "reviewer"})
}

// addFakeClient registers an already-upgraded connection, bypassing the HTTP
// handshake.
func addFakeClient(s *AlertServer, conn *fakeConn, topics ...string) *client {
	cl := newClient(conn, "198.51.100.7", s.cfg.RateLimitPerMinute)
	cl.setIdentity("reviewer-9", "reviewer")
	cl.subscribe(topics)
	s.register(cl)
	return cl
}

func testAlert() *types.BiasAlert {
	return &types.BiasAlert{
		AlertID:   "a-1",
		Type:      types.AlertTypeBiasDetected,
		Level:     types.SeverityHigh,
		Message:   "bias analysis threshold exceeded",
		Timestamp: time.Now().UTC(),
		SessionID: "session-1",
	}
}

func TestBroadcast_FailureIsolation(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	healthyA := &fakeConn{}
	failing := &fakeConn{failSend: true}
	healthyB := &fakeConn{}
	addFakeClient(srv, healthyA, types.AlertTypeBiasDetected)
	bad := addFakeClient(srv, failing, types.AlertTypeBiasDetected)
	addFakeClient(srv, healthyB, types.AlertTypeBiasDetected)

	delivered := srv.BroadcastBiasAlert(context.Background(), testAlert(), nil)
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if len(healthyA.received()) != 1 || len(healthyB.received()) != 1 {
		t.Fatal("healthy clients did not receive the alert")
	}
	if !failing.isClosed() {
		t.Fatal("failing connection not torn down")
	}
	srv.mu.RLock()
	_, stillThere := srv.clients[bad.ID.String()]
	srv.mu.RUnlock()
	if stillThere {
		t.Fatal("failing client still registered after delivery failure")
	}
}

func TestBroadcast_SubscriptionGating(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	subscribed := &fakeConn{}
	wildcard := &fakeConn{}
	other := &fakeConn{}
	addFakeClient(srv, subscribed, types.AlertTypeBiasDetected)
	addFakeClient(srv, wildcard, "*")
	addFakeClient(srv, other, types.AlertTypeSystemTest)

	delivered := srv.BroadcastBiasAlert(context.Background(), testAlert(), nil)
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2 (topic match and wildcard)", delivered)
	}
	if len(other.received()) != 0 {
		t.Fatal("unrelated topic subscriber received the alert")
	}

	var envelope struct {
		Type  string           `json:"type"`
		Alert *types.BiasAlert `json:"alert"`
	}
	if err := json.Unmarshal(subscribed.received()[0], &envelope); err != nil {
		t.Fatalf("unmarshal broadcast payload: %v", err)
	}
	if envelope.Type != "alert" || envelope.Alert == nil || envelope.Alert.AlertID != "a-1" {
		t.Fatalf("unexpected payload: %+v", envelope)
	}
}

func TestBroadcast_RequiresAuthentication(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	anonConn := &fakeConn{}
	anon := newClient(anonConn, "198.51.100.8", srv.cfg.RateLimitPerMinute)
	anon.subscribe([]string{"*"})
	srv.register(anon)

	if delivered := srv.BroadcastBiasAlert(context.Background(), testAlert(), nil); delivered != 0 {
		t.Fatalf("delivered = %d to unauthenticated client, want 0", delivered)
	}
}

func TestBroadcast_DerivesAlertFromResult(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	conn := &fakeConn{}
	addFakeClient(srv, conn, types.AlertTypeBiasDetected)

	result := &types.BiasAnalysisResult{
		SessionID:        "session-9",
		OverallBiasScore: 0.85,
		Confidence:       0.9,
	}
	if delivered := srv.BroadcastBiasAlert(context.Background(), nil, result); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	var envelope struct {
		Alert *types.BiasAlert `json:"alert"`
	}
	if err := json.Unmarshal(conn.received()[0], &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Alert.Level != types.SeverityCritical {
		t.Fatalf("derived level = %s, want critical for score 0.85", envelope.Alert.Level)
	}
	if envelope.Alert.SessionID != "session-9" {
		t.Fatalf("session id = %s, want session-9", envelope.Alert.SessionID)
	}
}

func TestRateLimit_StrikesEscalateToBan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 1
	srv := newTestServer(t, cfg)
	conn := &fakeConn{}
	cl := addFakeClient(srv, conn, "*")

	// Drain the single-token bucket.
	if !srv.allowInbound(cl) {
		t.Fatal("first message within budget must pass")
	}
	// First violation: message dropped and warned, still connected.
	if srv.allowInbound(cl) {
		t.Fatal("violating message must be dropped")
	}
	if conn.isClosed() {
		t.Fatal("first violation must not disconnect")
	}
	warned := false
	for _, raw := range conn.received() {
		var msg outboundMessage
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "rate_limited" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("no rate_limited warning sent on first violation")
	}

	// Second violation: banned and dropped.
	if srv.allowInbound(cl) {
		t.Fatal("second violation must close the connection")
	}
	if !conn.isClosed() {
		t.Fatal("banned connection not closed")
	}
	if _, banned := srv.bannedUntil(cl.banKey()); !banned {
		t.Fatal("ban not recorded")
	}
	srv.mu.RLock()
	_, stillThere := srv.clients[cl.ID.String()]
	srv.mu.RUnlock()
	if stillThere {
		t.Fatal("banned client still registered")
	}
}

func TestBan_ExpiresAfterDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanDuration = 10 * time.Millisecond
	srv := newTestServer(t, cfg)

	srv.mu.Lock()
	srv.bans["user:reviewer-9"] = time.Now().Add(cfg.BanDuration)
	srv.mu.Unlock()

	if _, banned := srv.bannedUntil("user:reviewer-9"); !banned {
		t.Fatal("fresh ban not in effect")
	}
	time.Sleep(20 * time.Millisecond)
	if _, banned := srv.bannedUntil("user:reviewer-9"); banned {
		t.Fatal("expired ban still in effect")
	}
}

func TestHandleInbound_AuthenticateAndSubscribe(t *testing.T) {
	srv := newTestServer(t, DefaultConfig())
	conn := &fakeConn{}
	cl := newClient(conn, "198.51.100.9", srv.cfg.RateLimitPerMinute)
	srv.register(cl)

	// Subscribing before authenticating is rejected per-connection.
	srv.handleInbound(cl, inboundMessage{Type: "subscribe", Topics: []string{"*"}})
	srv.handleInbound(cl, inboundMessage{Type: "authenticate", Token: "whatever"})
	srv.handleInbound(cl, inboundMessage{Type: "subscribe", Topics: []string{types.AlertTypeBiasDetected}})
	srv.handleInbound(cl, inboundMessage{Type: "ping"})

	var sawError, sawAuthenticated, sawSubscribed, sawPong bool
	for _, raw := range conn.received() {
		var msg outboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		switch msg.Type {
		case "error":
			sawError = true
		case "authenticated":
			sawAuthenticated = true
		case "subscribed":
			sawSubscribed = true
		case "pong":
			sawPong = true
		}
	}
	if !sawError || !sawAuthenticated || !sawSubscribed || !sawPong {
		t.Fatalf("missing replies: error=%v authenticated=%v subscribed=%v pong=%v",
			sawError, sawAuthenticated, sawSubscribed, sawPong)
	}
	if !cl.isAuthenticated() {
		t.Fatal("client not marked authenticated")
	}
	if !cl.subscribedTo(types.AlertTypeBiasDetected) {
		t.Fatal("subscription not recorded")
	}
}

func TestHandleInbound_RejectsBadToken(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	srv := NewAlertServer(DefaultConfig(), log, stubVerifier{err: errors.New("expired")})
	conn := &fakeConn{}
	cl := newClient(conn, "198.51.100.10", srv.cfg.RateLimitPerMinute)
	srv.register(cl)

	srv.handleInbound(cl, inboundMessage{Type: "authenticate", Token: "stale"})
	if cl.isAuthenticated() {
		t.Fatal("client authenticated with a bad token")
	}
}

func TestStatusAndClients_Snapshot(t *testing.T) {
	cfg := DefaultConfig()
	srv := newTestServer(t, cfg)
	conn := &fakeConn{}
	addFakeClient(srv, conn, types.AlertTypeCrisisFlagged)

	status := srv.Status()
	if status.Running {
		t.Fatal("server reports running before Start")
	}
	if status.Connections != 1 {
		t.Fatalf("connections = %d, want 1", status.Connections)
	}
	if status.MaxConnections != cfg.MaxConnections || status.RateLimitPerMinute != cfg.RateLimitPerMinute {
		t.Fatal("status does not mirror config")
	}

	clients := srv.Clients()
	if len(clients) != 1 {
		t.Fatalf("clients = %d, want 1", len(clients))
	}
	if !clients[0].Authenticated || clients[0].UserID != "reviewer-9" {
		t.Fatalf("unexpected client info: %+v", clients[0])
	}
	if len(clients[0].Subscriptions) != 1 || clients[0].Subscriptions[0] != types.AlertTypeCrisisFlagged {
		t.Fatalf("unexpected subscriptions: %v", clients[0].Subscriptions)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0 // ephemeral
	srv := newTestServer(t, cfg)
	ctx := context.Background()

	// Stop before Start is a no-op.
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !srv.Status().Running {
		t.Fatal("server not running after Start")
	}
	// Second Start must not bind again.
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	conn := &fakeConn{}
	addFakeClient(srv, conn, "*")
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.Status().Running {
		t.Fatal("server still running after Stop")
	}
	if srv.Status().Connections != 0 {
		t.Fatal("connections not cleared on Stop")
	}
	if !conn.isClosed() {
		t.Fatal("client connection not closed on Stop")
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSweep_EvictsSilentConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	srv := newTestServer(t, cfg)

	stale := &fakeConn{}
	fresh := &fakeConn{}
	staleCl := addFakeClient(srv, stale, "*")
	addFakeClient(srv, fresh, "*")

	staleCl.mu.Lock()
	staleCl.lastPong = time.Now().Add(-time.Second)
	staleCl.mu.Unlock()

	srv.sweep()

	if !stale.isClosed() {
		t.Fatal("silent connection survived the sweep")
	}
	if fresh.isClosed() {
		t.Fatal("responsive connection evicted")
	}
	if srv.Status().Connections != 1 {
		t.Fatalf("connections = %d after sweep, want 1", srv.Status().Connections)
	}
}
