package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/serviceerr"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

// TokenVerifier checks a dashboard token and returns its identity claims.
// services.AuthService satisfies it.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, role string, err error)
}

// rate-limit strikes tolerated before the connection is closed and banned
const maxRateStrikes = 2

const broadcastParallelism = 16

type inboundMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

type outboundMessage struct {
	Type         string           `json:"type"`
	ConnectionID string           `json:"connection_id,omitempty"`
	Topics       []string         `json:"topics,omitempty"`
	Code         string           `json:"code,omitempty"`
	Message      string           `json:"message,omitempty"`
	Alert        *types.BiasAlert `json:"alert,omitempty"`
}

// ServerStatus is the snapshot returned by the operational surface.
type ServerStatus struct {
	Running            bool     `json:"running"`
	Connections        int      `json:"connections"`
	Port               int      `json:"port"`
	HeartbeatSeconds   int      `json:"heartbeat_seconds"`
	MaxConnections     int      `json:"max_connections"`
	RequireAuth        bool     `json:"require_auth"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	BanSeconds         int      `json:"ban_seconds"`
}

// AlertServer owns the live connection registry and fans bias alerts out to
// every eligible subscriber. It is constructed explicitly and wired by the
// composition root; there is no package-level instance.
type AlertServer struct {
	cfg      Config
	log      *logger.Logger
	verifier TokenVerifier

	mu      sync.RWMutex
	clients map[string]*client
	bans    map[string]time.Time
	running bool

	httpSrv *http.Server
	stopCh  chan struct{}
}

func NewAlertServer(cfg Config, baseLog *logger.Logger, verifier TokenVerifier) *AlertServer {
	return &AlertServer{
		cfg:      cfg,
		log:      baseLog.With("service", "AlertServer"),
		verifier: verifier,
		clients:  make(map[string]*client),
		bans:     make(map[string]time.Time),
	}
}

// Start binds the listening endpoint and begins accepting connections. A
// second Start on a running server is a logged no-op; it never opens a
// second listener.
func (s *AlertServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("alert server already running, ignoring start")
		return nil
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws/alerts", s.HandleWS)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("bind alert server %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: engine}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Error("alert server stopped", "error", serveErr)
		}
	}()
	go s.heartbeatLoop(s.stopCh)

	s.log.Info("alert server listening", "addr", addr,
		"heartbeat", s.cfg.HeartbeatInterval, "max_connections", s.cfg.MaxConnections,
		"require_auth", s.cfg.RequireAuth)
	return nil
}

// Stop notifies every client, tears connections down, and releases the
// listener. Safe to call when not started.
func (s *AlertServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.clients = make(map[string]*client)
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	for _, c := range snapshot {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("alert server shutdown", "error", err)
			return err
		}
	}
	s.log.Info("alert server stopped", "dropped_connections", len(snapshot))
	return nil
}

// HandleWS upgrades a dashboard connection. Exposed so the main API router
// can also mount the endpoint when a dedicated port is not wanted.
func (s *AlertServer) HandleWS(c *gin.Context) {
	remoteHost := hostOf(c.Request.RemoteAddr)
	if until, banned := s.bannedUntil("addr:" + remoteHost); banned {
		c.JSON(http.StatusForbidden, gin.H{"error": "temporarily banned", "until": until})
		return
	}

	s.mu.RLock()
	full := len(s.clients) >= s.cfg.MaxConnections
	running := s.running
	s.mu.RUnlock()
	if !running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server not running"})
		return
	}
	if full {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", remoteHost, "error", err)
		return
	}

	cl := newClient(conn, remoteHost, s.cfg.RateLimitPerMinute)
	s.register(cl)
	s.log.Info("dashboard client connected", "connection_id", cl.ID, "remote", remoteHost)

	s.reply(cl, outboundMessage{Type: "connected", ConnectionID: cl.ID.String()})
	s.readLoop(cl, conn)
}

func (s *AlertServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *AlertServer) register(cl *client) {
	s.mu.Lock()
	s.clients[cl.ID.String()] = cl
	s.mu.Unlock()
}

// teardown removes the connection from the registry and closes it. A failure
// on one connection never touches the listener or other clients.
func (s *AlertServer) teardown(cl *client, code int, reason string) {
	s.mu.Lock()
	_, present := s.clients[cl.ID.String()]
	delete(s.clients, cl.ID.String())
	s.mu.Unlock()
	if present {
		cl.closeWith(code, reason)
		s.log.Debug("connection removed", "connection_id", cl.ID, "reason", reason)
	}
}

func (s *AlertServer) readLoop(cl *client, conn *websocket.Conn) {
	pongWait := 2 * s.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		cl.markPong()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.log.Debug("dashboard client disconnected", "connection_id", cl.ID, "error", err)
			s.teardown(cl, websocket.CloseNormalClosure, "client disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.markPong()

		// A violating message is dropped either way; after a ban the closed
		// conn ends the loop on the next read.
		if !s.allowInbound(cl) {
			continue
		}
		s.handleInbound(cl, msg)
	}
}

// allowInbound applies the per-connection rate limit. Reports whether the
// message may be processed: the first violation gets a warning and the
// message is dropped; a repeat closes the connection and bans the party for
// the configured duration.
func (s *AlertServer) allowInbound(cl *client) bool {
	cl.mu.Lock()
	allowed := cl.limiter.Allow()
	if allowed {
		cl.mu.Unlock()
		return true
	}
	cl.strikes++
	strikes := cl.strikes
	cl.mu.Unlock()

	if strikes >= maxRateStrikes {
		s.banAndDrop(cl)
		return false
	}
	s.reply(cl, outboundMessage{
		Type:    "rate_limited",
		Code:    "rate_limit_exceeded",
		Message: fmt.Sprintf("limit is %d messages per minute", s.cfg.RateLimitPerMinute),
	})
	s.log.Warn("connection rate limited", "connection_id", cl.ID)
	return false
}

func (s *AlertServer) banAndDrop(cl *client) {
	key := cl.banKey()
	until := time.Now().Add(s.cfg.BanDuration)
	s.mu.Lock()
	s.bans[key] = until
	s.mu.Unlock()
	s.log.Warn("connection banned for repeated rate-limit violations",
		"connection_id", cl.ID, "until", until)
	s.teardown(cl, websocket.ClosePolicyViolation, "rate limit exceeded")
}

func (s *AlertServer) bannedUntil(key string) (time.Time, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.bans[key]
	if !ok {
		return time.Time{}, false
	}
	if now.After(until) {
		delete(s.bans, key)
		return time.Time{}, false
	}
	return until, true
}

func (s *AlertServer) handleInbound(cl *client, msg inboundMessage) {
	switch msg.Type {
	case "authenticate":
		userID, role, err := s.verifier.Verify(msg.Token)
		if err != nil {
			s.log.Warn("authentication rejected", "connection_id", cl.ID, "error", err)
			s.reply(cl, outboundMessage{Type: "error", Code: "unauthorized", Message: "invalid token"})
			return
		}
		if until, banned := s.bannedUntil("user:" + userID); banned {
			s.log.Warn("banned user attempted authentication", "connection_id", cl.ID, "user_id", userID, "until", until)
			s.teardown(cl, websocket.ClosePolicyViolation, "temporarily banned")
			return
		}
		cl.setIdentity(userID, role)
		s.reply(cl, outboundMessage{Type: "authenticated", ConnectionID: cl.ID.String()})
	case "subscribe":
		if s.cfg.RequireAuth && !cl.isAuthenticated() {
			s.reply(cl, outboundMessage{Type: "error", Code: "unauthorized", Message: "authenticate before subscribing"})
			return
		}
		added := cl.subscribe(msg.Topics)
		s.reply(cl, outboundMessage{Type: "subscribed", Topics: added})
	case "unsubscribe":
		cl.unsubscribe(msg.Topics)
		s.reply(cl, outboundMessage{Type: "unsubscribed", Topics: msg.Topics})
	case "ping":
		s.reply(cl, outboundMessage{Type: "pong"})
	default:
		s.reply(cl, outboundMessage{Type: "error", Code: "bad_request", Message: "unknown message type"})
	}
}

func (s *AlertServer) reply(cl *client, msg outboundMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("outbound marshal failed", "error", err)
		return
	}
	if err := cl.send(payload); err != nil {
		s.teardown(cl, websocket.CloseInternalServerErr, "write failed")
	}
}

// BroadcastBiasAlert delivers the alert to every authorized, subscribed,
// rate-compliant connection. Delivery is parallel and best-effort: one
// failing recipient never aborts the others, and no transport error reaches
// the caller. Returns the number of successful deliveries.
func (s *AlertServer) BroadcastBiasAlert(ctx context.Context, alert *types.BiasAlert, result *types.BiasAnalysisResult) int {
	if alert == nil {
		if result == nil {
			return 0
		}
		alert = types.NewBiasAlert(result)
	}

	payload, err := json.Marshal(outboundMessage{Type: "alert", Alert: alert})
	if err != nil {
		s.log.Error("alert marshal failed", "alert_id", alert.AlertID, "error", err)
		return 0
	}

	topic := alert.Type
	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		snapshot = append(snapshot, cl)
	}
	s.mu.RUnlock()

	var delivered atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(broadcastParallelism)
	for _, cl := range snapshot {
		cl := cl
		if s.cfg.RequireAuth && !cl.isAuthenticated() {
			continue
		}
		if !cl.subscribedTo(topic) {
			continue
		}
		if !s.allowDelivery(cl) {
			continue
		}
		g.Go(func() error {
			if sendErr := cl.send(payload); sendErr != nil {
				dErr := serviceerr.Delivery("alert delivery failed", sendErr)
				s.log.Warn("dropping connection after failed delivery",
					"connection_id", cl.ID, "alert_id", alert.AlertID, "error", dErr)
				s.teardown(cl, websocket.CloseInternalServerErr, "delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Debug("alert broadcast complete",
		"alert_id", alert.AlertID, "topic", topic, "delivered", delivered.Load())
	return int(delivered.Load())
}

// allowDelivery skips connections whose rolling window is exhausted; the
// strike escalation is shared with inbound traffic.
func (s *AlertServer) allowDelivery(cl *client) bool {
	cl.mu.Lock()
	allowed := cl.limiter.Allow()
	if allowed {
		cl.mu.Unlock()
		return true
	}
	cl.strikes++
	strikes := cl.strikes
	cl.mu.Unlock()

	if strikes >= maxRateStrikes {
		s.banAndDrop(cl)
	}
	return false
}

func (s *AlertServer) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep pings every connection and evicts the ones that missed two
// consecutive heartbeats.
func (s *AlertServer) sweep() {
	deadAfter := 2 * s.cfg.HeartbeatInterval
	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		snapshot = append(snapshot, cl)
	}
	s.mu.RUnlock()

	for _, cl := range snapshot {
		if cl.pongAge() > deadAfter {
			s.log.Info("evicting unresponsive connection", "connection_id", cl.ID)
			s.teardown(cl, websocket.CloseGoingAway, "heartbeat timeout")
			continue
		}
		if err := cl.ping(time.Now().Add(writeTimeout)); err != nil {
			s.teardown(cl, websocket.CloseGoingAway, "ping failed")
		}
	}
}

// Status returns the running state, connection count, and a config snapshot.
func (s *AlertServer) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	origins := make([]string, len(s.cfg.AllowedOrigins))
	copy(origins, s.cfg.AllowedOrigins)
	return ServerStatus{
		Running:            s.running,
		Connections:        len(s.clients),
		Port:               s.cfg.Port,
		HeartbeatSeconds:   int(s.cfg.HeartbeatInterval / time.Second),
		MaxConnections:     s.cfg.MaxConnections,
		RequireAuth:        s.cfg.RequireAuth,
		AllowedOrigins:     origins,
		RateLimitPerMinute: s.cfg.RateLimitPerMinute,
		BanSeconds:         int(s.cfg.BanDuration / time.Second),
	}
}

// Clients returns a point-in-time snapshot of connection descriptors.
func (s *AlertServer) Clients() []ClientInfo {
	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		snapshot = append(snapshot, cl)
	}
	s.mu.RUnlock()

	out := make([]ClientInfo, 0, len(snapshot))
	for _, cl := range snapshot {
		out = append(out, cl.info())
	}
	return out
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
