package whatsapp

import (
	"context"
	"sync"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"
	"crm_wa/internal/storage"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const persistTimeout = 10 * time.Second

type sessionDeps struct {
	transport Transport
	auth      *storage.AuthState
	sessions  *services.SessionService
	router    *Router
	policy    ReconnectPolicy
	bus       EventBus.Bus
	log       *zap.Logger
	release   func(*Session)
}

type logoutRequest struct {
	ctx   context.Context
	reply chan error
}

// Session owns one tenant's connection. After start, a single goroutine
// consumes connection events, the reconnect timer and logout or shutdown
// requests, so transitions are strictly sequential.
type Session struct {
	tenantID uint
	deps     sessionDeps
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	status      string
	phone       string
	pairingCode string
	connectedAt *time.Time
	conn        Conn
	ready       chan struct{} // closed while connected
	endErr      error

	// owned by the run goroutine
	attempts int
	timer    *time.Timer
	cause    error

	logoutCh   chan logoutRequest
	shutdownCh chan chan struct{}
	done       chan struct{}
}

func newSession(tenantID uint, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		tenantID:   tenantID,
		deps:       deps,
		log:        deps.log.With(zap.Uint("tenant_id", tenantID)),
		ctx:        ctx,
		cancel:     cancel,
		status:     models.StatusDisconnected,
		ready:      make(chan struct{}),
		logoutCh:   make(chan logoutRequest),
		shutdownCh: make(chan chan struct{}),
		done:       make(chan struct{}),
	}
}

// start moves the session from disconnected to connecting, opens the
// transport and hands the session to its goroutine. On error the session is
// dead and nothing is left running.
func (s *Session) start(ctx context.Context) error {
	creds, err := s.deps.auth.LoadCreds(ctx)
	if err != nil {
		s.abort()
		return errors.Wrap(err, "load credentials")
	}
	if err := s.transition(ctx, models.StatusConnecting, nil); err != nil {
		s.abort()
		return err
	}

	conn, err := s.deps.transport.Connect(s.ctx, ConnectParams{
		TenantID: s.tenantID,
		Creds:    creds,
	})
	if err != nil {
		_ = s.transition(ctx, models.StatusDisconnected, nil)
		s.abort()
		return errors.Wrap(err, "open transport")
	}
	s.setConn(conn)

	s.log.Info("whatsapp: session started", zap.Bool("paired", creds.Paired()))
	go s.run()
	return nil
}

func (s *Session) abort() {
	s.cancel()
	s.mu.Lock()
	s.endErr = ErrSessionClosed
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) run() {
	var notify func()

loop:
	for {
		var events <-chan ConnectionEvent
		if conn := s.currentConn(); conn != nil {
			events = conn.Events()
		}
		var retry <-chan time.Time
		if s.timer != nil {
			retry = s.timer.C
		}

		select {
		case ev, ok := <-events:
			if !ok {
				ev = Closed{Reason: "event stream ended"}
			}
			if s.handle(ev) {
				break loop
			}
		case <-retry:
			s.timer = nil
			if s.reconnect() {
				break loop
			}
		case req := <-s.logoutCh:
			err := s.logout(req.ctx)
			notify = func() { req.reply <- err }
			break loop
		case reply := <-s.shutdownCh:
			s.shutdown()
			notify = func() { close(reply) }
			break loop
		}
	}

	// Release the registry slot before replying to the requester.
	s.finish()
	if notify != nil {
		notify()
	}
}

func (s *Session) finish() {
	s.stopTimer()
	s.cancel()
	if s.deps.release != nil {
		s.deps.release(s)
	}

	endErr := ErrSessionClosed
	if s.cause != nil {
		endErr = &endedError{cause: s.cause}
	}
	s.mu.Lock()
	s.endErr = endErr
	s.mu.Unlock()

	s.log.Info("whatsapp: session ended", zap.NamedError("cause", s.cause))
	close(s.done)
}

// handle applies one connection event and reports whether the session
// reached its terminal state.
func (s *Session) handle(ev ConnectionEvent) bool {
	ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	defer cancel()

	switch e := ev.(type) {
	case PairingIssued:
		if s.Status() == models.StatusConnected {
			return false
		}
		code := e.Code
		s.settle(ctx, models.StatusAwaitingPairing, func(rec *models.WhatsAppSession) {
			rec.PairingCode = &code
		})
	case Connected:
		s.attempts = 0
		now := time.Now()
		phone := e.PhoneNumber
		s.settle(ctx, models.StatusConnected, func(rec *models.WhatsAppSession) {
			if phone != "" {
				rec.PhoneNumber = &phone
			}
			rec.ConnectedAt = &now
		})
	case CredentialsRotated:
		s.persistCredentials(ctx, e)
	case MessagesReceived:
		if s.deps.router != nil {
			s.deps.router.Route(ctx, s.tenantID, s.Self(), e.Messages)
		}
	case Closed:
		return s.onClosed(ctx, e)
	default:
		s.log.Warn("whatsapp: unknown connection event", zap.Any("event", ev))
	}
	return false
}

func (s *Session) persistCredentials(ctx context.Context, e CredentialsRotated) {
	if e.Creds != nil {
		if err := s.deps.auth.SaveCreds(ctx, e.Creds); err != nil {
			s.log.Error("whatsapp: failed to persist credentials", zap.Error(err))
		}
	}
	if len(e.Keys) > 0 {
		if err := s.deps.auth.Set(ctx, e.Keys); err != nil {
			s.log.Error("whatsapp: failed to persist key material", zap.Error(err))
		}
	}
}

// onClosed runs the reconnect policy for a dropped connection.
func (s *Session) onClosed(ctx context.Context, e Closed) bool {
	s.dropConn()
	s.settle(ctx, models.StatusClosing, nil)

	if e.Terminal {
		s.log.Warn("whatsapp: session logged out", zap.String("reason", e.Reason))
		s.cause = e.Cause()
		if err := s.deps.auth.Clear(ctx); err != nil {
			s.log.Error("whatsapp: failed to clear credentials", zap.Error(err))
		}
		s.settle(ctx, models.StatusDisconnected, clearIdentity)
		return true
	}

	delay, ok := s.deps.policy.Next(s.attempts)
	if !ok {
		s.log.Warn("whatsapp: reconnect attempts exhausted",
			zap.Int("attempts", s.attempts), zap.String("reason", e.Reason))
		s.cause = errors.Wrapf(e.Cause(), "gave up after %d attempts", s.attempts)
		s.settle(ctx, models.StatusDisconnected, clearConnectedAt)
		return true
	}
	s.attempts++
	s.timer = time.NewTimer(delay)
	s.settle(ctx, models.StatusConnecting, clearConnectedAt)

	s.log.Info("whatsapp: reconnect scheduled",
		zap.Int("attempt", s.attempts), zap.Duration("delay", delay), zap.String("reason", e.Reason))
	s.publish(TopicReconnectScheduled, ReconnectScheduled{
		TenantID: s.tenantID,
		Attempt:  s.attempts,
		Delay:    delay,
		Reason:   e.Reason,
	})
	return false
}

// reconnect dials again after the backoff timer fired. A failed dial counts
// as another transient close.
func (s *Session) reconnect() bool {
	ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	defer cancel()

	creds, err := s.deps.auth.LoadCreds(ctx)
	if err != nil {
		s.log.Error("whatsapp: failed to load credentials for reconnect", zap.Error(err))
		s.cause = errors.Wrap(err, "load credentials for reconnect")
		s.settle(ctx, models.StatusDisconnected, clearConnectedAt)
		return true
	}

	conn, err := s.deps.transport.Connect(s.ctx, ConnectParams{
		TenantID: s.tenantID,
		Creds:    creds,
	})
	if err != nil {
		s.log.Warn("whatsapp: reconnect failed", zap.Int("attempt", s.attempts), zap.Error(err))
		return s.onClosed(ctx, Closed{Reason: "dial: " + err.Error()})
	}
	s.setConn(conn)
	return false
}

func (s *Session) logout(reqCtx context.Context) error {
	s.stopTimer()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), persistTimeout)
	defer cancel()

	s.cause = errors.Wrap(ErrTerminalLogout, "logout requested")
	s.settle(ctx, models.StatusClosing, nil)
	if conn := s.currentConn(); conn != nil {
		if err := conn.Logout(ctx); err != nil {
			s.log.Warn("whatsapp: logout request failed", zap.Error(err))
		}
		s.dropConn()
	}
	err := s.deps.auth.Clear(ctx)
	if err != nil {
		s.log.Error("whatsapp: failed to clear credentials", zap.Error(err))
	}
	s.settle(ctx, models.StatusDisconnected, clearIdentity)
	return err
}

func (s *Session) shutdown() {
	s.stopTimer()
	s.dropConn()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.settle(ctx, models.StatusDisconnected, clearConnectedAt)
}

// settle is transition for the event path, where a failed write is logged
// and the in-memory state still follows the network.
func (s *Session) settle(ctx context.Context, to string, update func(*models.WhatsAppSession)) {
	if err := s.transition(ctx, to, update); err != nil {
		s.log.Error("whatsapp: failed to persist session status", zap.String("status", to), zap.Error(err))
	}
}

// transition persists the new status, then updates the in-memory view and
// releases readiness waiters.
func (s *Session) transition(ctx context.Context, to string, update func(*models.WhatsAppSession)) error {
	s.mu.RLock()
	from := s.status
	rec := models.WhatsAppSession{
		TenantID:    s.tenantID,
		Status:      to,
		PhoneNumber: optional(s.phone),
		ConnectedAt: s.connectedAt,
	}
	s.mu.RUnlock()

	if update != nil {
		update(&rec)
	}
	if to != models.StatusAwaitingPairing {
		rec.PairingCode = nil
	}
	err := s.deps.sessions.Save(ctx, &rec)
	if err != nil {
		err = errors.Wrapf(err, "persist status %s", to)
	}

	s.mu.Lock()
	s.status = to
	s.phone = deref(rec.PhoneNumber)
	s.pairingCode = deref(rec.PairingCode)
	s.connectedAt = rec.ConnectedAt
	if to == models.StatusConnected && from != models.StatusConnected {
		close(s.ready)
	} else if to != models.StatusConnected && from == models.StatusConnected {
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	if from != to {
		s.log.Info("whatsapp: session status changed", zap.String("from", from), zap.String("status", to))
		s.publish(TopicSessionStatus, StatusChange{TenantID: s.tenantID, From: from, To: to, At: time.Now()})
	}
	return err
}

func clearIdentity(rec *models.WhatsAppSession) {
	rec.PhoneNumber = nil
	rec.ConnectedAt = nil
}

func clearConnectedAt(rec *models.WhatsAppSession) {
	rec.ConnectedAt = nil
}

func (s *Session) publish(topic string, payload interface{}) {
	if s.deps.bus != nil {
		s.deps.bus.Publish(topic, payload)
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) currentConn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("whatsapp: close connection", zap.Error(err))
		}
	}
}

func (s *Session) TenantID() uint { return s.tenantID }

func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

// Self returns the connected account's JID, empty until paired.
func (s *Session) Self() string {
	if conn := s.currentConn(); conn != nil {
		return conn.Self()
	}
	return ""
}

// Alive reports whether the session goroutine is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Err is nil while the session runs. Once it has ended, Err matches
// ErrSessionClosed and, when the network or a logout ended it, also
// ErrTerminalLogout or ErrTransientDisconnect.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endErr
}

// WaitConnected blocks until the session is connected, ends, or ctx is done.
// A session that ended returns Err.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.RLock()
		ready := s.ready
		s.mu.RUnlock()

		select {
		case <-ready:
			if s.Status() == models.StatusConnected {
				return nil
			}
		case <-s.done:
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) connected() (Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != models.StatusConnected || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	conn, err := s.connected()
	if err != nil {
		return "", err
	}
	return conn.SendText(ctx, to, text)
}

func (s *Session) SendMedia(ctx context.Context, to string, media Media, caption string) (string, error) {
	conn, err := s.connected()
	if err != nil {
		return "", err
	}
	return conn.SendMedia(ctx, to, media, caption)
}

// Logout logs the account out, clears its credentials and ends the session.
// Any pending reconnect is cancelled. ErrSessionClosed means the session had
// already ended.
func (s *Session) Logout(ctx context.Context) error {
	req := logoutRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.logoutCh <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the connection without logging out and ends the session.
func (s *Session) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.shutdownCh <- reply:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
