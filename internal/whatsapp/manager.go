package whatsapp

import (
	"context"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"
	"crm_wa/internal/storage"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StatusView is the persisted connection status of a tenant.
type StatusView struct {
	TenantID    uint       `json:"tenant_id"`
	Status      string     `json:"status"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	PairingCode string     `json:"pairing_code,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Options wires a Manager. Bus, Fetcher and Log are optional.
type Options struct {
	Transport     Transport
	Store         storage.CredentialStore
	Sessions      *services.SessionService
	Tenants       *services.TenantService
	Logs          *services.MessageLogService
	Conversations *services.ConversationService
	Policy        ReconnectPolicy
	Bus           EventBus.Bus
	Fetcher       MediaFetcher
	Log           *zap.Logger
}

// Manager is the entry point of the package: it resolves tenants, owns the
// session registry and exposes status, send and disconnect operations.
type Manager struct {
	registry   *Registry
	transport  Transport
	store      storage.CredentialStore
	sessions   *services.SessionService
	tenants    *services.TenantService
	policy     ReconnectPolicy
	bus        EventBus.Bus
	log        *zap.Logger
	router     *Router
	dispatcher *Dispatcher
}

func NewManager(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = zap.L()
	}
	bus := opts.Bus
	if bus == nil {
		bus = EventBus.New()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = &HTTPMediaFetcher{}
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = DefaultReconnectPolicy()
	}

	m := &Manager{
		registry:  NewRegistry(),
		transport: opts.Transport,
		store:     opts.Store,
		sessions:  opts.Sessions,
		tenants:   opts.Tenants,
		policy:    policy,
		bus:       bus,
		log:       log,
		router:    NewRouter(opts.Tenants, opts.Logs, opts.Conversations, bus, log),
	}
	m.dispatcher = &Dispatcher{
		sessions:      m.connect,
		logs:          opts.Logs,
		conversations: opts.Conversations,
		fetcher:       fetcher,
		bus:           bus,
		log:           log,
	}
	return m
}

func (m *Manager) Bus() EventBus.Bus { return m.bus }

// Connect returns the tenant's live session, creating it when none exists.
// Concurrent callers share a single construction. A zero tenantID selects
// the default tenant.
func (m *Manager) Connect(ctx context.Context, tenantID uint) (*Session, error) {
	tenantID, err := m.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.connect(ctx, tenantID)
}

func (m *Manager) connect(ctx context.Context, tenantID uint) (*Session, error) {
	return m.registry.GetOrCreate(ctx, tenantID, func(ctx context.Context) (*Session, error) {
		session := newSession(tenantID, sessionDeps{
			transport: m.transport,
			auth:      storage.NewAuthState(m.store, tenantID),
			sessions:  m.sessions,
			router:    m.router,
			policy:    m.policy,
			bus:       m.bus,
			log:       m.log,
			release: func(s *Session) {
				m.registry.Release(tenantID, s)
			},
		})
		if err := session.start(ctx); err != nil {
			m.log.Error("whatsapp: failed to start session", zap.Uint("tenant_id", tenantID), zap.Error(err))
			return nil, err
		}
		return session, nil
	})
}

// GetConnectionStatus reads the persisted session record. It never fails: a
// missing record or a read error reports disconnected.
func (m *Manager) GetConnectionStatus(ctx context.Context, tenantID uint) StatusView {
	view := StatusView{TenantID: tenantID, Status: models.StatusDisconnected}

	resolved, err := m.tenants.Resolve(ctx, tenantID)
	if err != nil {
		m.log.Warn("whatsapp: status requested without a tenant", zap.Error(err))
		return view
	}
	view.TenantID = resolved

	record, err := m.sessions.Get(ctx, resolved)
	if err != nil {
		m.log.Warn("whatsapp: failed to read session status", zap.Uint("tenant_id", resolved), zap.Error(err))
		return view
	}
	if record == nil {
		return view
	}
	view.Status = record.Status
	view.PhoneNumber = deref(record.PhoneNumber)
	view.PairingCode = deref(record.PairingCode)
	view.ConnectedAt = record.ConnectedAt
	updated := record.UpdatedAt
	view.UpdatedAt = &updated
	return view
}

// SendMessage sends body, or the media at opts.MediaURL with body as its
// caption, and returns the external message id. It blocks until the
// tenant's session is connected; callers bound the wait through ctx.
func (m *Manager) SendMessage(ctx context.Context, destination, body string, opts SendOptions) (string, error) {
	tenantID, err := m.tenants.Resolve(ctx, opts.TenantID)
	if err != nil {
		return "", &SendFailure{Cause: err}
	}
	return m.dispatcher.Send(ctx, tenantID, destination, body, opts)
}

// Disconnect logs the tenant out and clears its credentials, whether or not
// a session is live in this process. A pending reconnect is cancelled, and a
// connection being built concurrently is logged out once it is up.
func (m *Manager) Disconnect(ctx context.Context, tenantID uint) error {
	tenantID, err := m.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	return m.registry.Exclusive(ctx, tenantID, func(live *Session) error {
		if live != nil {
			err := live.Logout(ctx)
			if !errors.Is(err, ErrSessionClosed) {
				return err
			}
		}
		return m.logoutOffline(ctx, tenantID)
	})
}

// logoutOffline clears a tenant that has no live session. No network logout
// is possible; the transport's own device state is removed instead.
func (m *Manager) logoutOffline(ctx context.Context, tenantID uint) error {
	auth := storage.NewAuthState(m.store, tenantID)
	if remover, ok := m.transport.(DeviceRemover); ok {
		creds, err := auth.LoadCreds(ctx)
		if err != nil {
			m.log.Warn("whatsapp: cannot read credentials before logout", zap.Uint("tenant_id", tenantID), zap.Error(err))
		}
		if err := remover.RemoveDevice(ctx, tenantID, creds); err != nil {
			return errors.Wrap(err, "remove device")
		}
	}
	if err := auth.Clear(ctx); err != nil {
		return errors.Wrap(err, "clear credentials")
	}
	record := &models.WhatsAppSession{TenantID: tenantID, Status: models.StatusDisconnected}
	if err := m.sessions.Save(ctx, record); err != nil {
		return err
	}
	m.log.Info("whatsapp: tenant logged out without live session", zap.Uint("tenant_id", tenantID))
	return nil
}

// Start reconciles records left live by a previous process and, when
// autoConnect is set, reconnects every tenant that holds credentials.
func (m *Manager) Start(ctx context.Context, autoConnect bool) error {
	reset, err := m.sessions.ResetLive(ctx)
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		m.log.Info("whatsapp: reset stale session records", zap.Uints("tenant_ids", reset))
	}
	if !autoConnect {
		return nil
	}

	tenants, err := m.tenants.List(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		creds, err := storage.NewAuthState(m.store, tenant.ID).LoadCreds(ctx)
		if err != nil {
			m.log.Error("whatsapp: failed to read credentials", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
			continue
		}
		if !creds.Paired() {
			continue
		}
		if _, err := m.connect(ctx, tenant.ID); err != nil {
			m.log.Error("whatsapp: auto connect failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		}
	}
	return nil
}

// Shutdown closes every live session without logging out.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, session := range m.registry.Sessions() {
		if err := session.Shutdown(ctx); err != nil {
			m.log.Warn("whatsapp: session shutdown interrupted",
				zap.Uint("tenant_id", session.TenantID()), zap.Error(err))
		}
	}
}

// Session returns the tenant's live session, if any.
func (m *Manager) Session(tenantID uint) (*Session, bool) {
	return m.registry.Get(tenantID)
}
