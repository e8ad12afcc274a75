package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"crm_wa/internal/database"
	"crm_wa/internal/models"
	"crm_wa/internal/services"
	"crm_wa/internal/storage"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const waitTimeout = 3 * time.Second

type testEnv struct {
	db            *gorm.DB
	store         storage.CredentialStore
	transport     *LoopbackTransport
	bus           EventBus.Bus
	sessions      *services.SessionService
	tenants       *services.TenantService
	logs          *services.MessageLogService
	conversations *services.ConversationService
	manager       *Manager
	tenant        models.Tenant
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func newTestEnv(t *testing.T, policy ReconnectPolicy) *testEnv {
	t.Helper()
	return newTestEnvWith(t, policy, nil)
}

// newTestEnvWith lets wrap put a transport in front of the loopback one.
func newTestEnvWith(t *testing.T, policy ReconnectPolicy, wrap func(*LoopbackTransport) Transport) *testEnv {
	t.Helper()

	db, err := database.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	tenant, err := database.SeedDefaultTenant(db, "Casa Azul")
	require.NoError(t, err)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		db:            db,
		store:         store,
		transport:     NewLoopbackTransport(),
		bus:           EventBus.New(),
		sessions:      services.NewSessionService(db),
		tenants:       services.NewTenantService(db),
		logs:          services.NewMessageLogService(db),
		conversations: services.NewConversationService(db),
		tenant:        *tenant,
	}
	var transport Transport = env.transport
	if wrap != nil {
		transport = wrap(env.transport)
	}
	env.manager = NewManager(Options{
		Transport:     transport,
		Store:         env.store,
		Sessions:      env.sessions,
		Tenants:       env.tenants,
		Logs:          env.logs,
		Conversations: env.conversations,
		Policy:        policy,
		Bus:           env.bus,
		Log:           zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		env.manager.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) status(t *testing.T) string {
	t.Helper()
	return e.manager.GetConnectionStatus(context.Background(), 0).Status
}

func (e *testEnv) waitStatus(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.status(t) == want
	}, waitTimeout, 5*time.Millisecond, "session never reached %s (last %s)", want, e.status(t))
}

// connectPaired connects the default tenant and completes pairing.
func (e *testEnv) connectPaired(t *testing.T, phone string) (*Session, *LoopbackConn) {
	t.Helper()
	session, err := e.manager.Connect(context.Background(), 0)
	require.NoError(t, err)
	e.waitStatus(t, models.StatusAwaitingPairing)

	conn := e.transport.Conn(e.tenant.ID)
	require.NotNil(t, conn)
	conn.Pair(phone)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, session.WaitConnected(ctx))
	return session, conn
}

func (e *testEnv) storedKeys(t *testing.T) []string {
	t.Helper()
	keys, err := e.store.List(context.Background(), "tenants/")
	require.NoError(t, err)
	return keys
}

func (e *testEnv) messageLogs(t *testing.T, direction string) []models.MessageLog {
	t.Helper()
	logs, err := e.logs.List(context.Background(), e.tenant.ID, direction, 0)
	require.NoError(t, err)
	return logs
}

// gatedTransport holds the next dial until it is released.
type gatedTransport struct {
	*LoopbackTransport

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

// holdNext arms the gate for the next dial. entered fires once that dial is
// waiting; release lets it through.
func (g *gatedTransport) holdNext() (entered <-chan struct{}, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.gate = gate
	g.entered = make(chan struct{}, 1)
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(gate) }) }
}

func (g *gatedTransport) Connect(ctx context.Context, params ConnectParams) (Conn, error) {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.gate, g.entered = nil, nil
	g.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.LoopbackTransport.Connect(ctx, params)
}

// collector records bus payloads for one topic.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func collect[T any](t *testing.T, bus EventBus.Bus, topic string) *collector[T] {
	t.Helper()
	c := &collector[T]{}
	require.NoError(t, bus.Subscribe(topic, func(item T) {
		c.mu.Lock()
		c.items = append(c.items, item)
		c.mu.Unlock()
	}))
	return c
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}
