package whatsapp

import (
	"context"
	"sync"
	"time"

	"crm_wa/internal/storage"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/types"
)

// LoopbackTransport is an in-process transport. Connections never leave the
// process; tests and local development drive them through Pair, Drop,
// Revoke and Deliver.
type LoopbackTransport struct {
	// AutoPairPhone, when set, completes pairing right after the code is
	// issued as if the phone had scanned it.
	AutoPairPhone string

	mu          sync.Mutex
	cond        *sync.Cond
	dials       int
	conns       map[uint]*LoopbackConn
	failConnect error
	removed     []uint
}

func NewLoopbackTransport() *LoopbackTransport {
	t := &LoopbackTransport{conns: map[uint]*LoopbackConn{}}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// FailConnect makes subsequent dials fail with err until cleared with nil.
func (t *LoopbackTransport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failConnect = err
}

// Dials counts Connect calls, failed ones included.
func (t *LoopbackTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *LoopbackTransport) Connect(_ context.Context, params ConnectParams) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.cond.Broadcast()
	if t.failConnect != nil {
		err := t.failConnect
		t.mu.Unlock()
		return nil, errors.Wrap(err, "loopback dial")
	}
	conn := &LoopbackConn{
		tenantID: params.TenantID,
		events:   make(chan ConnectionEvent, eventBuffer),
		stop:     make(chan struct{}),
	}
	t.conns[params.TenantID] = conn
	t.cond.Broadcast()
	autoPair := t.AutoPairPhone
	t.mu.Unlock()

	if params.Creds.Paired() {
		phone := PhoneFromJID(params.Creds.DeviceID)
		conn.setSelf(params.Creds.DeviceID)
		conn.Emit(Connected{PhoneNumber: phone})
		return conn, nil
	}

	conn.Emit(PairingIssued{Code: "2@" + uuid.NewString()})
	if autoPair != "" {
		conn.Pair(autoPair)
	}
	return conn, nil
}

// RemoveDevice only records the call; loopback connections keep no device
// state.
func (t *LoopbackTransport) RemoveDevice(_ context.Context, tenantID uint, _ *storage.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, tenantID)
	return nil
}

// Removed lists the tenants passed to RemoveDevice, in call order.
func (t *LoopbackTransport) Removed() []uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint(nil), t.removed...)
}

// Conn returns the latest connection opened for tenantID.
func (t *LoopbackTransport) Conn(tenantID uint) *LoopbackConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[tenantID]
}

// WaitDials blocks until at least n dials happened or timeout elapses.
func (t *LoopbackTransport) WaitDials(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.dials < n {
		if !time.Now().Before(deadline) {
			return false
		}
		t.cond.Wait()
	}
	return true
}

// SentMessage is one message accepted by a LoopbackConn.
type SentMessage struct {
	ID     string
	To     string
	Text   string
	Media  *Media
	Conn   *LoopbackConn
	SentAt time.Time
}

// LoopbackConn is a connection opened by LoopbackTransport.
type LoopbackConn struct {
	tenantID uint
	events   chan ConnectionEvent
	stop     chan struct{} // closed by Close

	mu        sync.Mutex
	self      string
	sent      []SentMessage
	closed    bool
	loggedOut bool
	failSend  error
}

func (c *LoopbackConn) Events() <-chan ConnectionEvent { return c.events }

// Emit queues ev, blocking while the buffer is full. It reports false when
// the connection was closed before ev could be queued.
func (c *LoopbackConn) Emit(ev ConnectionEvent) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func (c *LoopbackConn) setSelf(jid string) {
	c.mu.Lock()
	c.self = jid
	c.mu.Unlock()
}

// Pair simulates the phone scanning the pairing code.
func (c *LoopbackConn) Pair(phone string) {
	device := types.NewADJID(phone, 0, 1).String()
	c.setSelf(device)
	c.Emit(CredentialsRotated{
		Creds: &storage.Credentials{
			DeviceID:       device,
			RegistrationID: uint32(c.tenantID),
			Platform:       "loopback",
			UpdatedAt:      time.Now(),
		},
		Keys: map[string]map[string][]byte{
			storage.CategoryPreKey: {"1": []byte("loopback-pre-key")},
		},
	})
	c.Emit(Connected{PhoneNumber: phone})
}

// Drop simulates a network failure.
func (c *LoopbackConn) Drop(reason string) {
	c.Emit(Closed{Reason: reason})
}

// Revoke simulates the account being logged out from the phone.
func (c *LoopbackConn) Revoke() {
	c.Emit(Closed{Terminal: true, Reason: "logged out from another device"})
}

func (c *LoopbackConn) Deliver(messages ...InboundMessage) {
	c.Emit(MessagesReceived{Messages: messages})
}

// FailSend makes subsequent sends fail with err until cleared with nil.
func (c *LoopbackConn) FailSend(err error) {
	c.mu.Lock()
	c.failSend = err
	c.mu.Unlock()
}

func (c *LoopbackConn) SendText(ctx context.Context, to, text string) (string, error) {
	return c.send(ctx, SentMessage{To: to, Text: text})
}

func (c *LoopbackConn) SendMedia(ctx context.Context, to string, media Media, caption string) (string, error) {
	return c.send(ctx, SentMessage{To: to, Text: caption, Media: &media})
}

func (c *LoopbackConn) send(ctx context.Context, msg SentMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrNotConnected
	}
	if c.failSend != nil {
		return "", c.failSend
	}
	msg.ID = uuid.NewString()
	msg.Conn = c
	msg.SentAt = time.Now()
	c.sent = append(c.sent, msg)
	return msg.ID, nil
}

// Sent returns a copy of every message accepted so far.
func (c *LoopbackConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *LoopbackConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *LoopbackConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	return nil
}

func (c *LoopbackConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *LoopbackConn) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}
