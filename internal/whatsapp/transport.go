package whatsapp

import (
	"context"
	"time"

	"crm_wa/internal/storage"

	"github.com/pkg/errors"
)

// eventBuffer bounds every connection's event channel.
const eventBuffer = 64

// ConnectParams carries what a transport needs to open a tenant's
// connection. Creds is nil when the tenant has never paired. Protocol
// ratchet state stays in the transport's own device store.
type ConnectParams struct {
	TenantID uint
	Creds    *storage.Credentials
}

// Transport opens connections to the WhatsApp network. ctx bounds the
// lifetime of the returned connection, not only the dial.
type Transport interface {
	Connect(ctx context.Context, params ConnectParams) (Conn, error)
}

// DeviceRemover is implemented by transports that keep device state of
// their own. RemoveDevice drops that state when a tenant is logged out
// without a live connection. creds may be nil.
type DeviceRemover interface {
	RemoveDevice(ctx context.Context, tenantID uint, creds *storage.Credentials) error
}

// Conn is one live connection. Events are delivered in order on a bounded
// channel that is read by a single session goroutine.
type Conn interface {
	Events() <-chan ConnectionEvent
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media Media, caption string) (string, error)
	Logout(ctx context.Context) error
	Close() error
	// Self is the connected account's JID, empty until paired.
	Self() string
}

type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// ConnectionEvent is one of PairingIssued, Connected, Closed,
// CredentialsRotated or MessagesReceived.
type ConnectionEvent interface {
	connectionEvent()
}

// PairingIssued carries a pairing code to be rendered as a QR code.
type PairingIssued struct {
	Code string
}

type Connected struct {
	PhoneNumber string
}

// Closed reports that the connection is gone. Terminal closes are logouts
// and must not be retried.
type Closed struct {
	Terminal bool
	Reason   string
}

// Cause wraps Reason in ErrTerminalLogout or ErrTransientDisconnect.
func (c Closed) Cause() error {
	cause := ErrTransientDisconnect
	if c.Terminal {
		cause = ErrTerminalLogout
	}
	if c.Reason == "" {
		return cause
	}
	return errors.Wrap(cause, c.Reason)
}

// CredentialsRotated carries updated identity material and key entries to
// persist. Either field may be empty; a nil key payload deletes the entry.
type CredentialsRotated struct {
	Creds *storage.Credentials
	Keys  map[string]map[string][]byte
}

type MessagesReceived struct {
	Messages []InboundMessage
}

type InboundMessage struct {
	ID        string
	From      string // sender JID
	Chat      string
	PushName  string
	FromMe    bool
	Text      string
	Timestamp time.Time
}

func (PairingIssued) connectionEvent()      {}
func (Connected) connectionEvent()          {}
func (Closed) connectionEvent()             {}
func (CredentialsRotated) connectionEvent() {}
func (MessagesReceived) connectionEvent()   {}
