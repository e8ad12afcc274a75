package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crm_wa/internal/config"
	"crm_wa/internal/logger"
	"crm_wa/internal/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.mau.fi/whatsmeow/util/keys"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// WhatsmeowTransport connects through whatsmeow. Device state lives in a
// sqlstore container; the identity is mirrored into the credential store so
// it can be restored into an empty container.
type WhatsmeowTransport struct {
	driver string
	dsn    string
	dir    string
	log    *zap.Logger

	mu         sync.Mutex
	containers map[uint]*sqlstore.Container
	shared     *sqlstore.Container
}

func NewWhatsmeowTransport(cfg config.WhatsAppConfig, log *zap.Logger) *WhatsmeowTransport {
	return &WhatsmeowTransport{
		driver:     cfg.StoreDriver,
		dsn:        cfg.StoreDSN,
		dir:        cfg.StoreDir,
		log:        log,
		containers: make(map[uint]*sqlstore.Container),
	}
}

// container opens the device store for tenantID: one shared Postgres
// database, or one SQLite file per tenant.
func (t *WhatsmeowTransport) container(ctx context.Context, tenantID uint) (*sqlstore.Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waLogger := logger.WhatsmeowLogger(t.log, "Database")
	switch t.driver {
	case "postgres", "pgx":
		if t.shared != nil {
			return t.shared, nil
		}
		if t.dsn == "" {
			return nil, errors.New("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
		container, err := sqlstore.New(ctx, "pgx", t.dsn, waLogger)
		if err != nil {
			return nil, errors.Wrap(err, "open whatsmeow postgres store")
		}
		t.shared = container
		return container, nil
	default:
		if container, ok := t.containers[tenantID]; ok {
			return container, nil
		}
		if t.dir != "" {
			if err := os.MkdirAll(t.dir, 0o700); err != nil {
				return nil, errors.Wrap(err, "create whatsmeow store dir")
			}
		}
		dbPath := filepath.Join(t.dir, fmt.Sprintf("whatsapp_session_tenant_%d.db", tenantID))
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode=WAL&_pragma=synchronous=NORMAL", dbPath)
		container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger)
		if err != nil {
			return nil, errors.Wrap(err, "open whatsmeow sqlite store")
		}
		t.containers[tenantID] = container
		return container, nil
	}
}

// device returns the stored device for creds, restoring it from creds when
// the container has lost it, or a fresh device for pairing.
func (t *WhatsmeowTransport) device(ctx context.Context, container *sqlstore.Container, creds *storage.Credentials, log *zap.Logger) *store.Device {
	if !creds.Paired() {
		return container.NewDevice()
	}
	jid, err := types.ParseJID(creds.DeviceID)
	if err != nil {
		log.Warn("whatsapp: stored device id is invalid, pairing again", zap.Error(err))
		return container.NewDevice()
	}
	dev, err := container.GetDevice(ctx, jid)
	if err != nil {
		log.Warn("whatsapp: failed to load device", zap.String("jid", creds.DeviceID), zap.Error(err))
	}
	if dev != nil {
		return dev
	}

	dev = container.NewDevice()
	if err := restoreDevice(dev, creds); err != nil {
		log.Warn("whatsapp: cannot restore device from credentials, pairing again", zap.Error(err))
		return container.NewDevice()
	}
	if err := container.PutDevice(ctx, dev); err != nil {
		log.Warn("whatsapp: failed to save restored device", zap.Error(err))
	}
	log.Info("whatsapp: restored device from credential store", zap.String("jid", creds.DeviceID))
	return dev
}

func (t *WhatsmeowTransport) Connect(ctx context.Context, params ConnectParams) (Conn, error) {
	log := t.log.With(zap.Uint("tenant_id", params.TenantID))
	container, err := t.container(ctx, params.TenantID)
	if err != nil {
		return nil, err
	}
	dev := t.device(ctx, container, params.Creds, log)

	client := whatsmeow.NewClient(dev, logger.WhatsmeowLogger(t.log, fmt.Sprintf("Client/%d", params.TenantID)))
	client.EnableAutoReconnect = false

	conn := &whatsmeowConn{
		client: client,
		events: make(chan ConnectionEvent, eventBuffer),
		done:   make(chan struct{}),
		log:    log,
		ctx:    ctx,
	}
	conn.handlerID = client.AddEventHandler(conn.handle)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "open pairing channel")
		}
		if err := client.Connect(); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "connect")
		}
		go conn.forwardPairing(qrChan)
		return conn, nil
	}

	if err := client.Connect(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "connect")
	}
	return conn, nil
}

// RemoveDevice deletes the tenant's device from the sqlstore so that a
// later connect pairs from scratch.
func (t *WhatsmeowTransport) RemoveDevice(ctx context.Context, tenantID uint, creds *storage.Credentials) error {
	if !creds.Paired() {
		return nil
	}
	jid, err := types.ParseJID(creds.DeviceID)
	if err != nil {
		return errors.Wrap(err, "parse device id")
	}
	container, err := t.container(ctx, tenantID)
	if err != nil {
		return err
	}
	dev, err := container.GetDevice(ctx, jid)
	if err != nil {
		return errors.Wrap(err, "load device")
	}
	if dev == nil {
		return nil
	}
	if err := container.DeleteDevice(ctx, dev); err != nil {
		return errors.Wrap(err, "delete device")
	}
	t.log.Info("whatsapp: removed stored device", zap.Uint("tenant_id", tenantID), zap.String("jid", creds.DeviceID))
	return nil
}

type whatsmeowConn struct {
	client    *whatsmeow.Client
	handlerID uint32
	events    chan ConnectionEvent
	log       *zap.Logger
	ctx       context.Context

	closeOnce sync.Once
	done      chan struct{}
}

func (c *whatsmeowConn) Events() <-chan ConnectionEvent { return c.events }

// emit blocks while the buffer is full and gives up once the connection is
// closed.
func (c *whatsmeowConn) emit(ev ConnectionEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *whatsmeowConn) forwardPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(PairingIssued{Code: item.Code})
		case "success":
			return
		case "timeout":
			c.emit(Closed{Reason: "pairing timed out"})
			return
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(Closed{Reason: "pairing failed: " + reason})
			return
		}
	}
}

func (c *whatsmeowConn) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("whatsapp: paired", zap.String("jid", v.ID.String()), zap.String("platform", v.Platform))
		c.emitRotation()
	case *events.Connected:
		c.emitRotation()
		phone := ""
		if c.client.Store.ID != nil {
			phone = c.client.Store.ID.User
		}
		c.emit(Connected{PhoneNumber: phone})
	case *events.AppStateSyncComplete:
		c.emitRotation()
	case *events.LoggedOut:
		c.emit(Closed{Terminal: true, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.ConnectFailure:
		c.emit(Closed{Terminal: v.Reason.IsLoggedOut(), Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.StreamReplaced:
		c.emit(Closed{Reason: "stream replaced"})
	case *events.Disconnected:
		c.emit(Closed{Reason: "disconnected"})
	case *events.Message:
		c.emit(MessagesReceived{Messages: []InboundMessage{{
			ID:        string(v.Info.ID),
			From:      v.Info.Sender.String(),
			Chat:      v.Info.Chat.String(),
			PushName:  v.Info.PushName,
			FromMe:    v.Info.IsFromMe,
			Text:      messageText(v.Message),
			Timestamp: v.Info.Timestamp,
		}}})
	}
}

// emitRotation mirrors the device identity and the latest app state sync
// key into the credential store.
func (c *whatsmeowConn) emitRotation() {
	dev := c.client.Store
	if dev == nil || dev.ID == nil {
		return
	}
	creds, err := credentialsFromDevice(dev)
	if err != nil {
		c.log.Warn("whatsapp: cannot snapshot device credentials", zap.Error(err))
		return
	}
	rotation := CredentialsRotated{Creds: creds}

	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()
	if keyID, err := dev.AppStateKeys.GetLatestAppStateSyncKeyID(ctx); err == nil && len(keyID) > 0 {
		if key, err := dev.AppStateKeys.GetAppStateSyncKey(ctx, keyID); err == nil && key != nil {
			data, err := json.Marshal(storage.AppStateSyncKey{
				Data:        key.Data,
				Fingerprint: key.Fingerprint,
				Timestamp:   key.Timestamp,
			})
			if err == nil {
				rotation.Keys = map[string]map[string][]byte{
					storage.CategoryAppStateSyncKey: {base64.StdEncoding.EncodeToString(keyID): data},
				}
			}
		}
	}
	c.emit(rotation)
}

func (c *whatsmeowConn) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", errors.Wrap(ErrInvalidDestination, err.Error())
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *whatsmeowConn) SendMedia(ctx context.Context, to string, media Media, caption string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", errors.Wrap(ErrInvalidDestination, err.Error())
	}

	mediaType := whatsmeow.MediaDocument
	switch {
	case strings.HasPrefix(media.MimeType, "image/"):
		mediaType = whatsmeow.MediaImage
	case strings.HasPrefix(media.MimeType, "video/"):
		mediaType = whatsmeow.MediaVideo
	}
	up, err := c.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return "", errors.Wrap(err, "upload media")
	}

	msg := &waE2E.Message{}
	switch mediaType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.FileName),
			Title:         proto.String(media.FileName),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *whatsmeowConn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *whatsmeowConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
	})
	return nil
}

func (c *whatsmeowConn) Self() string {
	if c.client.Store == nil || c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.String()
}

func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage().GetCaption() != "":
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func credentialsFromDevice(dev *store.Device) (*storage.Credentials, error) {
	creds := &storage.Credentials{
		RegistrationID: dev.RegistrationID,
		NoiseKey:       keyPairOf(dev.NoiseKey),
		IdentityKey:    keyPairOf(dev.IdentityKey),
		AdvSecretKey:   append([]byte(nil), dev.AdvSecretKey...),
		Platform:       dev.Platform,
		PushName:       dev.PushName,
		BusinessName:   dev.BusinessName,
		UpdatedAt:      time.Now(),
	}
	if dev.ID != nil {
		creds.DeviceID = dev.ID.String()
	}
	if dev.SignedPreKey != nil {
		creds.SignedPreKey = storage.SignedPreKey{
			KeyPair: keyPairOf(&dev.SignedPreKey.KeyPair),
			KeyID:   dev.SignedPreKey.KeyID,
		}
		if dev.SignedPreKey.Signature != nil {
			creds.SignedPreKey.Signature = append([]byte(nil), dev.SignedPreKey.Signature[:]...)
		}
	}
	if dev.Account != nil {
		account, err := proto.Marshal(dev.Account)
		if err != nil {
			return nil, errors.Wrap(err, "encode account identity")
		}
		creds.Account = account
	}
	return creds, nil
}

func keyPairOf(kp *keys.KeyPair) storage.KeyPair {
	if kp == nil || kp.Pub == nil || kp.Priv == nil {
		return storage.KeyPair{}
	}
	return storage.KeyPair{
		Public:  append([]byte(nil), kp.Pub[:]...),
		Private: append([]byte(nil), kp.Priv[:]...),
	}
}

func privateKey(raw []byte, name string) (*keys.KeyPair, error) {
	if len(raw) != 32 {
		return nil, errors.Errorf("%s: want 32 bytes, got %d", name, len(raw))
	}
	var priv [32]byte
	copy(priv[:], raw)
	return keys.NewKeyPairFromPrivateKey(priv), nil
}

func restoreDevice(dev *store.Device, creds *storage.Credentials) error {
	jid, err := types.ParseJID(creds.DeviceID)
	if err != nil {
		return errors.Wrap(err, "device id")
	}
	noise, err := privateKey(creds.NoiseKey.Private, "noise key")
	if err != nil {
		return err
	}
	identity, err := privateKey(creds.IdentityKey.Private, "identity key")
	if err != nil {
		return err
	}
	signed, err := privateKey(creds.SignedPreKey.Private, "signed pre key")
	if err != nil {
		return err
	}
	preKey := &keys.PreKey{KeyPair: *signed, KeyID: creds.SignedPreKey.KeyID}
	if len(creds.SignedPreKey.Signature) == 64 {
		var sig [64]byte
		copy(sig[:], creds.SignedPreKey.Signature)
		preKey.Signature = &sig
	}

	dev.ID = &jid
	dev.NoiseKey = noise
	dev.IdentityKey = identity
	dev.SignedPreKey = preKey
	dev.RegistrationID = creds.RegistrationID
	dev.AdvSecretKey = append([]byte(nil), creds.AdvSecretKey...)
	dev.Platform = creds.Platform
	dev.PushName = creds.PushName
	dev.BusinessName = creds.BusinessName
	if len(creds.Account) > 0 {
		account := &waAdv.ADVSignedDeviceIdentity{}
		if err := proto.Unmarshal(creds.Account, account); err != nil {
			return errors.Wrap(err, "account identity")
		}
		dev.Account = account
	}
	return nil
}
