package whatsapp

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultMaxMediaBytes = 16 << 20

// SendOptions are the optional parts of an outbound message. A zero
// TenantID selects the default tenant.
type SendOptions struct {
	MediaURL  string
	ContactID *uint
	TenantID  uint
}

// MediaFetcher downloads media referenced by URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (Media, error)
}

// HTTPMediaFetcher downloads media with a plain HTTP GET.
type HTTPMediaFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func (f *HTTPMediaFetcher) Fetch(ctx context.Context, rawURL string) (Media, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxMediaBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Media{}, errors.Wrap(err, "build media request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return Media{}, errors.Wrap(err, "fetch media")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Media{}, errors.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Media{}, errors.Wrap(err, "read media")
	}
	if int64(len(data)) > limit {
		return Media{}, errors.Errorf("fetch media: larger than %d bytes", limit)
	}

	mimeType := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	} else {
		mimeType = http.DetectContentType(data)
	}
	return Media{
		Data:     data,
		MimeType: mimeType,
		FileName: path.Base(req.URL.Path),
	}, nil
}

// Dispatcher sends outbound messages and records every attempt in the
// message log.
type Dispatcher struct {
	sessions      func(ctx context.Context, tenantID uint) (*Session, error)
	logs          *services.MessageLogService
	conversations *services.ConversationService
	fetcher       MediaFetcher
	bus           EventBus.Bus
	log           *zap.Logger
}

// Send delivers body to destination and returns the external message id.
// Errors are *SendFailure values wrapping the cause. The log row is written
// in both cases; a log write failure is reported on TopicLogFailed and never
// replaces the send result.
func (d *Dispatcher) Send(ctx context.Context, tenantID uint, destination, body string, opts SendOptions) (string, error) {
	jid, err := NormalizeDestination(destination)
	if err != nil {
		d.record(ctx, tenantID, destination, body, opts, "", err)
		return "", &SendFailure{Cause: err}
	}

	id, err := d.deliver(ctx, tenantID, jid, body, opts)
	d.record(ctx, tenantID, jid, body, opts, id, err)
	if err != nil {
		d.log.Warn("whatsapp: send failed",
			zap.Uint("tenant_id", tenantID), zap.String("jid", jid), zap.Error(err))
		return "", &SendFailure{Cause: err}
	}

	d.mirror(ctx, tenantID, jid, body, id)
	d.log.Info("whatsapp: message sent",
		zap.Uint("tenant_id", tenantID), zap.String("jid", jid), zap.String("message_id", id))
	return id, nil
}

func (d *Dispatcher) deliver(ctx context.Context, tenantID uint, jid, body string, opts SendOptions) (string, error) {
	session, err := d.sessions(ctx, tenantID)
	if err != nil {
		return "", errors.Wrap(err, "obtain session")
	}
	if err := session.WaitConnected(ctx); err != nil {
		return "", errors.Wrap(err, "wait for connection")
	}

	if opts.MediaURL == "" {
		return session.SendText(ctx, jid, body)
	}
	media, err := d.fetcher.Fetch(ctx, opts.MediaURL)
	if err != nil {
		return "", err
	}
	return session.SendMedia(ctx, jid, media, body)
}

func (d *Dispatcher) record(ctx context.Context, tenantID uint, destination, body string, opts SendOptions, id string, sendErr error) {
	entry := &models.MessageLog{
		TenantID:    tenantID,
		ContactID:   opts.ContactID,
		Destination: destination,
		Body:        body,
		Direction:   models.DirectionOutbound,
		Status:      models.LogStatusSent,
		Timestamp:   time.Now(),
	}
	if opts.MediaURL != "" {
		ref := opts.MediaURL
		entry.MediaRef = &ref
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Status = models.LogStatusFailed
		entry.Error = &msg
	} else if id != "" {
		entry.ExternalMessageID = &id
	}

	// The send result must survive a cancelled request context.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := d.logs.Append(logCtx, entry); err != nil {
		d.log.Error("whatsapp: failed to append outbound log",
			zap.Uint("tenant_id", tenantID), zap.String("status", entry.Status), zap.Error(err))
		if d.bus != nil {
			d.bus.Publish(TopicLogFailed, LogFailure{
				TenantID:    tenantID,
				Direction:   models.DirectionOutbound,
				Destination: destination,
				Status:      entry.Status,
				Err:         err,
			})
		}
	}
}

// mirror appends the sent message to an existing conversation thread.
func (d *Dispatcher) mirror(ctx context.Context, tenantID uint, jid, body, id string) {
	if d.conversations == nil || strings.TrimSpace(body) == "" {
		return
	}
	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := d.conversations.RecordOutbound(mirrorCtx, tenantID, jid, body, id, time.Now()); err != nil {
		d.log.Warn("whatsapp: failed to mirror outbound message", zap.String("jid", jid), zap.Error(err))
	}
}
