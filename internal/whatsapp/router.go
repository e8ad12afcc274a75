package whatsapp

import (
	"context"
	"strings"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Router writes inbound messages to the message log and the conversation
// threads. Redelivered messages are not deduplicated.
type Router struct {
	tenants       *services.TenantService
	logs          *services.MessageLogService
	conversations *services.ConversationService
	bus           EventBus.Bus
	log           *zap.Logger
}

func NewRouter(tenants *services.TenantService, logs *services.MessageLogService, conversations *services.ConversationService, bus EventBus.Bus, log *zap.Logger) *Router {
	return &Router{
		tenants:       tenants,
		logs:          logs,
		conversations: conversations,
		bus:           bus,
		log:           log,
	}
}

// Route processes one batch and returns how many messages were stored.
// Failures are logged per message and never stop the batch.
func (r *Router) Route(ctx context.Context, tenantID uint, self string, messages []InboundMessage) int {
	if len(messages) == 0 {
		return 0
	}
	tenantID, err := r.tenants.Resolve(ctx, tenantID)
	if err != nil {
		r.log.Error("whatsapp: cannot route inbound messages", zap.Int("count", len(messages)), zap.Error(err))
		return 0
	}

	selfUser := PhoneFromJID(self)
	routed := 0
	for _, msg := range messages {
		if msg.FromMe || (selfUser != "" && PhoneFromJID(msg.From) == selfUser) {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		if r.routeOne(ctx, tenantID, msg, text) {
			routed++
		}
	}
	return routed
}

func (r *Router) routeOne(ctx context.Context, tenantID uint, msg InboundMessage, text string) (ok bool) {
	log := r.log.With(zap.Uint("tenant_id", tenantID), zap.String("message_id", msg.ID), zap.String("jid", msg.From))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("whatsapp: panic while routing inbound message", zap.Any("panic", rec))
			r.fail(tenantID, msg.ID, errors.Errorf("panic: %v", rec))
			ok = false
		}
	}()

	sender, err := NormalizeDestination(msg.From)
	if err != nil {
		log.Warn("whatsapp: inbound message with unusable sender", zap.Error(err))
		return false
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	entry := &models.MessageLog{
		TenantID:    tenantID,
		Destination: sender,
		Body:        text,
		Direction:   models.DirectionInbound,
		Status:      models.LogStatusReceived,
		Timestamp:   at,
	}
	if msg.ID != "" {
		id := msg.ID
		entry.ExternalMessageID = &id
	}
	if err := r.logs.Append(ctx, entry); err != nil {
		log.Error("whatsapp: failed to append inbound log", zap.Error(err))
		if r.bus != nil {
			r.bus.Publish(TopicLogFailed, LogFailure{
				TenantID:    tenantID,
				Direction:   models.DirectionInbound,
				Destination: sender,
				Status:      models.LogStatusReceived,
				Err:         err,
			})
		}
	}

	thread, err := r.conversations.RecordInbound(ctx, services.InboundRecord{
		TenantID:   tenantID,
		ThreadID:   sender,
		Phone:      PhoneFromJID(sender),
		PushName:   msg.PushName,
		Text:       text,
		ExternalID: msg.ID,
		At:         at,
	})
	if err != nil {
		log.Error("whatsapp: failed to sync inbound message to thread", zap.Error(err))
		r.fail(tenantID, msg.ID, err)
		return false
	}
	log.Debug("whatsapp: inbound message routed",
		zap.Uint("thread_id", thread.ID), zap.Int("unread_count", thread.UnreadCount))
	return true
}

func (r *Router) fail(tenantID uint, messageID string, err error) {
	if r.bus != nil {
		r.bus.Publish(TopicInboundFailed, InboundFailure{TenantID: tenantID, MessageID: messageID, Err: err})
	}
}
