package whatsapp

import (
	"context"
	"testing"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func (e *testEnv) router(t *testing.T) *Router {
	return NewRouter(e.tenants, e.logs, e.conversations, e.bus, zaptest.NewLogger(t))
}

func TestRouteCreatesThreadAndCountsUnread(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	router := env.router(t)
	ctx := context.Background()
	from := "5215512345678@s.whatsapp.net"

	n := router.Route(ctx, 0, "", []InboundMessage{
		{ID: "A1", From: from, PushName: "Lucía", Text: "Hola, ¿sigue disponible?", Timestamp: time.Now()},
	})
	assert.Equal(t, 1, n)
	n = router.Route(ctx, 0, "", []InboundMessage{
		{ID: "A2", From: from, PushName: "Lucía", Text: "¿Cuál es el precio?"},
	})
	assert.Equal(t, 1, n)

	var contacts []models.Contact
	require.NoError(t, env.db.Find(&contacts).Error)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Lucía", contacts[0].Name)
	assert.Equal(t, env.tenant.ID, contacts[0].TenantID)

	threads, err := env.conversations.ListThreads(ctx, env.tenant.ID, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, from, threads[0].ExternalThreadID)
	assert.Equal(t, 2, threads[0].UnreadCount)
	assert.Equal(t, "¿Cuál es el precio?", threads[0].LastMessagePreview)
	require.NotNil(t, threads[0].Contact)
	assert.Equal(t, contacts[0].ID, threads[0].Contact.ID)

	logs := env.messageLogs(t, models.DirectionInbound)
	require.Len(t, logs, 2)
	for _, entry := range logs {
		assert.Equal(t, models.LogStatusReceived, entry.Status)
		assert.Equal(t, from, entry.Destination)
	}
}

func TestRouteSkipsEchoesAndEmptyMessages(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	router := env.router(t)
	self := "5215500000000:1@s.whatsapp.net"

	n := router.Route(context.Background(), env.tenant.ID, self, []InboundMessage{
		{ID: "E1", From: "5215512345678@s.whatsapp.net", FromMe: true, Text: "sent from phone"},
		{ID: "E2", From: "5215500000000@s.whatsapp.net", Text: "note to self"},
		{ID: "E3", From: "5215512345678@s.whatsapp.net", Text: "   "},
		{ID: "E4", From: "5215512345678@s.whatsapp.net", Text: "real one"},
	})
	assert.Equal(t, 1, n)

	logs := env.messageLogs(t, models.DirectionInbound)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].ExternalMessageID)
	assert.Equal(t, "E4", *logs[0].ExternalMessageID)
}

func TestRouteRedeliveryIsNotDeduplicated(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	router := env.router(t)
	msg := InboundMessage{ID: "DUP", From: "5215512345678@s.whatsapp.net", Text: "Hola"}

	assert.Equal(t, 1, router.Route(context.Background(), 0, "", []InboundMessage{msg}))
	assert.Equal(t, 1, router.Route(context.Background(), 0, "", []InboundMessage{msg}))

	assert.Len(t, env.messageLogs(t, models.DirectionInbound), 2)
	threads, err := env.conversations.ListThreads(context.Background(), env.tenant.ID, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].UnreadCount)
}

func TestRouteWithoutActiveTenantDropsBatch(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	require.NoError(t, env.db.Model(&models.Tenant{}).Where("id = ?", env.tenant.ID).Update("is_active", false).Error)
	router := NewRouter(services.NewTenantService(env.db), env.logs, env.conversations, env.bus, zaptest.NewLogger(t))

	n := router.Route(context.Background(), 0, "", []InboundMessage{
		{ID: "X1", From: "5215512345678@s.whatsapp.net", Text: "Hola"},
	})
	assert.Equal(t, 0, n)

	var count int64
	require.NoError(t, env.db.Model(&models.MessageLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRouteThreadFailureIsReportedPerMessage(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	failures := collect[InboundFailure](t, env.bus, TopicInboundFailed)
	router := env.router(t)
	require.NoError(t, env.db.Migrator().DropTable(&models.ThreadMessage{}))

	n := router.Route(context.Background(), 0, "", []InboundMessage{
		{ID: "F1", From: "5215512345678@s.whatsapp.net", Text: "uno"},
		{ID: "F2", From: "5215599999999@s.whatsapp.net", Text: "dos"},
	})
	assert.Equal(t, 0, n)

	got := failures.all()
	require.Len(t, got, 2)
	assert.Equal(t, "F1", got[0].MessageID)
	assert.Equal(t, "F2", got[1].MessageID)
	assert.Len(t, env.messageLogs(t, models.DirectionInbound), 2)
}

func TestInboundMessagesFlowThroughSession(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	_, conn := env.connectPaired(t, "5215500000000")

	conn.Deliver(
		InboundMessage{ID: "S1", From: "5215512345678@s.whatsapp.net", PushName: "Ana", Text: "Hola"},
		InboundMessage{ID: "S2", From: "5215500000000:2@s.whatsapp.net", Text: "mine"},
	)
	require.Eventually(t, func() bool {
		return len(env.messageLogs(t, models.DirectionInbound)) == 1
	}, waitTimeout, 5*time.Millisecond)
}
