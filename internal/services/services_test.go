package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"crm_wa/internal/database"
	"crm_wa/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func seedTenant(t *testing.T, db *gorm.DB, name string, active bool) models.Tenant {
	t.Helper()
	tenant := models.Tenant{Name: name, Slug: database.Slugify(name), IsActive: active}
	require.NoError(t, db.Create(&tenant).Error)
	return tenant
}

func strPtr(s string) *string { return &s }

func TestTenantServiceDefaultTenant(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := NewTenantService(db)

	_, err := svc.DefaultTenant(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	seedTenant(t, db, "Inactive", false)
	active := seedTenant(t, db, "Casa Azul", true)
	later := seedTenant(t, db, "Later", true)

	tenant, err := svc.DefaultTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, active.ID, tenant.ID)

	// Cached: deactivating the tenant does not change the answer.
	require.NoError(t, db.Model(&models.Tenant{}).Where("id = ?", active.ID).Update("is_active", false).Error)
	tenant, err = svc.DefaultTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, active.ID, tenant.ID)

	id, err := svc.Resolve(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, active.ID, id)
	id, err = svc.Resolve(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, later.ID, id)
}

func TestTenantServiceResolveRejectsUnknownTenants(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := NewTenantService(db)
	inactive := seedTenant(t, db, "Cerrada", false)

	_, err := svc.Resolve(ctx, 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = svc.Resolve(ctx, inactive.ID)
	assert.ErrorIs(t, err, ErrUnknownTenant)

	require.NoError(t, db.Model(&models.Tenant{}).Where("id = ?", inactive.ID).Update("is_active", true).Error)
	id, err := svc.Resolve(ctx, inactive.ID)
	require.NoError(t, err)
	assert.Equal(t, inactive.ID, id)
}

func TestSessionServiceUpsert(t *testing.T) {
	ctx := context.Background()
	svc := NewSessionService(newTestDB(t))

	record, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, svc.Save(ctx, &models.WhatsAppSession{
		TenantID:    1,
		Status:      models.StatusAwaitingPairing,
		PairingCode: strPtr("2@abc"),
	}))

	now := time.Now()
	require.NoError(t, svc.Save(ctx, &models.WhatsAppSession{
		TenantID:    1,
		Status:      models.StatusConnected,
		PhoneNumber: strPtr("5215512345678"),
		ConnectedAt: &now,
	}))

	record, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.StatusConnected, record.Status)
	assert.Nil(t, record.PairingCode)
	require.NotNil(t, record.PhoneNumber)
	assert.Equal(t, "5215512345678", *record.PhoneNumber)

	var count int64
	require.NoError(t, svc.db.Model(&models.WhatsAppSession{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSessionServiceResetLive(t *testing.T) {
	ctx := context.Background()
	svc := NewSessionService(newTestDB(t))

	require.NoError(t, svc.Save(ctx, &models.WhatsAppSession{TenantID: 1, Status: models.StatusConnected}))
	require.NoError(t, svc.Save(ctx, &models.WhatsAppSession{TenantID: 2, Status: models.StatusAwaitingPairing, PairingCode: strPtr("code")}))
	require.NoError(t, svc.Save(ctx, &models.WhatsAppSession{TenantID: 3, Status: models.StatusDisconnected}))

	reset, err := svc.ResetLive(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2}, reset)

	for _, id := range []uint{1, 2, 3} {
		record, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDisconnected, record.Status)
		assert.Nil(t, record.PairingCode)
	}

	reset, err = svc.ResetLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, reset)
}

func TestMessageLogServiceAppendAndList(t *testing.T) {
	ctx := context.Background()
	svc := NewMessageLogService(newTestDB(t))

	require.NoError(t, svc.Append(ctx, &models.MessageLog{
		TenantID: 1, Destination: "a", Body: "hi",
		Direction: models.DirectionOutbound, Status: models.LogStatusSent,
		Timestamp: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, svc.Append(ctx, &models.MessageLog{
		TenantID: 1, Destination: "b", Body: "hello",
		Direction: models.DirectionInbound, Status: models.LogStatusReceived,
	}))

	all, err := svc.List(ctx, 1, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Destination)
	assert.False(t, all[0].Timestamp.IsZero())

	outbound, err := svc.List(ctx, 1, models.DirectionOutbound, 10)
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	assert.Equal(t, "a", outbound[0].Destination)
}

func TestConversationServiceRecordInbound(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := NewConversationService(db)

	first := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	thread, err := svc.RecordInbound(ctx, InboundRecord{
		TenantID: 1, ThreadID: "5215512345678@s.whatsapp.net", Phone: "5215512345678",
		PushName: "Ana", Text: "Hola", ExternalID: "M1", At: first,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, thread.UnreadCount)
	assert.Equal(t, "Hola", thread.LastMessagePreview)
	require.NotNil(t, thread.ContactID)

	var contact models.Contact
	require.NoError(t, db.First(&contact, *thread.ContactID).Error)
	assert.Equal(t, "Ana", contact.Name)
	assert.Equal(t, models.ContactSourceWhatsApp, contact.Source)

	second := first.Add(time.Minute)
	again, err := svc.RecordInbound(ctx, InboundRecord{
		TenantID: 1, ThreadID: "5215512345678@s.whatsapp.net", Phone: "5215512345678",
		Text: "¿Sigue disponible?", ExternalID: "M2", At: second,
	})
	require.NoError(t, err)
	assert.Equal(t, thread.ID, again.ID)
	assert.Equal(t, 2, again.UnreadCount)
	assert.Equal(t, "¿Sigue disponible?", again.LastMessagePreview)
	require.NotNil(t, again.LastMessageAt)
	assert.True(t, again.LastMessageAt.Equal(second))

	messages, err := svc.Messages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "M1", messages[0].ExternalMessageID)
	assert.Equal(t, models.DirectionInbound, messages[1].Direction)

	var contacts int64
	require.NoError(t, db.Model(&models.Contact{}).Count(&contacts).Error)
	assert.EqualValues(t, 1, contacts)
}

func TestConversationServiceReusesExistingContact(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := NewConversationService(db)

	existing := models.Contact{TenantID: 1, Name: "Ana Lopez", Phone: "5215512345678", Source: "manual"}
	require.NoError(t, db.Create(&existing).Error)

	thread, err := svc.RecordInbound(ctx, InboundRecord{
		TenantID: 1, ThreadID: "5215512345678@s.whatsapp.net", Phone: "5215512345678",
		PushName: "Ana", Text: "Hola",
	})
	require.NoError(t, err)
	require.NotNil(t, thread.ContactID)
	assert.Equal(t, existing.ID, *thread.ContactID)
}

func TestConversationServiceRecordOutbound(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(newTestDB(t))

	found, err := svc.RecordOutbound(ctx, 1, "5215512345678@s.whatsapp.net", "hi", "X1", time.Now())
	require.NoError(t, err)
	assert.False(t, found)

	threads, err := svc.ListThreads(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, threads)

	thread, err := svc.RecordInbound(ctx, InboundRecord{
		TenantID: 1, ThreadID: "5215512345678@s.whatsapp.net", Phone: "5215512345678", Text: "Hola",
	})
	require.NoError(t, err)

	found, err = svc.RecordOutbound(ctx, 1, "5215512345678@s.whatsapp.net", "Claro que sí", "X2", time.Now())
	require.NoError(t, err)
	assert.True(t, found)

	threads, err = svc.ListThreads(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].UnreadCount)
	assert.Equal(t, "Claro que sí", threads[0].LastMessagePreview)
	require.NotNil(t, threads[0].Contact)

	messages, err := svc.Messages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.DirectionOutbound, messages[1].Direction)
}

func TestPreviewTruncatesRunes(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := strings.Repeat("ñ", 200)
	got := Preview(long)
	assert.Len(t, []rune(got), previewLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestAuthServiceTokens(t *testing.T) {
	svc := NewAuthService("secret")
	token, err := svc.IssueToken(3, "ops", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.EqualValues(t, 3, claims.TenantID)
	assert.Equal(t, "ops", claims.Subject)

	_, err = NewAuthService("other").ValidateToken(token)
	assert.Error(t, err)

	expired, err := svc.IssueToken(3, "ops", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.Error(t, err)
}
