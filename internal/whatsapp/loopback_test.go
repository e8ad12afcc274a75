package whatsapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackEmitBlocksWhenBufferIsFull(t *testing.T) {
	transport := NewLoopbackTransport()
	c, err := transport.Connect(context.Background(), ConnectParams{TenantID: 1})
	require.NoError(t, err)
	conn := c.(*LoopbackConn)

	for i := 1; i < eventBuffer; i++ {
		require.True(t, conn.Emit(Connected{PhoneNumber: "5215512345678"}))
	}

	emitted := make(chan bool, 1)
	go func() { emitted <- conn.Emit(Closed{Reason: "last"}) }()
	select {
	case <-emitted:
		t.Fatal("emit returned with a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	first := <-conn.Events()
	assert.IsType(t, PairingIssued{}, first)
	select {
	case ok := <-emitted:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("emit stayed blocked after the buffer drained")
	}

	go func() { emitted <- conn.Emit(Closed{Reason: "after close"}) }()
	require.NoError(t, conn.Close())
	select {
	case ok := <-emitted:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("emit stayed blocked after close")
	}
	assert.False(t, conn.Emit(Connected{}))
}

func TestLoopbackRemoveDeviceRecordsTenants(t *testing.T) {
	transport := NewLoopbackTransport()
	require.NoError(t, transport.RemoveDevice(context.Background(), 3, nil))
	require.NoError(t, transport.RemoveDevice(context.Background(), 1, nil))
	assert.Equal(t, []uint{3, 1}, transport.Removed())
}
