package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPreparedMessageRejectsControlType(t *testing.T) {
	_, err := NewPreparedMessage(MessageType(opPing), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestPreparedMessageFrameCachedPerExtensionState(t *testing.T) {
	pm, err := NewPreparedMessage(TextMessage, []byte("hello world"))
	require.NoError(t, err)

	f1, err := pm.frameFor(nil)
	require.NoError(t, err)
	f2, err := pm.frameFor(nil)
	require.NoError(t, err)
	assert.Same(t, f1, f2, "repeated frameFor with the same extension state should hit the cache")

	pipe := newExtensionPipeline([]extensionTransform{newTestPMD(t, PerMessageDeflateOptions{CompressionThreshold: 0})})
	f3, err := pm.frameFor(pipe)
	require.NoError(t, err)
	assert.NotSame(t, f1, f3)
	assert.NotZero(t, f3.rsv&rsv1Bit)
}

func TestSendPreparedDeliversMessage(t *testing.T) {
	clientSide, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	opts := Options{}.withDefaults()
	c := newConn(clientSide, clientSide, opts, newSizedPool(), "", newExtensionPipeline(nil))
	c.start()
	t.Cleanup(func() { _ = c.Abort() })

	pm, err := NewPreparedMessage(TextMessage, []byte("prepared payload"))
	require.NoError(t, err)

	received := make(chan []byte, 1)
	go func() {
		hdr := make([]byte, 2)
		if _, err := server.Read(hdr); err != nil {
			return
		}
		n := int(hdr[1] &^ maskBit)
		maskKey := make([]byte, 4)
		_, _ = server.Read(maskKey)
		payload := make([]byte, n)
		_, _ = server.Read(payload)
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
		received <- payload
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.SendPrepared(ctx, pm))

	select {
	case got := <-received:
		assert.Equal(t, "prepared payload", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("prepared message was never written to the wire")
	}
}

func TestSendPreparedRejectedWhenNotOpen(t *testing.T) {
	clientSide, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	opts := Options{}.withDefaults()
	c := newConn(clientSide, clientSide, opts, newSizedPool(), "", newExtensionPipeline(nil))
	c.start()
	_ = c.Abort()

	pm, err := NewPreparedMessage(TextMessage, []byte("x"))
	require.NoError(t, err)

	err = c.SendPrepared(context.Background(), pm)
	assert.ErrorIs(t, err, ErrInvalidState)
}
