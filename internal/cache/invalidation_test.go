package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/poyrazK/dnsproxy/internal/wire"
)

func TestNilInvalidatorIsNoOp(t *testing.T) {
	var inv *Invalidator
	require.NotPanics(t, func() {
		inv.Publish(context.Background(), "fark.com", uint16(wire.TypeA))
		require.Nil(t, inv.Subscribe(context.Background()))
		require.NoError(t, inv.Close())
	})
}

func TestInvalidatorPublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	inv := NewInvalidator(mr.Addr(), log)
	defer inv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := inv.Subscribe(ctx)
	require.NotNil(t, sub)

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	inv.Publish(ctx, "Fark.COM", uint16(wire.TypeA))

	select {
	case msg := <-sub:
		require.Equal(t, "fark.com:1", msg.Payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for invalidation message")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
