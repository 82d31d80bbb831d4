package invoicing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifierRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	notifier := NewRedisNotifier(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, stop, err := notifier.Subscribe(ctx, 7)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, notifier.Publish(ctx, Event{OrganizationID: 8, InvoiceID: 1, Status: StatusReady}))
	require.NoError(t, notifier.Publish(ctx, Event{OrganizationID: 7, InvoiceID: 2, Status: StatusReady, PDFURL: "https://x/2"}))

	select {
	case ev := <-events:
		require.Equal(t, int64(2), ev.InvoiceID)
		require.Equal(t, "https://x/2", ev.PDFURL)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	stop()
	for range events {
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *RedisNotifier
	require.NoError(t, n.Publish(context.Background(), Event{}))
}
