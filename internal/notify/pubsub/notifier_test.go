package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	err := New(nil).Publish(context.Background(), enrich.SessionEvent{SessionID: "s1"})
	require.Error(t, err)
}

func TestPublishSendsEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "enrich-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "sessions")
	require.NoError(t, err)
	n := New(topic)
	t.Cleanup(n.Stop)

	event := enrich.SessionEvent{
		SessionID: "0190c0de-0000-7000-8000-000000000001",
		Status:    enrich.SessionCompleted,
		Processed: 250,
		Total:     250,
		Finalizer: "watchdog",
		At:        time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, n.Publish(ctx, event))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "completed", msgs[0].Attributes["status"])
	require.Equal(t, "watchdog", msgs[0].Attributes["finalizer"])

	var got enrich.SessionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event, got)
}
