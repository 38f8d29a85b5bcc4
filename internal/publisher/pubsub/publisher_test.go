package pubsub

import (
	"context"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/publisher"
)

const testTopic = "projects/catalog-test/topics/catalog-changes"

func newFakeTopic(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "catalog-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: testTopic})
	require.NoError(t, err)
	return client, srv
}

func TestPublishEvent(t *testing.T) {
	t.Parallel()

	client, srv := newFakeTopic(t)
	p := New(client.Publisher(testTopic), true)
	defer p.Stop()

	event := publisher.Event{
		Type:       publisher.EventItemMerged,
		ItemUUID:   "loser",
		Category:   catalog.CategoryBook,
		Title:      "Dune",
		Version:    4,
		MergedTo:   "winner",
		OccurredAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	id, err := p.Publish(context.Background(), "ignored", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, publisher.EventItemMerged, msgs[0].Attributes["event_type"])
	require.Equal(t, "book", msgs[0].Attributes["category"])
	require.Equal(t, "loser", msgs[0].OrderingKey)

	var decoded publisher.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "winner", decoded.MergedTo)
}

func TestPublishPlainPayloadIsUnordered(t *testing.T) {
	t.Parallel()

	client, srv := newFakeTopic(t)
	p := New(client.Publisher(testTopic), false)
	defer p.Stop()

	_, err := p.Publish(context.Background(), "", map[string]string{"hello": "world"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].OrderingKey)
	require.NotContains(t, msgs[0].Attributes, "event_type")
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	p := New(nil, true)
	_, err := p.Publish(context.Background(), "", publisher.Event{})
	require.Error(t, err)
	require.NoError(t, p.Close())
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &carrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
	require.Equal(t, "projects/p/topics/t", fullTopicName("p", "t"))
}
