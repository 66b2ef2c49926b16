//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func dialTest(t *testing.T) *Transport {
	t.Helper()
	tr, err := Dial(context.Background(), redisAddr(), WithKeyPrefix("mmate:it:"+uuid.NewString()[:8]))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestPublishPollIntegration(t *testing.T) {
	ctx := context.Background()
	tr := dialTest(t)
	require.NoError(t, tr.DeclareAddress(ctx, "requests", messaging.RequestAddressOptions(time.Minute)))

	p, err := tr.RequestProducer()
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, p.Publish(ctx, "requests", contracts.NewRequestEnvelope(fmt.Sprint(i), "reply", nil, nil)))
	}
	depth, err := tr.QueueDepth(ctx, "requests")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	c, err := tr.RequestConsumer(ctx, "requests")
	require.NoError(t, err)
	batch, err := c.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, req := range batch {
		assert.Equal(t, fmt.Sprint(i), req.CorrelationID, "envelopes pop in publish order")
	}

	start := time.Now()
	batch, err = c.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRequestResponseIntegration(t *testing.T) {
	ctx := context.Background()
	tr := dialTest(t)

	reqConsumer, err := tr.RequestConsumer(ctx, "requests")
	require.NoError(t, err)
	respProducer, err := tr.ResponseProducer()
	require.NoError(t, err)
	responder, err := bridge.NewResponder(reqConsumer, respProducer,
		messaging.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
			return append(payload, '!'), nil
		}),
		bridge.WithRequestAddress("requests"))
	require.NoError(t, err)
	require.NoError(t, responder.Start(ctx))
	defer responder.Stop()

	reqProducer, err := tr.RequestProducer()
	require.NoError(t, err)
	respConsumer, err := tr.ResponseConsumer(ctx, "reply")
	require.NoError(t, err)
	b, err := bridge.NewBridge(reqProducer, respConsumer,
		bridge.WithRequestAddress("requests"),
		bridge.WithReplyAddress("reply"))
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	out, err := b.Request(ctx, []byte("hi"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi!", string(out))
}
