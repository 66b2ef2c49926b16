package redis

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestTransportOptions(t *testing.T) {
	tr := NewTransport(unreachableClient(t), WithKeyPrefix(":app:rpc:"), WithPollBatch(4))

	assert.Equal(t, "app:rpc:mmate.rpc.requests", tr.Key("mmate.rpc.requests"))
	assert.Equal(t, 4, tr.pollBatch)

	bare := NewTransport(unreachableClient(t), WithKeyPrefix(""))
	assert.Equal(t, "q", bare.Key("q"))
}

func TestDeclareAddress(t *testing.T) {
	tr := NewTransport(unreachableClient(t))
	ctx := context.Background()

	require.NoError(t, tr.DeclareAddress(ctx, "requests", messaging.RequestAddressOptions(5*time.Second)))
	assert.Equal(t, 5*time.Second, tr.ttl("requests"))

	require.NoError(t, tr.DeclareAddress(ctx, "requests", messaging.ReplyAddressOptions()))
	assert.Zero(t, tr.ttl("requests"))

	assert.Error(t, tr.DeclareAddress(ctx, "", messaging.AddressOptions{}))
}

func TestUnreachableServer(t *testing.T) {
	ctx := context.Background()

	t.Run("Dial fails", func(t *testing.T) {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := Dial(dialCtx, "127.0.0.1:1")
		assert.Error(t, err)
	})

	t.Run("publish and poll report errors", func(t *testing.T) {
		tr := NewTransport(unreachableClient(t))
		p, err := tr.RequestProducer()
		require.NoError(t, err)
		assert.Error(t, p.Publish(ctx, "q", contracts.NewRequestEnvelope("a", "r", nil, nil)))

		c, err := tr.ResponseConsumer(ctx, "q")
		require.NoError(t, err)
		_, err = c.Poll(ctx, time.Millisecond)
		assert.Error(t, err)
	})
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(unreachableClient(t))
	p, err := tr.ResponseProducer()
	require.NoError(t, err)
	c, err := tr.RequestConsumer(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, p.Publish(ctx, "q", &contracts.ResponseEnvelope{CorrelationID: "a"}), ErrClosed)
	_, err = c.Poll(ctx, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.RequestConsumer(ctx, "q")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.DeclareAddress(ctx, "q", messaging.AddressOptions{}), ErrClosed)
}

func TestDecodeDropsGarbage(t *testing.T) {
	tr := NewTransport(unreachableClient(t))
	c, err := openConsumer[*contracts.RequestEnvelope](tr, "q")
	require.NoError(t, err)

	body, err := contracts.Marshal(contracts.NewRequestEnvelope("a", "r", []byte("x"), nil))
	require.NoError(t, err)

	out := c.decode([]string{"not json", string(body)})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].CorrelationID)
}
