package main

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/brokerrpc"
	"github.com/drblury/brokerrpc/transport/channel"
)

func newChannelBroker(t *testing.T, tr brokerrpc.Transport) *brokerrpc.Broker {
	t.Helper()
	b, err := brokerrpc.TryNewBroker(&brokerrpc.Config{PubSubSystem: channel.TransportName}, brokerrpc.NewNopServiceLogger(), context.Background(), brokerrpc.BrokerDependencies{
		Transport:  &tr,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestServeAnswersOnEveryTopic(t *testing.T) {
	pubsub := channel.NewPubSub(watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	tr := channel.New(pubsub, pubsub)
	server, client := newChannelBroker(t, tr), newChannelBroker(t, tr)

	table, err := newMethodTable()
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "concat", "echo"}, table.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, table, []string{"a", "b"}, "") }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	res, err := client.Call(callCtx, "a", "add", brokerrpc.Args(1, 2, 3.5))
	require.NoError(t, err)
	var total float64
	require.NoError(t, res.Decode(&total))
	assert.Equal(t, 6.5, total)

	res, err = client.Call(callCtx, "b", "concat", brokerrpc.Args("broker", "rpc"))
	require.NoError(t, err)
	var joined string
	require.NoError(t, res.Decode(&joined))
	assert.Equal(t, "brokerrpc", joined)

	res, err = client.Call(callCtx, "b", "echo", brokerrpc.Args([]any{"x", 1}))
	require.NoError(t, err)
	var echoed []any
	require.NoError(t, res.Decode(&echoed))
	assert.Len(t, echoed, 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
