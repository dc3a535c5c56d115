package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTransport(t *testing.T, b *fakeBroker) *TransportConnection {
	t.Helper()
	tc := NewTransportConnection(testURL, b.dial, testLogger())
	opened := make(chan struct{})
	tc.Open(context.Background(), ConnectionHandlers{
		OnOpen: func(*TransportConnection) { close(opened) },
	})
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("connection did not open")
	}
	t.Cleanup(func() { tc.Close() })
	return tc
}

func consumerDescriptor(queue string, keys ...string) TopologyDescriptor {
	return TopologyDescriptor{
		Exchange: ExchangeDeclaration{Name: "events", Kind: amqp.ExchangeTopic, Durable: true},
		Queue:    &QueueDeclaration{Name: queue, Durable: true, BindingKeys: keys},
		AckMode:  AckManual,
	}
}

func TestTopologyConfigurator_DeclaresInOrder(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)
	tm := NewTopologyConfigurator(testLogger())

	topo, err := tm.Configure(context.Background(), tc, consumerDescriptor("orders", "order.created", "order.paid"))
	require.NoError(t, err)
	require.NotNil(t, topo.Channel)
	assert.Equal(t, "orders", topo.Queue)

	ch := b.lastChannel()
	assert.Equal(t, []string{
		"exchange.declare:events:topic:durable=true",
		"queue.declare:orders",
		"queue.bind:orders:events:order.created",
		"queue.bind:orders:events:order.paid",
	}, ch.Ops())
	assert.False(t, ch.IsClosed())
}

func TestTopologyConfigurator_AbortsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name     string
		failOp   string
		step     TopologyStep
		wantOps  int
		bindKeys []string
	}{
		{name: "exchange", failOp: "exchange.declare", step: StepExchange, wantOps: 1},
		{name: "queue", failOp: "queue.declare", step: StepQueue, wantOps: 2},
		{name: "first bind", failOp: "queue.bind", step: StepBind, wantOps: 3, bindKeys: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			b.setFailure(tt.failOp, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"})
			tc := openTransport(t, b)

			keys := tt.bindKeys
			if keys == nil {
				keys = []string{"a"}
			}
			_, err := NewTopologyConfigurator(testLogger()).Configure(context.Background(), tc, consumerDescriptor("q", keys...))
			require.Error(t, err)

			var topoErr *TopologyError
			require.ErrorAs(t, err, &topoErr)
			assert.Equal(t, tt.step, topoErr.Step)
			assert.ErrorIs(t, err, ErrTopologyDeclarationFailed)
			assert.True(t, IsTopologyFailure(err))

			ch := b.lastChannel()
			assert.Len(t, ch.Ops(), tt.wantOps, "no step may run after the failing one")
			assert.True(t, ch.IsClosed(), "channel is closed after a failed configuration")
		})
	}
}

func TestTopologyConfigurator_ServerNamedQueueIsExclusive(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)

	d := consumerDescriptor("", "#")
	d.Queue.Exclusive = false

	topo, err := NewTopologyConfigurator(testLogger()).Configure(context.Background(), tc, d)
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-test", topo.Queue)

	ch := b.lastChannel()
	ch.mu.Lock()
	exclusive := ch.exclusive
	ch.mu.Unlock()
	assert.True(t, exclusive)
	assert.Contains(t, ch.Ops(), "queue.bind:amq.gen-test:events:#")
}

func TestTopologyConfigurator_SkipsExchangeWithoutKind(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)

	d := consumerDescriptor("jobs")
	d.Exchange.Kind = ""

	_, err := NewTopologyConfigurator(testLogger()).Configure(context.Background(), tc, d)
	require.NoError(t, err)
	assert.Equal(t, []string{"queue.declare:jobs"}, b.lastChannel().Ops())
}

func TestTopologyConfigurator_PublisherDeclaresOnlyExchange(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)

	d := TopologyDescriptor{Exchange: ExchangeDeclaration{Name: "events", Kind: "fanout"}}
	topo, err := NewTopologyConfigurator(testLogger()).Configure(context.Background(), tc, d)
	require.NoError(t, err)
	assert.Empty(t, topo.Queue)
	assert.Equal(t, []string{"exchange.declare:events:fanout:durable=false"}, b.lastChannel().Ops())
}

func TestTopologyConfigurator_ChannelFailure(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)
	b.setFailure("channel", errors.New("channel limit reached"))

	_, err := NewTopologyConfigurator(testLogger()).Configure(context.Background(), tc, consumerDescriptor("q"))
	var topoErr *TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, StepChannel, topoErr.Step)
}

func TestTopologyConfigurator_CancelledContext(t *testing.T) {
	b := newFakeBroker()
	tc := openTransport(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTopologyConfigurator(testLogger()).Configure(ctx, tc, consumerDescriptor("q"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.channelCount())
}

func TestTopologyDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		d       TopologyDescriptor
		wantErr bool
	}{
		{name: "valid consumer", d: consumerDescriptor("q", "k")},
		{name: "valid publisher", d: TopologyDescriptor{Exchange: ExchangeDeclaration{Name: "x", Kind: "direct"}}},
		{name: "default exchange without kind", d: TopologyDescriptor{Queue: &QueueDeclaration{Name: "q"}}},
		{
			name:    "kind without exchange name",
			d:       TopologyDescriptor{Exchange: ExchangeDeclaration{Kind: "topic"}},
			wantErr: true,
		},
		{
			name:    "binding keys without exchange",
			d:       TopologyDescriptor{Queue: &QueueDeclaration{Name: "q", BindingKeys: []string{"k"}}},
			wantErr: true,
		},
		{
			name:    "unknown ack mode",
			d:       TopologyDescriptor{Exchange: ExchangeDeclaration{Name: "x"}, AckMode: AckMode(7)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTopologyDescriptor_ResolveCopies(t *testing.T) {
	d := consumerDescriptor("", "a")
	resolved := d.Resolve()

	assert.True(t, resolved.Queue.Exclusive)
	assert.False(t, d.Queue.Exclusive, "Resolve must not modify the receiver")

	resolved.Queue.BindingKeys[0] = "changed"
	assert.Equal(t, "a", d.Queue.BindingKeys[0])
}
