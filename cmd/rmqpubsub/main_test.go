package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqpubsub/internal/reliability"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
		want    string
	}{
		{"text info", "info", "text", false, "level=INFO"},
		{"json debug", "debug", "json", false, `"level":"INFO"`},
		{"bad level", "loud", "text", true, ""},
		{"bad format", "info", "xml", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			logger.Info("hello")
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("RMQ_URL", "")
	assert.Equal(t, defaultURL, envOr("RMQ_URL", defaultURL))

	t.Setenv("RMQ_URL", "amqp://broker:5672/")
	assert.Equal(t, "amqp://broker:5672/", envOr("RMQ_URL", defaultURL))
}

func TestReadMessages(t *testing.T) {
	got, err := readMessages(strings.NewReader("ignored"), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = readMessages(strings.NewReader("one\n\ntwo\nthree"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestPrintDelivery(t *testing.T) {
	var buf bytes.Buffer
	d := amqp.Delivery{RoutingKey: "order.created", Body: []byte(`{"id":1}`)}

	require.NoError(t, printDelivery(&buf, false)(context.Background(), d))
	require.NoError(t, printDelivery(&buf, true)(context.Background(), d))

	assert.Equal(t, "{\"id\":1}\norder.created\t{\"id\":1}\n", buf.String())
}

func TestReconnectPolicy(t *testing.T) {
	opts := &globalOptions{reconnectDelay: time.Second, reconnectMax: 10 * time.Second, maxAttempts: 3}

	policy, err := opts.reconnectPolicy()
	require.NoError(t, err)
	assert.Nil(t, policy)

	opts.policy = "fixed"
	policy, err = opts.reconnectPolicy()
	require.NoError(t, err)
	assert.IsType(t, &reliability.FixedDelay{}, policy)
	assert.Equal(t, 3, policy.MaxRetries())

	opts.policy = "random"
	_, err = opts.reconnectPolicy()
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "consume")
	assert.Contains(t, names, "publish")

	for _, flag := range []string{"url", "log-level", "log-format", "metrics-addr", "reconnect-policy"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestPublishRequiresExchange(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"publish", "hello"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange")
}

func TestBuildHandler(t *testing.T) {
	var out, logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	handler := buildHandler(&out, &consumeOptions{filters: []string{"order.*"}, handlerTimeout: time.Second}, logger)

	require.NoError(t, handler(context.Background(), amqp.Delivery{RoutingKey: "order.created", Body: []byte("a")}))
	require.NoError(t, handler(context.Background(), amqp.Delivery{RoutingKey: "invoice.paid", Body: []byte("b")}))

	assert.Equal(t, "a\n", out.String())
	assert.Contains(t, logs.String(), "delivery skipped by filter")
}
