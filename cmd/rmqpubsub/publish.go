package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/rmqpubsub/health"
	"github.com/glimte/rmqpubsub/internal/rabbitmq"
)

type publishOptions struct {
	exchange     string
	exchangeType string
	routingKey   string
	noConfirm    bool
	durable      bool
	maxQueued    int
	flushTimeout time.Duration
}

func newPublishCommand(global *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [messages...]",
		Short: "Publish messages to an exchange",
		Long: `Publish each argument as one message, or each non-empty line of stdin when
no arguments are given. Messages the broker does not confirm are reported and
make the command fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, global, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.exchange, "exchange", "e", "", "Exchange to publish to")
	flags.StringVarP(&opts.exchangeType, "exchange-type", "t", amqp.ExchangeTopic, "Exchange kind; empty assumes it exists")
	flags.StringVarP(&opts.routingKey, "routing-key", "r", "", "Routing key for every message")
	flags.BoolVar(&opts.noConfirm, "no-confirm", false, "Disable publisher confirmations")
	flags.BoolVar(&opts.durable, "durable", true, "Declare a durable exchange")
	flags.IntVar(&opts.maxQueued, "max-queued", 1000, "Messages buffered while the publisher is not ready")
	flags.DurationVar(&opts.flushTimeout, "flush-timeout", 5*time.Second, "How long stop waits for the connection and outstanding confirms")
	cmd.MarkFlagRequired("exchange") //nolint:errcheck // flag is defined above

	return cmd
}

// readMessages returns args, or the non-empty lines of in when there are none
func readMessages(in io.Reader, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	var lines []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return lines, nil
}

// publishWhenQueued retries while the publisher's queue is full
func publishWhenQueued(ctx context.Context, p *rabbitmq.PublisherEngine, body []byte, routingKey string) error {
	for {
		err := p.Publish(ctx, body, routingKey)
		if !errors.Is(err, rabbitmq.ErrPublishQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Done():
			return rabbitmq.ErrPublisherClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func runPublish(cmd *cobra.Command, global *globalOptions, opts *publishOptions, args []string) error {
	messages, err := readMessages(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	rt, err := global.setup(cmd)
	if err != nil {
		return err
	}

	var failed atomic.Int64
	publisherOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithExchangeType(opts.exchangeType),
		rabbitmq.WithExchangeDurable(opts.durable),
		rabbitmq.WithConfirmMode(!opts.noConfirm),
		rabbitmq.WithMaxQueued(opts.maxQueued),
		rabbitmq.WithFlushTimeout(opts.flushTimeout),
		rabbitmq.WithReconnectDelay(global.reconnectDelay),
		rabbitmq.WithMaxReconnectAttempts(global.maxAttempts),
		rabbitmq.WithPublisherSafeStop(false),
		rabbitmq.WithPublisherLogger(rt.logger),
		rabbitmq.WithPublisherMetrics(rt.metrics),
		rabbitmq.WithNackCallback(func(msg rabbitmq.InFlightPublish, err error) {
			failed.Add(1)
			rt.logger.Warn("message not confirmed", "routing_key", msg.RoutingKey, "body", string(msg.Body), "error", err)
		}),
		rabbitmq.WithPublisherErrorHandler(func(err error) {
			rt.logger.Warn("publisher error", "error", err)
		}),
	}
	policy, err := global.reconnectPolicy()
	if err != nil {
		return err
	}
	if policy != nil {
		publisherOpts = append(publisherOpts, rabbitmq.WithPublisherReconnectPolicy(policy))
	}

	publisher, err := rabbitmq.NewPublisherEngine(global.url, opts.exchange, publisherOpts...)
	if err != nil {
		return err
	}
	rt.health.Add("publisher", health.NewEngineChecker(publisher))
	rt.coordinator.Register(publisher)
	serverErr := rt.serve()

	ctx, cancel := signalContext()
	defer cancel()

	var accepted int
	for _, msg := range messages {
		if err = publishWhenQueued(ctx, publisher, []byte(msg), opts.routingKey); err != nil {
			break
		}
		accepted++
	}

	select {
	case err := <-serverErr:
		rt.logger.Warn("metrics server failed", "error", err)
	default:
	}

	if shutdownErr := rt.shutdown(global.shutdownTimeout); shutdownErr != nil {
		return shutdownErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("publishing stopped after %d of %d messages: %w", accepted, len(messages), err)
	}
	if cause := publisher.Err(); cause != nil {
		return cause
	}

	confirmed := int64(accepted) - failed.Load()
	fmt.Fprintf(cmd.OutOrStdout(), "published %d messages, %d confirmed\n", accepted, confirmed)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d messages were not confirmed", n, accepted)
	}
	return nil
}
