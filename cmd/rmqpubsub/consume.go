package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/rmqpubsub/health"
	"github.com/glimte/rmqpubsub/interceptors"
	"github.com/glimte/rmqpubsub/internal/rabbitmq"
)

type consumeOptions struct {
	exchange       string
	exchangeType   string
	queue          string
	bindingKeys    []string
	durable        bool
	exclusive      bool
	noAck          bool
	prefetch       int
	showRoutingKey bool
	filters        []string
	handlerTimeout time.Duration
}

func newConsumeCommand(global *globalOptions) *cobra.Command {
	opts := &consumeOptions{}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print every message delivered to a queue",
		Long: `Declare the exchange (when --exchange-type is given), the queue and its
bindings, then print the body of every delivered message on its own line.
An empty --queue lets the broker name an exclusive queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd, global, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.exchange, "exchange", "e", "", "Exchange to bind the queue to")
	flags.StringVarP(&opts.exchangeType, "exchange-type", "t", "", "Declare the exchange with this kind; empty assumes it exists")
	flags.StringVarP(&opts.queue, "queue", "q", "", "Queue name; empty lets the broker choose")
	flags.StringSliceVarP(&opts.bindingKeys, "binding-key", "k", nil, "Binding key, repeatable")
	flags.BoolVar(&opts.durable, "durable", true, "Declare a durable queue")
	flags.BoolVar(&opts.exclusive, "exclusive", false, "Declare an exclusive queue")
	flags.BoolVar(&opts.noAck, "no-ack", false, "Let the broker consider messages delivered on send")
	flags.IntVar(&opts.prefetch, "prefetch", 10, "Unacknowledged deliveries the broker may push")
	flags.BoolVar(&opts.showRoutingKey, "show-routing-key", false, "Prefix each body with its routing key")
	flags.StringSliceVar(&opts.filters, "filter", nil, "Only print deliveries whose routing key matches this topic pattern, repeatable")
	flags.DurationVar(&opts.handlerTimeout, "handler-timeout", 0, "Fail a delivery whose handling takes longer; 0 disables")

	return cmd
}

func printDelivery(out io.Writer, withKey bool) rabbitmq.MessageHandler {
	return func(_ context.Context, d amqp.Delivery) error {
		if withKey {
			_, err := fmt.Fprintf(out, "%s\t%s\n", d.RoutingKey, d.Body)
			return err
		}
		_, err := fmt.Fprintf(out, "%s\n", d.Body)
		return err
	}
}

// buildHandler wraps the printing handler in the interceptors the flags ask for
func buildHandler(out io.Writer, opts *consumeOptions, logger *slog.Logger) rabbitmq.MessageHandler {
	chain := interceptors.NewInterceptorChain(logger).
		Add(interceptors.NewLoggingInterceptor(logger))
	if len(opts.filters) > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(
			interceptors.RoutingKeyFilter(opts.filters...), interceptors.SkipWithLog,
		).WithLogger(logger))
	}
	if opts.handlerTimeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(opts.handlerTimeout))
	}
	return chain.Then(printDelivery(out, opts.showRoutingKey))
}

func runConsume(cmd *cobra.Command, global *globalOptions, opts *consumeOptions) error {
	rt, err := global.setup(cmd)
	if err != nil {
		return err
	}

	ackMode := rabbitmq.AckManual
	if opts.noAck {
		ackMode = rabbitmq.AckNone
	}

	receiverOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithExchangeKind(opts.exchangeType),
		rabbitmq.WithQueue(opts.queue),
		rabbitmq.WithBindingKeys(opts.bindingKeys...),
		rabbitmq.WithDurable(opts.durable),
		rabbitmq.WithExclusive(opts.exclusive),
		rabbitmq.WithAckMode(ackMode),
		rabbitmq.WithPrefetchCount(opts.prefetch),
		rabbitmq.WithConsumerSafeStop(false),
		rabbitmq.WithConsumerLogger(rt.logger),
		rabbitmq.WithConsumerMetrics(rt.metrics),
		rabbitmq.WithConsumerErrorHandler(func(err error) {
			rt.logger.Warn("receiver error", "error", err)
		}),
	}
	policy, err := global.reconnectPolicy()
	if err != nil {
		return err
	}
	if policy != nil {
		receiverOpts = append(receiverOpts, rabbitmq.WithConsumerReconnectPolicy(policy))
	}

	receiver, err := rabbitmq.NewConsumerEngine(
		buildHandler(cmd.OutOrStdout(), opts, rt.logger),
		global.url, opts.exchange, receiverOpts...,
	)
	if err != nil {
		return err
	}
	rt.health.Add("receiver", health.NewEngineChecker(receiver))
	rt.coordinator.Register(receiver)

	ctx, cancel := signalContext()
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- receiver.Run(ctx)
	}()
	serverErr := rt.serve()

	rt.logger.Info("receiver started", "url", rabbitmq.SanitizeURL(global.url), "exchange", opts.exchange, "queue", opts.queue)

	select {
	case <-ctx.Done():
		rt.logger.Info("shutting down")
		if err := rt.shutdown(global.shutdownTimeout); err != nil {
			return err
		}
		return <-runErr
	case err := <-runErr:
		if shutdownErr := rt.shutdown(global.shutdownTimeout); shutdownErr != nil {
			rt.logger.Warn("shutdown failed", "error", shutdownErr)
		}
		return err
	case err := <-serverErr:
		if shutdownErr := rt.shutdown(global.shutdownTimeout); shutdownErr != nil {
			rt.logger.Warn("shutdown failed", "error", shutdownErr)
		}
		return err
	}
}
