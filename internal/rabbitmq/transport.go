package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of an AMQP connection the engines rely on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the subset of an AMQP channel the engines rely on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyConfirm(receiver chan Confirmation) chan Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	IsClosed() bool
}

// Confirmation is a broker acknowledgement of a published message. When
// Multiple is set it covers every outstanding tag up to DeliveryTag.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
	Multiple    bool
}

// Dialer opens a transport connection to url. It must honour ctx.
type Dialer func(ctx context.Context, url string) (Connection, error)

// DialConfig holds settings for the default AMQP dialer
type DialConfig struct {
	ConnectionName string
	Heartbeat      time.Duration
	Locale         string
}

// NewAMQPDialer returns a Dialer backed by amqp091-go.
func NewAMQPDialer(cfg DialConfig) Dialer {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	return func(ctx context.Context, url string) (Connection, error) {
		if _, err := amqp.ParseURI(url); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}

		config := amqp.Config{
			Heartbeat: cfg.Heartbeat,
			Locale:    cfg.Locale,
			Properties: amqp.Table{
				"connection_name": cfg.ConnectionName,
			},
			Dial: func(network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}

		conn, err := amqp.DialConfig(url, config)
		if err != nil {
			return nil, err
		}
		return &amqpConnection{conn: conn}, nil
	}
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

// amqpChannel adapts *amqp.Channel to Channel
type amqpChannel struct {
	*amqp.Channel
}

// NotifyConfirm forwards amqp091 confirmations. The library already splits
// multiple acks into one confirmation per tag, in order.
func (c *amqpChannel) NotifyConfirm(receiver chan Confirmation) chan Confirmation {
	confirms := c.Channel.NotifyPublish(make(chan amqp.Confirmation, cap(receiver)))
	go func() {
		defer close(receiver)
		for confirm := range confirms {
			receiver <- Confirmation{DeliveryTag: confirm.DeliveryTag, Ack: confirm.Ack}
		}
	}()
	return receiver
}
