// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rmqpubsub is a resilient RabbitMQ receiver and publisher. Both
// engines survive broker restarts and network failures, re-declare their
// topology on every connection and stop cleanly on SIGTERM or SIGINT.
package rmqpubsub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/rmqpubsub/internal/metrics"
	"github.com/glimte/rmqpubsub/internal/rabbitmq"
	"github.com/glimte/rmqpubsub/internal/reliability"
)

type (
	// Receiver consumes from a queue bound to an exchange
	Receiver = rabbitmq.ConsumerEngine
	// Publisher publishes to an exchange and tracks broker confirmations
	Publisher = rabbitmq.PublisherEngine
	// ConnectionPool shares idle connections between publishers
	ConnectionPool = rabbitmq.ConnectionPool
	// ShutdownCoordinator stops registered engines on a termination signal
	ShutdownCoordinator = rabbitmq.ShutdownCoordinator

	MessageHandler  = rabbitmq.MessageHandler
	NackCallback    = rabbitmq.NackCallback
	InFlightPublish = rabbitmq.InFlightPublish
	State           = rabbitmq.State
	AckMode         = rabbitmq.AckMode
	Dialer          = rabbitmq.Dialer
	DialConfig      = rabbitmq.DialConfig
	RetryPolicy     = reliability.RetryPolicy
	Metrics         = metrics.Metrics
	MetricLabels    = metrics.Labels

	ReceiverOption  = rabbitmq.ConsumerOption
	PublisherOption = rabbitmq.PublisherOption
	PoolOption      = rabbitmq.PoolOption
	ShutdownOption  = rabbitmq.ShutdownOption

	PublishError  = rabbitmq.PublishError
	TopologyError = rabbitmq.TopologyError
)

const (
	StateIdle                = rabbitmq.StateIdle
	StateConnecting          = rabbitmq.StateConnecting
	StateConfiguringTopology = rabbitmq.StateConfiguringTopology
	StateConsuming           = rabbitmq.StateConsuming
	StateReady               = rabbitmq.StateReady
	StateReconnecting        = rabbitmq.StateReconnecting
	StateStopping            = rabbitmq.StateStopping
	StateStopped             = rabbitmq.StateStopped

	AckManual = rabbitmq.AckManual
	AckNone   = rabbitmq.AckNone
)

var (
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrAlreadyRunning       = rabbitmq.ErrAlreadyRunning
	ErrMaxRetriesExceeded   = rabbitmq.ErrMaxRetriesExceeded
	ErrPublisherClosed      = rabbitmq.ErrPublisherClosed
	ErrNotReady             = rabbitmq.ErrNotReady
	ErrPublishQueueFull     = rabbitmq.ErrPublishQueueFull
	ErrPublishNacked        = rabbitmq.ErrPublishNacked
	ErrPublishUnknown       = rabbitmq.ErrPublishUnknown
)

// Receiver options
var (
	WithExchangeKind            = rabbitmq.WithExchangeKind
	WithExchangeOptions         = rabbitmq.WithExchangeOptions
	WithQueue                   = rabbitmq.WithQueue
	WithBindingKeys             = rabbitmq.WithBindingKeys
	WithExclusive               = rabbitmq.WithExclusive
	WithDurable                 = rabbitmq.WithDurable
	WithAutoDelete              = rabbitmq.WithAutoDelete
	WithAckMode                 = rabbitmq.WithAckMode
	WithPrefetchCount           = rabbitmq.WithPrefetchCount
	WithConsumerTag             = rabbitmq.WithConsumerTag
	WithReceiverSafeStop        = rabbitmq.WithConsumerSafeStop
	WithReceiverShutdownTimeout = rabbitmq.WithConsumerShutdownTimeout
	WithReceiverReconnectPolicy = rabbitmq.WithConsumerReconnectPolicy
	WithReceiverDialer          = rabbitmq.WithConsumerDialer
	WithReceiverLogger          = rabbitmq.WithConsumerLogger
	WithReceiverMetrics         = rabbitmq.WithConsumerMetrics
	WithReceiverErrorHandler    = rabbitmq.WithConsumerErrorHandler
)

// Publisher options
var (
	WithExchangeType             = rabbitmq.WithExchangeType
	WithExchangeDurable          = rabbitmq.WithExchangeDurable
	WithExchangeAutoDelete       = rabbitmq.WithExchangeAutoDelete
	WithExchangeInternal         = rabbitmq.WithExchangeInternal
	WithConfirmMode              = rabbitmq.WithConfirmMode
	WithNackCallback             = rabbitmq.WithNackCallback
	WithPublisherSafeStop        = rabbitmq.WithPublisherSafeStop
	WithPublisherShutdownTimeout = rabbitmq.WithPublisherShutdownTimeout
	WithFlushTimeout             = rabbitmq.WithFlushTimeout
	WithReconnectDelay           = rabbitmq.WithReconnectDelay
	WithMaxReconnectAttempts     = rabbitmq.WithMaxReconnectAttempts
	WithPublisherReconnectPolicy = rabbitmq.WithPublisherReconnectPolicy
	WithMaxQueued                = rabbitmq.WithMaxQueued
	WithFailFast                 = rabbitmq.WithFailFast
	WithConnectionPool           = rabbitmq.WithConnectionPool
	WithPublisherDialer          = rabbitmq.WithPublisherDialer
	WithPublisherLogger          = rabbitmq.WithPublisherLogger
	WithPublisherMetrics         = rabbitmq.WithPublisherMetrics
	WithPublisherErrorHandler    = rabbitmq.WithPublisherErrorHandler
)

// Pool and shutdown options
var (
	WithPoolDialer      = rabbitmq.WithPoolDialer
	WithPoolLogger      = rabbitmq.WithPoolLogger
	WithPoolMetrics     = rabbitmq.WithPoolMetrics
	WithMaxIdle         = rabbitmq.WithMaxIdle
	WithIdleTimeout     = rabbitmq.WithIdleTimeout
	WithShutdownTimeout = rabbitmq.WithShutdownTimeout
	WithShutdownLogger  = rabbitmq.WithShutdownLogger
)

// Reconnect policies and helpers
var (
	NewExponentialBackoff = reliability.NewExponentialBackoff
	NewLinearBackoff      = reliability.NewLinearBackoff
	NewFixedDelay         = reliability.NewFixedDelay
	NewAMQPDialer         = rabbitmq.NewAMQPDialer
	SanitizeURL           = rabbitmq.SanitizeURL
)

// NewReceiver creates a receiver for exchange on url. Call Run to start
// consuming; Run blocks until the receiver is stopped.
func NewReceiver(handler MessageHandler, url, exchange string, options ...ReceiverOption) (*Receiver, error) {
	return rabbitmq.NewConsumerEngine(handler, url, exchange, options...)
}

// NewPublisher creates a publisher for exchange on url and starts connecting
// right away. Publish may be called before the publisher is ready.
func NewPublisher(url, exchange string, options ...PublisherOption) (*Publisher, error) {
	return rabbitmq.NewPublisherEngine(url, exchange, options...)
}

// NewConnectionPool creates an empty pool; drain it when the process exits
func NewConnectionPool(options ...PoolOption) (*ConnectionPool, error) {
	return rabbitmq.NewConnectionPool(options...)
}

// NewShutdownCoordinator creates a coordinator for engines started with safe
// stop disabled
func NewShutdownCoordinator(options ...ShutdownOption) *ShutdownCoordinator {
	return rabbitmq.NewShutdownCoordinator(options...)
}

// NewMetrics registers the engine metrics on reg
func NewMetrics(reg prometheus.Registerer, labels MetricLabels) (*Metrics, error) {
	return metrics.NewWithLabels(reg, labels)
}
