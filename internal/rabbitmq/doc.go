// Package rabbitmq provides resilient AMQP 0-9-1 consumers and publishers.
//
// This package includes:
//   - TransportConnection: one broker connection with asynchronous open/close notifications
//   - TopologyConfigurator: declares exchange, queue and bindings in order on a fresh channel
//   - ConsumerEngine: keeps a subscription alive across connection failures
//   - PublisherEngine: publishes with confirms, reporting every unconfirmed message
//   - ConnectionPool: reuses idle connections between engines for the same broker
//   - ShutdownCoordinator: stops engines on SIGTERM/SIGINT within a bounded time
//
// Each engine runs a single event loop that owns its state. Dial results,
// topology results, closes, confirmations and reconnect timers arrive as
// events; results of an abandoned connection attempt are discarded and their
// resources released.
package rabbitmq
