// Package interceptors wraps a receiver's message handler with cross-cutting
// behaviour. An interceptor sees every delivery before the handler does and
// decides whether, and with which context, the rest of the chain runs. An
// error returned from the chain is treated like a handler error: the delivery
// is requeued under manual acknowledgement.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs every delivery with its outcome and duration
//   - TimeoutInterceptor: bounds how long the rest of the chain may take
//   - FilteringInterceptor: skips deliveries a MessageFilter rejects
//
// Example usage:
//
//	handler := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(
//			interceptors.RoutingKeyFilter("order.#"), interceptors.SkipSilently)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second)).
//		Then(handleOrder)
//
//	receiver, err := rmqpubsub.NewReceiver(handler, url, "orders")
package interceptors
