// Package messaging is the application side of rmqbus.
//
// Handlers are registered against routing patterns on a Registry, which is
// also the Binding Collector the topology driver and the reconciler read
// from. A Consumer dispatches deliveries of one queue to the matching
// handlers and answers RPC requests; Publisher and RPCClient emit messages.
// MessageBus wraps every payload, encrypting it when a key is configured.
//
// Example usage:
//
//	registry := messaging.NewRegistry(cfg)
//	err := registry.RegisterHandler(
//		contracts.Pattern{Name: contracts.OrderCreatedEvent, Channel: "payment-service"},
//		messaging.Event(func(ctx context.Context, e contracts.OrderCreated) error {
//			return payments.Open(ctx, e.OrderID, e.Total)
//		}),
//	)
package messaging
