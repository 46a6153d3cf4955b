// Package event maps event names to Signals.
//
// # Overview
//
// A Registry owns one signal.Signal[transport.Message] per event name. The
// Signal is created on first use and every caller asking for the same name
// observes the same instance, even under concurrent first access:
//
//	reg := event.NewRegistry(event.WithLogger(logger))
//	conn, err := reg.On("chat.message", func(msg transport.Message) error {
//	    fmt.Println(msg.From, msg.Args)
//	    return nil
//	})
//	defer conn.Disconnect()
//
// # Transports
//
// Bind attaches a transport feed to the registry. Every message the transport
// receives under the bound name is dispatched to that name's Signal:
//
//	if err := reg.Bind(ctx, tr, "chat.message"); err != nil {
//	    return err
//	}
//
// Binding is idempotent per name. The pump stops when ctx is done or the
// transport closes the feed, after which the name may be bound again.
//
// # Failure isolation
//
// Listener errors and panics never reach the dispatching goroutine. They are
// passed to the ErrorHandler configured with WithErrorHandler (default: slog
// at error level) and counted through the MetricsRecorder.
package event
