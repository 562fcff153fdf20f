// Package event provides a synchronous publish/subscribe bus that carries
// lock, file-state and snapshot events out of the coordination engine.
//
// Publishers (the locking manager, the metadata sink, the snapshot loop)
// do not know who listens. Subscribers include the Prometheus collectors
// in package metrics and the server's debug logging.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeConflictDetected, func(e event.Event) {
//	    c := e.(event.ConflictDetectedEvent)
//	    logger.Warn("conflict", "path", c.Path, "holder", c.Holder)
//	})
//
// Handlers run on the publisher's goroutine. The store publishes while it
// holds a per-path lock, so a handler must never call back into the store
// or the lock manager.
package event
