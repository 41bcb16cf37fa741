// Package broadcast fans registry changes out to observers.
//
// Every observer (a WebSocket dashboard, the MQTT relay, the telemetry
// recorder, the audit trail) owns a bounded queue. Publish never blocks the
// caller: when an observer's queue is full its oldest event is discarded and
// counted. Observers come and go independently of device lifecycle.
//
// Usage:
//
//	b := broadcast.New()
//	obs := b.Subscribe("dashboard", 64)
//	defer b.Unsubscribe(obs)
//
//	go obs.Run(ctx, func(ev broadcast.Event) {
//	    // deliver ev
//	})
package broadcast
