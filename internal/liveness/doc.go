// Package liveness demotes devices whose heartbeats have stopped.
//
// A Sweeper wakes on a fixed interval, asks the registry for ONLINE devices
// whose last heartbeat is older than the timeout and marks each one
// OFFLINE. It also retries any registry writes that failed earlier, so a
// transient storage fault heals on the next tick.
//
// With the defaults (5s interval, 10s timeout) a silent device goes OFFLINE
// between 10 and 15 seconds after its last heartbeat.
package liveness
