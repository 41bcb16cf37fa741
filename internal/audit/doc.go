// Package audit keeps a durable trail of registry activity.
//
// A Recorder subscribes to the broadcaster and writes one row per
// registration, deletion and status transition to the audit_logs table.
// Plain heartbeats that leave the status unchanged are not recorded.
// The trail is exposed read-only at GET /audit.
package audit
