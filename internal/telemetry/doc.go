// Package telemetry records device heartbeats and status transitions as
// time-series points.
//
// A Recorder consumes registry events from a broadcast observer. For each
// new heartbeat it writes the numeric values found in systemInfo (nested
// objects are flattened with "_" separators), and for each status change
// it writes one status point. Non-numeric values are ignored.
package telemetry
