// Package device provides the device registry for Fleetbeat.
//
// The registry is the authority on which devices exist, their credentials
// and their liveness. Devices are registered by an operator, then report in
// with periodic heartbeats authenticated by the token they were issued at
// registration. The liveness sweeper demotes devices whose heartbeats stop.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────────┐
//	│                        Device Registry                          │
//	│                                                                 │
//	│  ┌──────────────┐   ┌──────────────┐   ┌───────────────────┐    │
//	│  │   Registry   │──▶│    Store     │   │   TokenIssuer     │    │
//	│  │ (registry.go)│   │ (store*.go)  │   │   (issuer.go)     │    │
//	│  │              │   │              │   │                   │    │
//	│  │ • state mach.│   │ • JSON file  │   │ • UUIDv7 ids      │    │
//	│  │ • auth       │   │ • SQLite     │   │ • 256-bit tokens  │    │
//	│  │ • deadlines  │   │ • memory     │   └───────────────────┘    │
//	│  └──────────────┘   └──────────────┘                            │
//	│         │                                                       │
//	└─────────│───────────────────────────────────────────────────────┘
//	          ▼
//	   broadcast.Broadcaster ──▶ WebSocket, MQTT, telemetry, audit
//
// # State machine
//
//	Create → WAITING_FOR_AGENT ──heartbeat──▶ ONLINE ──timeout──▶ OFFLINE
//	                                          ▲                      │
//	                                          └──────heartbeat───────┘
//
// A heartbeat carrying the status hint "offline" moves a device straight to
// OFFLINE with reason agent_shutdown. Any other hint is ignored.
//
// # Usage
//
//	store := device.NewFileStore("./data/devices.json")
//	reg := device.NewRegistry(store)
//	reg.SetLogger(log)
//	reg.SetPublisher(broadcaster)
//
//	if err := reg.Load(ctx); err != nil {
//	    return err // corrupt store is fatal
//	}
//
//	dev, err := reg.Create(ctx, device.Metadata{Name: "rack-7 sensor"})
//	// dev.AuthToken is returned exactly once
//
//	_, err = reg.Heartbeat(ctx, dev.ID, dev.AuthToken, device.Beat{})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. State changes happen under a
// read-write mutex that is released before the store is written.
package device
