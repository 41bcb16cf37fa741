// Package config handles loading and validating Fleetbeat configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FLEETBEAT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Secrets (MQTT password, InfluxDB token, operator signing secret) should
//     be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Registry.HeartbeatTimeout)
package config
