// Package auth issues and verifies operator tokens for Fleetbeat's
// management API.
//
// Operators (people and automation that register, list and delete devices)
// authenticate with short-lived HS256 JWTs carrying a role. Devices never
// use these tokens: a heartbeat is authenticated by the device's own
// registry-issued token.
//
// Two roles exist:
//   - viewer: list and inspect devices, watch the push channel, read the audit trail
//   - admin: everything a viewer can do, plus register and delete devices
//
// Tokens are minted offline with `fleetbeat --mint-operator-token <subject>`.
package auth
