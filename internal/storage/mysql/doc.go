// Package mysql persists provisioning checkpoints and provisioning events in
// MySQL. It owns the embedded schema migrations and implements the checkpoint
// single-runner lease with MySQL named locks.
package mysql
