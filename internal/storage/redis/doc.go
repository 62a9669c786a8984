// Package redis stores provisioning checkpoints in Redis and implements the
// single-runner lease as a token-guarded key with a bounded TTL.
package redis
