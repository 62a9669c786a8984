// Package config loads the opagent runtime configuration: the target network,
// signer source, artifact locations, checkpoint backend, step timings, chat
// endpoints and event sinks. Relative paths are resolved against the directory
// holding the configuration file.
package config
