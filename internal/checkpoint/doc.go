// Package checkpoint holds the persisted provisioning progress record and the
// store abstraction every backend implements. The record is the durable
// resumption point across process restarts; stores validate its invariants on
// every write and hand out single-runner leases.
package checkpoint
