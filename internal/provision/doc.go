// Package provision sequences the steps that bring an OPAgent contract to a
// registered state: deploy the shared library, deploy the agent linked against
// it, verify its source and register it with the oracle network.
//
// Every step receives the current checkpoint record and returns the updated
// one. The Orchestrator is the only component that persists records; it checks
// that each update only moves forward before saving, so a crash at any point
// leaves the last confirmed progress intact and a re-run resumes from it.
package provision
