// Package artifact reads Hardhat compilation output: contract artifacts, their
// library link references and the build-info compiler input used for source
// verification.
package artifact
