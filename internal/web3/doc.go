// Package web3 houses blockchain connectivity for the provisioning toolkit:
// the chain client abstraction, log subscriptions, the YAML network catalogue
// and the error codes raised by chain interactions. Concrete clients live in
// sub-packages, alongside Hardhat artifact loading and typed OPAgent bindings.
package web3
