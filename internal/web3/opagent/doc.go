// Package opagent binds OPAgent contracts and their fee token at runtime from
// Hardhat artifacts, exposing typed calls for deployment, fee estimation,
// registration and on-chain chat.
package opagent
