// Package verify submits contract sources to an Etherscan compatible explorer
// and polls the verification status a bounded number of times.
package verify
