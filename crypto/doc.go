// Package crypto bundles the TLS configuration used on the hub's public
// endpoint and by clients dialing it, plus a self-signed certificate
// generator for development and test setups.
package crypto
