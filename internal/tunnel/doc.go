// Package tunnel splices two byte streams after a protocol upgrade.
package tunnel
