// Package healthcheck probes the upstream periodically and reports up/down
// transitions. Probing is informational: the proxy keeps forwarding
// regardless of the probe result.
package healthcheck
