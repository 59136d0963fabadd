// Package handler implements the per-request proxying logic.
//
// ProxyHandler buffers the inbound request, rebuilds it against the fixed
// upstream with the header map copied verbatim, and relays the upstream
// status, headers and body unchanged. No Via or X-Forwarded-For headers are
// added and hop-by-hop headers are passed through. Protocol upgrades are
// forwarded and, once the upstream switches protocols, the inbound
// connection is spliced onto the upstream stream.
package handler
