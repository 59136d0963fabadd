// Package httpserver terminates inbound HTTP/1.1 connections.
//
// Each accepted connection is served by its own goroutine; requests on a
// keep-alive connection are decoded and answered strictly in order. The only
// timeout enforced on the inbound side is the header-read timeout.
package httpserver
