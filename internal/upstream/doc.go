// Package upstream implements the pooled HTTP/1.1 client used to reach the
// single fixed upstream target.
//
// A Client owns one http.Transport, so every inbound connection shares the
// same pool of idle outbound connections. Idle connections are reused only
// within the idle timeout and the pool keeps at most MaxIdleConnsPerHost of
// them. Requests are translated verbatim: the header map of the inbound
// request replaces the outbound one, bodies are fully buffered, and nothing
// is retried.
package upstream
