// Package listener binds the proxy's TCP address and runs the accept loop.
//
// A bind failure is returned to the caller and aborts startup. Once bound,
// transient accept failures are logged and retried with a capped backoff;
// only closing the listener ends the loop. There is no backpressure beyond the
// operating system's accept queue.
package listener
