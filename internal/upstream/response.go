package upstream

import (
	"io"
	"net/http"
)

// Response is an upstream answer with its body already in memory.
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	Header     http.Header
	Body       []byte

	// Upgrade is set only for 101 Switching Protocols.
	Upgrade io.ReadWriteCloser
}

// Relay copies status, headers and body onto w unchanged.
func (r *Response) Relay(w http.ResponseWriter) (int, error) {
	dst := w.Header()
	for k, vv := range r.Header {
		dst[k] = append([]string(nil), vv...)
	}

	// Present but empty keys suppress the values net/http would otherwise
	// generate for a response missing them.
	for _, k := range []string{"Date", "Content-Type"} {
		if _, ok := dst[k]; !ok {
			dst[k] = nil
		}
	}

	w.WriteHeader(r.StatusCode)

	if len(r.Body) == 0 {
		return 0, nil
	}

	return w.Write(r.Body)
}
