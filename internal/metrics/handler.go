package metrics

import (
	"encoding/json"
	"net/http"
)

// Handler serves the current snapshot as JSON. pool and conns may be nil.
func (c *Collector) Handler(pool func() PoolStats, conns func() ListenerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		if pool != nil {
			snap.Pool = pool()
		}
		if conns != nil {
			snap.Listener = conns()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
