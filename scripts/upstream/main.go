// Upstream is a small HTTP server to put behind the proxy during local
// testing. It provides /ping, /echo, /ws and /health endpoints.
//
// Usage:
//
//	go run ./scripts/upstream -port 3000
//
// Every response carries X-Upstream-Conn, a UUID assigned per inbound TCP
// connection, so a client can tell whether the proxy reused a connection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type connKey struct{}

// EchoResponse describes the request as the upstream received it.
type EchoResponse struct {
	ID         string              `json:"id"`
	Method     string              `json:"method"`
	RequestURI string              `json:"request_uri"`
	Host       string              `json:"host"`
	Header     map[string][]string `json:"header"`
	Body       string              `json:"body"`
}

func connID(r *http.Request) string {
	id, _ := r.Context().Value(connKey{}).(string)
	return id
}

func main() {
	port := flag.Int("port", 3000, "port to listen on")
	flag.Parse()

	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Conn", connID(r))
		w.Write([]byte("pong"))
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request: method=%s uri=%s from=%s conn=%s bytes=%d", r.Method, r.RequestURI, r.RemoteAddr, connID(r), len(body))

		b, _ := json.Marshal(EchoResponse{
			ID:         uuid.NewString(),
			Method:     r.Method,
			RequestURI: r.RequestURI,
			Host:       r.Host,
			Header:     r.Header,
			Body:       string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Conn", connID(r))
		w.Write(b)
	})

	// websocket echo for trying out upgrade passthrough
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, http.Header{"X-Upstream-Conn": {connID(r)}})
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, uuid.NewString())
		},
	}

	log.Printf("starting upstream on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
