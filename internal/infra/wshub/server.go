package wshub

import (
	"net/http"
	"time"
)

// NewServer serves hub on path at addr.
func NewServer(addr, path string, hub *Hub) *http.Server {
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.Handle(path, hub)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
