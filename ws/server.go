// Package ws is the public entry point to the live-posting gateway. It wires
// the configuration, the post store client and the WebSocket server together
// so embedders need a single import.
package ws

import (
	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/store"
	"github.com/ashchan/livefeed/internal/websocket"
)

// Server is the gateway server. See the internal websocket package for the
// lifecycle methods.
type Server = websocket.Server

// New creates a gateway server over an arbitrary post store implementation.
func New(cfg livefeed.Config, ps livefeed.PostStore, log *zap.Logger) *Server {
	return websocket.New(cfg, ps, log)
}

// NewHTTPStore creates the standard post store client over the service's
// REST API.
func NewHTTPStore(cfg livefeed.StoreConfig) livefeed.PostStore {
	return store.NewHTTP(cfg.BaseURL, cfg.Timeout)
}
