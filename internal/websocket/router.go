package websocket

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/feeds"
	"github.com/ashchan/livefeed/internal/protocol"
)

// Router decodes inbound frames and dispatches them to the posting handlers.
// Every handler runs on the connection's read goroutine, so messages from one
// client are applied in the order they were sent.
type Router struct {
	registry     *feeds.Registry
	scorer       *feeds.SpamScorer
	store        livefeed.PostStore
	storeTimeout time.Duration
	clk          clock.Clock
	log          *zap.Logger
}

// NewRouter creates a router over the shared gateway state.
func NewRouter(registry *feeds.Registry, scorer *feeds.SpamScorer, store livefeed.PostStore, storeTimeout time.Duration, clk clock.Clock, log *zap.Logger) *Router {
	return &Router{
		registry:     registry,
		scorer:       scorer,
		store:        store,
		storeTimeout: storeTimeout,
		clk:          clk,
		log:          log,
	}
}

// HandleText dispatches one text frame.
func (rt *Router) HandleText(c *feeds.Client, data string) {
	typ, payload, err := protocol.DecodeText(data)
	if err != nil {
		c.SendError("malformed message")
		return
	}

	switch typ {
	case livefeed.TextSynchronise:
		rt.handleSynchronise(c, payload)
	case livefeed.TextInsertPost:
		rt.handleInsertPost(c, payload)
	case livefeed.TextClosePost:
		rt.handleClosePost(c)
	case livefeed.TextReclaim:
		rt.handleReclaim(c, payload)
	case livefeed.TextInsertImage:
		c.SendError(livefeed.ErrImageUnsupported)
	case livefeed.TextNOOP:
		// Keepalive. Activity was already recorded.
	default:
		rt.log.Warn("unhandled text message type",
			zap.Int("type", typ),
			zap.String("client_id", c.ID()))
	}
}

// HandleBinary dispatches one binary editing frame. All three editing
// operations require a synchronised client with an open post.
func (rt *Router) HandleBinary(c *feeds.Client, data []byte) {
	typ, payload, err := protocol.DecodeClientFrame(data)
	if err != nil {
		c.SendError("malformed message")
		return
	}

	switch typ {
	case livefeed.BinaryAppend:
		rt.handleAppend(c, payload)
	case livefeed.BinaryBackspace:
		rt.handleBackspace(c)
	case livefeed.BinarySplice:
		rt.handleSplice(c, payload)
	default:
		rt.log.Warn("unhandled binary message type",
			zap.Uint8("type", typ),
			zap.String("client_id", c.ID()))
	}
}

// storeCtx bounds one post store call.
func (rt *Router) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rt.storeTimeout)
}
