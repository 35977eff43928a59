// Package livefeed implements the real-time transport core of a live-posting
// discussion board: a WebSocket gateway that lets many browsers watch a thread
// update character-by-character while posts are still being typed.
//
// The gateway multiplexes connections into per-thread broadcast feeds. Each
// keystroke of an open post travels as a compact binary frame on the hot path,
// while non-critical text messages are batched on a 100ms tick and flushed as
// a single concat frame. Per-post size and lifetime ceilings, a decaying
// per-address spam score, and a periodic sweeper over idle feeds and expired
// posts keep resource usage bounded.
//
// # Architecture
//
//	internal/protocol  stateless encode/decode of text and binary frames
//	internal/post      in-progress post body, edit operations, limits
//	internal/feeds     connections, per-thread feeds, registry, spam, sweeper
//	internal/websocket handshake, dispatch, message handlers
//	ws                 public facade
//	cmd/livefeedd      server binary
//
// Persistence of boards, threads and finalized posts lives in a separate
// service reached through the PostStore interface. The gateway only keeps
// volatile state: a post being typed exists nowhere else until it is closed.
//
// # Wire Protocol
//
// Text frames carry a two-ASCII-digit zero-padded type code followed directly
// by an optional JSON payload. Binary frames from the server lead with the
// post id as a float64 little-endian and end with a one-byte type; frames
// from the client omit the post id (the server knows which post the
// connection owns).
//
//	S→C append:    [postID:f64LE][char:utf8][0x02]
//	S→C backspace: [postID:f64LE][0x03]
//	S→C splice:    [postID:f64LE][start:u16LE][len:u16LE][text:utf8][0x04]
//
// Post ids above 2^53 cannot be represented exactly in a float64 and are
// rejected at encode time; decoding verifies the recovered integer is within
// 0.5 of the float.
//
// # Quick Start
//
//	cfg := livefeed.DefaultConfig()
//	srv := ws.New(cfg, ws.NewHTTPStore(cfg.Store), logger)
//	srv.Start(ctx)
package livefeed
