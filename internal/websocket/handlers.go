package websocket

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/feeds"
	"github.com/ashchan/livefeed/internal/post"
	"github.com/ashchan/livefeed/internal/protocol"
)

type synchroniseReq struct {
	Board  string `json:"board"`
	Thread uint64 `json:"thread"`
}

type insertPostReq struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type reclaimReq struct {
	ID       uint64 `json:"id"`
	Password string `json:"password"`
}

// handleSynchronise subscribes the connection to a thread and replies with
// the feed snapshot. Re-synchronising to another thread moves the
// subscription; an open post survives the move only within its own thread.
func (rt *Router) handleSynchronise(c *feeds.Client, payload []byte) {
	var req synchroniseReq
	if err := json.Unmarshal(payload, &req); err != nil || req.Thread == 0 || req.Board == "" {
		c.SendError("malformed synchronise request")
		return
	}

	if prev := c.ThreadID(); prev != 0 && prev != req.Thread {
		if p := c.OpenPost(); p != nil {
			rt.closeOpenPost(c, rt.registry.Get(prev))
		}
		rt.registry.Unsubscribe(c, prev)
		rt.announceSyncCount(rt.registry.Get(prev))
	}

	feed := rt.registry.Subscribe(c, req.Thread)
	c.SetSynced(req.Thread, req.Board)

	state := feed.SyncStateSnapshot()
	if msg, err := protocol.EncodeText(livefeed.TextSynchronise, state); err == nil {
		c.SendText(msg)
	}
	if msg, err := protocol.EncodeText(livefeed.TextServerTime, map[string]int64{"time": rt.clk.Now().Unix()}); err == nil {
		c.SendText(msg)
	}
	rt.announceSyncCount(feed)

	rt.log.Debug("client synchronised",
		zap.String("client_id", c.ID()),
		zap.Uint64("thread_id", req.Thread),
		zap.String("board", req.Board))
}

// handleInsertPost allocates an open post through the store and announces it
// to the thread. Addresses past the spam threshold must verify first.
func (rt *Router) handleInsertPost(c *feeds.Client, payload []byte) {
	if !c.Synced() {
		c.SendError(livefeed.ErrNotSynced)
		return
	}
	if c.OpenPost() != nil {
		c.SendError(livefeed.ErrAlreadyOpen)
		return
	}
	if rt.scorer.RequiresCaptcha(c.IP()) {
		if msg, err := protocol.EncodeText(livefeed.TextCaptcha, nil); err == nil {
			c.SendText(msg)
		}
		c.SendError(livefeed.ErrCaptchaRequired)
		return
	}

	var req insertPostReq
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendError("malformed insert post request")
			return
		}
	}
	if req.Password == "" {
		req.Password = randomSecret()
	}

	ctx, cancel := rt.storeCtx()
	res, err := rt.store.Allocate(ctx, c.Board(), c.ThreadID(), req.Name, req.Password)
	cancel()
	if err != nil {
		rt.relayStoreError(c, err, "post allocation failed")
		return
	}

	p := post.New(res.PostID, c.ThreadID(), c.Board(), req.Password, rt.clk)
	c.SetOpenPost(p)
	rt.scorer.Record(c.IP(), feeds.CostInsertPost)

	feed := rt.registry.Get(c.ThreadID())
	if feed == nil {
		return
	}
	feed.UpdateOpenBody(p.ID, "")

	if msg, err := protocol.EncodeText(livefeed.TextPostID, map[string]any{
		"id":       p.ID,
		"password": req.Password,
	}); err == nil {
		c.SendText(msg)
	}
	if msg, err := protocol.EncodeText(livefeed.TextInsertPost, map[string]any{
		"id":            p.ID,
		"board_post_no": res.BoardPostNo,
		"name":          req.Name,
		"body":          "",
		"editing":       true,
	}); err == nil {
		feed.QueueText(msg)
	}

	rt.log.Debug("post opened",
		zap.Uint64("post_id", p.ID),
		zap.Uint64("thread_id", p.ThreadID),
		zap.String("client_id", c.ID()))
}

// handleClosePost finalizes the connection's open post.
func (rt *Router) handleClosePost(c *feeds.Client) {
	if c.OpenPost() == nil {
		c.SendError(livefeed.ErrNoOpenPost)
		return
	}
	feed := rt.registry.Get(c.ThreadID())
	rt.closeOpenPost(c, feed)
	rt.announceSyncCount(feed)
}

// handleReclaim reattaches an open post lost to a disconnect, authenticated
// by the password issued at allocation.
func (rt *Router) handleReclaim(c *feeds.Client, payload []byte) {
	if !c.Synced() {
		c.SendError(livefeed.ErrNotSynced)
		return
	}
	if c.OpenPost() != nil {
		c.SendError(livefeed.ErrAlreadyOpen)
		return
	}

	var req reclaimReq
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == 0 {
		c.SendError("malformed reclaim request")
		return
	}

	ctx, cancel := rt.storeCtx()
	res, err := rt.store.Reclaim(ctx, req.ID, req.Password)
	cancel()
	if err != nil {
		rt.relayStoreError(c, err, "post reclaim failed")
		return
	}
	if res.ThreadID != c.ThreadID() {
		c.SendError("post belongs to another thread")
		return
	}

	p := post.New(res.PostID, res.ThreadID, c.Board(), req.Password, rt.clk)
	p.RestoreBody(res.Body)
	c.SetOpenPost(p)

	feed := rt.registry.Get(c.ThreadID())
	if feed != nil {
		feed.UpdateOpenBody(p.ID, p.Body())
	}
	if msg, err := protocol.EncodeText(livefeed.TextReclaim, map[string]uint64{"id": p.ID}); err == nil {
		c.SendText(msg)
	}

	rt.log.Debug("post reclaimed",
		zap.Uint64("post_id", p.ID),
		zap.String("client_id", c.ID()))
}

// handleAppend applies a single appended character and broadcasts the
// keystroke.
func (rt *Router) handleAppend(c *feeds.Client, payload []byte) {
	p := c.OpenPost()
	if p == nil {
		c.SendError(livefeed.ErrNoOpenPost)
		return
	}

	r, size := utf8.DecodeRune(payload)
	if r == utf8.RuneError || size != len(payload) {
		c.SendError("malformed message")
		return
	}
	if err := p.Append(r); err != nil {
		c.SendError(livefeed.ErrBodyLimit)
		return
	}
	rt.scorer.Record(c.IP(), feeds.CostAppend)

	feed := rt.registry.Get(c.ThreadID())
	if feed == nil {
		return
	}
	feed.UpdateOpenBody(p.ID, p.Body())
	if frame, err := protocol.EncodeAppend(p.ID, payload); err == nil {
		feed.BroadcastBinary(frame)
	}
}

// handleBackspace removes the last character and broadcasts the deletion.
func (rt *Router) handleBackspace(c *feeds.Client) {
	p := c.OpenPost()
	if p == nil {
		c.SendError(livefeed.ErrNoOpenPost)
		return
	}
	if err := p.Backspace(); err != nil {
		c.SendError(livefeed.ErrBodyEmpty)
		return
	}

	feed := rt.registry.Get(c.ThreadID())
	if feed == nil {
		return
	}
	feed.UpdateOpenBody(p.ID, p.Body())
	if frame, err := protocol.EncodeBackspace(p.ID); err == nil {
		feed.BroadcastBinary(frame)
	}
}

// handleSplice applies a range replacement and broadcasts it.
func (rt *Router) handleSplice(c *feeds.Client, payload []byte) {
	p := c.OpenPost()
	if p == nil {
		c.SendError(livefeed.ErrNoOpenPost)
		return
	}

	sp, err := protocol.DecodeSplicePayload(payload)
	if err != nil {
		c.SendError("malformed message")
		return
	}
	if err := p.Splice(int(sp.Start), int(sp.DeleteCount), sp.Text); err != nil {
		c.SendError(livefeed.ErrBodyLimit)
		return
	}
	rt.scorer.Record(c.IP(), feeds.CostSplicePerChar*utf8.RuneCountInString(sp.Text))

	feed := rt.registry.Get(c.ThreadID())
	if feed == nil {
		return
	}
	feed.UpdateOpenBody(p.ID, p.Body())
	if frame, err := protocol.EncodeSplice(p.ID, sp.Start, sp.DeleteCount, sp.Text); err == nil {
		feed.BroadcastBinary(frame)
	}
}

// ForceClose finalizes the connection's open post without a client request,
// on disconnect or expiry. Local state is cleared even when the store call
// fails.
func (rt *Router) ForceClose(c *feeds.Client) {
	if c.OpenPost() == nil {
		return
	}
	rt.closeOpenPost(c, rt.registry.Get(c.ThreadID()))
}

// closeOpenPost is the single close path shared by the client request, the
// disconnect teardown and thread switching.
func (rt *Router) closeOpenPost(c *feeds.Client, feed *feeds.Feed) {
	p := c.ClearOpenPost()
	if p == nil {
		return
	}

	ctx, cancel := rt.storeCtx()
	res, err := rt.store.Close(ctx, p.ID)
	cancel()
	if err != nil {
		rt.log.Warn("store close failed",
			zap.Uint64("post_id", p.ID),
			zap.Error(err))
	}

	if feed == nil {
		return
	}
	feed.RemoveOpenBody(p.ID)
	if msg, err := protocol.EncodeText(livefeed.TextClosePost, map[string]any{
		"id":           p.ID,
		"content_html": res.ContentHTML,
	}); err == nil {
		feed.QueueText(msg)
	}
}

// announceSyncCount queues the subscriber counters to a feed. Safe on nil.
func (rt *Router) announceSyncCount(feed *feeds.Feed) {
	if feed == nil {
		return
	}
	msg, err := protocol.EncodeText(livefeed.TextSyncCount, map[string]int{
		"clients":    feed.ClientCount(),
		"active_ips": feed.UniqueIPCount(),
	})
	if err == nil {
		feed.QueueText(msg)
	}
}

// relayStoreError sends the store's own message when the store rejected the
// request, a generic one when the store was unreachable.
func (rt *Router) relayStoreError(c *feeds.Client, err error, fallback string) {
	var se *livefeed.StoreError
	if errors.As(err, &se) {
		c.SendError(se.Message)
		return
	}
	rt.log.Error("post store unreachable", zap.Error(err))
	c.SendError(fallback)
}

// randomSecret issues a reclaim password when the client sent none.
func randomSecret() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
