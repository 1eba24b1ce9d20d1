package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// sessionsEvent is pushed whenever the set of open sessions changes.
type sessionsEvent struct {
	Count    int          `json:"count"`
	Sessions []SessionRow `json:"sessions"`
}

// executionEvent is pushed for each execution recorded since the stream
// opened.
type executionEvent struct {
	Execution ExecutionRow `json:"execution"`
}

// feed tracks what one event-stream client has already been sent.
type feed struct {
	s        *Server
	sessions string
	lastExec uint
}

// newFeed starts a feed after the newest recorded execution; history is
// served by /api/executions, not replayed on the stream.
func newFeed(ctx context.Context, s *Server) *feed {
	f := &feed{s: s}
	if s.executions != nil {
		if latest, err := s.executions.Recent(ctx, "", 1); err == nil && len(latest) > 0 {
			f.lastExec = latest[0].ID
		}
	}
	return f
}

// update emits a sessions event if the list changed and one execution
// event per new audit row, oldest first.
func (f *feed) update(ctx context.Context, c *gin.Context) {
	now := time.Now()
	rows := sessionRows(f.s.sessions.Snapshots(), now)
	if key := sessionsKey(rows); key != f.sessions {
		f.sessions = key
		c.SSEvent("sessions", sessionsEvent{Count: len(rows), Sessions: rows})
	}
	if f.s.executions == nil {
		return
	}
	execs, err := f.s.executions.Recent(ctx, "", 50)
	if err != nil {
		return
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].ID <= f.lastExec {
			continue
		}
		f.lastExec = execs[i].ID
		c.SSEvent("execution", executionEvent{Execution: executionRows(execs[i:i+1], now)[0]})
	}
}

// handleEvents streams session changes and new executions until the client
// disconnects, with a heartbeat to keep proxies from timing out.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	f := newFeed(ctx, s)
	poll := time.NewTicker(s.pollInterval)
	beat := time.NewTicker(s.heartbeat)
	defer poll.Stop()
	defer beat.Stop()

	c.SSEvent("connected", gin.H{"type": "connected"})
	f.update(ctx, c)
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-beat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
		case <-poll.C:
			f.update(ctx, c)
		}
		return true
	})
}

// sessionsKey identifies the observable state of the session list.
func sessionsKey(rows []SessionRow) string {
	key := make([][]any, len(rows))
	for i, r := range rows {
		key[i] = []any{r.Owner, r.State, r.Files, r.Pre, r.Post, r.Runs}
	}
	b, _ := json.Marshal(key)
	return string(b)
}
