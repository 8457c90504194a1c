package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/watcher"
)

// Router provides embeddable HTTP handlers over a watcher.
// Endpoints:
//   GET {basePath}/streams/:id/events   query: cursor=N (default 0)
//   GET {basePath}/healthz
//   GET {basePath}/metrics              when metrics enabled
//
// /streams/:id/events is a Server-Sent Events feed: each watched record is
// written as one SSE event whose id is the record position and whose data
// is the stored payload. When a store is attached, records from cursor to
// the current head are replayed before live delivery starts.
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	w        *watcher.Watcher
	store    eventlog.Store // optional, enables catch-up replay
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
// store may be nil; then feeds start from live notifications only.
func NewRouter(w *watcher.Watcher, store eventlog.Store, basePath string, withMetrics bool) *Router {
	return &Router{w: w, store: store, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/streams/:id/events", r.handleStreamEvents)
	group.GET("/healthz", r.handleHealthz)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	if err := r.w.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStreamEvents(c *gin.Context) {
	streamID := c.Param("id")
	if streamID == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "stream id is required"})
		return
	}
	cursor := int64(0)
	if raw := c.Query("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid cursor: " + raw})
			return
		}
		cursor = n
	}

	// Buffered feed decouples the watch loop from slow clients; a full
	// buffer drops records rather than stalling every other stream.
	feed := make(chan eventlog.Record, 64)
	sub, err := r.w.Watch(streamID, cursor, func(rec eventlog.Record) {
		select {
		case feed <- rec:
		default:
		}
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	defer r.w.Unwatch(streamID, sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	last := cursor - 1
	if r.store != nil {
		// catch-up replay before the live feed
		recs, err := r.store.Tail(c.Request.Context(), streamID, cursor, 0)
		if err != nil {
			// headers are committed to SSE at this point; report in-band
			writeSSEError(c, err)
			return
		}
		for _, rec := range recs {
			writeSSE(c, rec)
			last = rec.Position
		}
		c.Writer.Flush()
	}

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case rec := <-feed:
			// replayed records may race with live delivery
			if rec.Position > last {
				writeSSE(c, rec)
				last = rec.Position
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func writeSSEError(c *gin.Context, err error) {
	_, _ = c.Writer.WriteString("event: error\n")
	_, _ = c.Writer.WriteString("data: " + err.Error() + "\n\n")
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, rec eventlog.Record) {
	_, _ = c.Writer.WriteString("id: " + strconv.FormatInt(rec.Position, 10) + "\n")
	_, _ = c.Writer.WriteString("data: ")
	_, _ = c.Writer.Write(rec.Data)
	_, _ = c.Writer.WriteString("\n\n")
}
