package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/trackmirror/trackmirror/internal/store"
)

// feedBuffer is the per-connection queue depth. A client that cannot
// drain this many notifications is dropped rather than blocking the
// dispatcher.
const feedBuffer = 32

// Feed pushes freshly created notifications to connected websocket
// clients. Registered as the dispatcher's delivery hook; Publish never
// blocks.
type Feed struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	userID int64
	ch     chan notificationResponse
}

func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}

	return &Feed{
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// Publish routes one notification to every connection owned by its
// recipient. Full queues drop the message; the client still sees it on
// its next list fetch.
func (f *Feed) Publish(n *store.Notification) {
	msg := newNotificationResponse(n)

	f.mu.Lock()
	defer f.mu.Unlock()

	for c := range f.clients {
		if c.userID != n.UserID {
			continue
		}

		select {
		case c.ch <- msg:
		default:
			f.logger.Warn("feed client queue full, dropping notification",
				slog.Int64("user", c.userID),
				slog.Int64("notification", n.ID),
			)
		}
	}
}

// Close disconnects all clients. Publish becomes a no-op.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true

	for c := range f.clients {
		close(c.ch)
	}

	f.clients = make(map[*feedClient]struct{})
}

func (f *Feed) subscribe(userID int64) (*feedClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, false
	}

	c := &feedClient{
		userID: userID,
		ch:     make(chan notificationResponse, feedBuffer),
	}

	f.clients[c] = struct{}{}

	return c, true
}

func (f *Feed) unsubscribe(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
}

// handleNotificationFeed upgrades to a websocket and streams the acting
// user's notifications until the client disconnects or the server
// shuts down.
func (s *Server) handleNotificationFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusInternalError, "closing")

	client, ok := s.feed.subscribe(userID(r))
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	defer s.feed.unsubscribe(client)

	ctx := r.Context()

	// Reader goroutine: the client sends nothing meaningful, but reading
	// is how we learn about disconnects and answer pings.
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-readDone:
			return
		case msg, open := <-client.ch:
			if !open {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()

			if err != nil {
				return
			}
		}
	}
}
