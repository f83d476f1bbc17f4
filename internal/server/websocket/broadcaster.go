// Package websocket provides the in-process WebSocket broadcaster for the
// filetrace collector's live event feed.  The InProcessBroadcaster fans newly
// ingested file events out to all currently-connected browser clients without
// blocking the gRPC event ingestion goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event messages.  A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the gRPC
//     StreamEvents goroutine.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Anonymous subscribers (used by the integration layer) receive
//     storage.FileEvent values directly via a second sync.Map.
//   - Closing a subscription or unregistering a client signals the associated
//     WebSocket pump goroutine to exit cleanly.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filetrace/agent/internal/server/storage"
)

// EventData holds the structured file-event payload sent to browser clients
// as part of an EventMessage envelope.  CgroupID is a decimal string because
// cgroup IDs can exceed the 2^53 range JavaScript numbers represent exactly.
type EventData struct {
	EventID   string `json:"event_id"`
	HostID    string `json:"host_id"`
	Container string `json:"container"`
	CgroupID  string `json:"cgroup_id"`
	PID       int64  `json:"pid"`
	Syscall   string `json:"syscall"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// EventMessage is the top-level JSON envelope pushed to browser WebSocket
// clients.  Type is always "file_event" for file access events.
type EventMessage struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// Client represents a single connected WebSocket client.  It is created by
// InProcessBroadcaster.Register and is valid until Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered.  The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// InProcessBroadcaster fans file events out to all currently-connected
// WebSocket clients (via Register/Unregister/Broadcast) and to all anonymous
// channel subscribers (via Subscribe/Unsubscribe/Publish).  It is safe for
// concurrent use.
//
// For multi-instance collector deployments the same fan-out logic can be
// backed by a Redis pub/sub adapter without changing the trace service or
// WebSocket handler code.
type InProcessBroadcaster struct {
	// Named WebSocket clients — keyed by string client ID.
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// Anonymous subscribers — keyed by the receive-only channel pointer.
	subs sync.Map // map[<-chan storage.FileEvent]chan storage.FileEvent

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates an InProcessBroadcaster.
//
// bufSize is the per-client and per-subscriber channel buffer depth.  A value
// of 64 absorbs bursts from a 100 ms flush interval generating up to 640
// events/s per subscriber before drops begin.  Pass 0 to use the default of
// 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *InProcessBroadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &InProcessBroadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it.  The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *InProcessBroadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly.  Calling
// Unregister with an unknown id is a no-op.
func (b *InProcessBroadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *InProcessBroadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every registered
// client using a non-blocking send.  When a client's buffer is full the
// message is dropped and the client's Dropped counter is incremented.
func (b *InProcessBroadcaster) Broadcast(msg EventMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
			)
		}
		return true // continue ranging
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// storage.FileEvent values will be delivered.  The channel is buffered; when
// the buffer is full a subsequent Publish call drops the event for that
// subscriber rather than blocking.
//
// The channel is closed automatically when ctx is cancelled or when Close is
// called.  Call Unsubscribe to release resources before the context is
// cancelled.
func (b *InProcessBroadcaster) Subscribe(ctx context.Context) <-chan storage.FileEvent {
	ch := make(chan storage.FileEvent, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	// Key by the receive-only conversion: Unsubscribe receives the channel
	// back as <-chan, and sync.Map keys only match on identical dynamic
	// types.
	b.subs.Store((<-chan storage.FileEvent)(ch), ch)

	// Unsubscribe automatically when the caller's context is cancelled.
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly.  It is safe to call Unsubscribe
// after the broadcaster has been closed.
func (b *InProcessBroadcaster) Unsubscribe(ch <-chan storage.FileEvent) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan storage.FileEvent))
	}
}

// Publish delivers e to every anonymous subscriber and also converts it to an
// EventMessage that is broadcast to every registered WebSocket client.
//
// The non-blocking select/default pattern ensures that a slow subscriber or
// client never stalls the gRPC StreamEvents goroutine.
func (b *InProcessBroadcaster) Publish(e storage.FileEvent) {
	if b.closed.Load() {
		return
	}

	// Deliver to Subscribe() subscribers as raw storage.FileEvent.
	b.subs.Range(func(key, value any) bool {
		ch := value.(chan storage.FileEvent)
		select {
		case ch <- e:
			// delivered
		default:
			b.logger.Warn("websocket broadcaster: subscriber buffer full, dropping event",
				slog.String("event_id", e.EventID),
				slog.String("path", e.Path),
			)
		}
		return true // continue ranging
	})

	// Convert to EventMessage and fan out to registered WebSocket clients.
	b.Broadcast(EventMessage{
		Type: "file_event",
		Data: EventData{
			EventID:   e.EventID,
			HostID:    e.HostID,
			Container: e.Container,
			CgroupID:  strconv.FormatUint(uint64(e.CgroupID), 10),
			PID:       e.PID,
			Syscall:   e.Syscall,
			Path:      e.Path,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all subscriptions and registered clients, drains and closes
// every channel, and releases internal resources.  After Close returns,
// Publish and Broadcast are no-ops and Subscribe returns a closed channel.
func (b *InProcessBroadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// Close all anonymous subscriber channels.
		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan storage.FileEvent))
			return true
		})

		// Close all registered WebSocket client channels.
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
