// Package transport implements the gRPC transport client for the filetrace
// agent. The [Client] satisfies the [agent.Transport] interface and manages a
// persistent bidirectional StreamEvents connection to the collector with the
// following key properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     collector certificate is verified against the same CA.
//   - RegisterAgent: called once on each successful connection to obtain a
//     stable host_id that is embedded in every Event.
//   - Exponential backoff: on any connection or stream error the client waits
//     an exponentially increasing interval before reconnecting; a successful
//     connection resets the interval.
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending events from the local SQLite queue
//     (oldest first) before forwarding new live events. Each event is acked
//     in the queue only after the collector sends an ACK ServerCommand.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/filetrace/agent/internal/agent"
	"github.com/filetrace/agent/internal/queue"
	"github.com/filetrace/agent/internal/rpc/tracepb"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect backoff.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of events dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live FileEvents from Send to the stream goroutine.
	liveChanCap = 256

	// registerTimeout bounds the RegisterAgent call on each connection.
	registerTimeout = 10 * time.Second
)

// DrainQueue is the subset of [queue.SQLiteQueue] used by Client. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in unit tests.
type DrainQueue interface {
	// Dequeue returns up to n unacknowledged events in insertion order.
	Dequeue(ctx context.Context, n int) ([]queue.PendingEvent, error)
	// Ack marks events as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) events.
	Depth() int
}

// Config holds the parameters for connecting to the filetrace collector.
type Config struct {
	// Addr is the collector gRPC address (e.g. "collector.example.com:4443").
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded agent client certificate.
	// Required when Insecure is false.
	CertPath string

	// KeyPath is the path to the PEM-encoded agent private key.
	// Required when Insecure is false.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector certificate. Required when Insecure is false.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of Addr is used. Ignored when Insecure is
	// true.
	ServerName string

	// Hostname is the agent host name sent in RegisterAgent. When empty
	// os.Hostname() is used.
	Hostname string

	// Platform is the OS label sent in RegisterAgent (e.g. "linux").
	Platform string

	// AgentVersion is the semantic version sent in RegisterAgent.
	AgentVersion string

	// MaxBackoff is the maximum reconnect backoff interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in production.
	Insecure bool
}

// Client is a bidirectional gRPC transport client that implements
// [agent.Transport]. It is safe for concurrent use: [Client.Send] may be
// called from any goroutine while the internal run loop manages the stream.
//
// Use [New] to construct a Client. Call Start once to begin the connection
// loop. Call Stop to shut down cleanly.
type Client struct {
	cfg    Config
	queue  DrainQueue
	logger *slog.Logger

	// liveCh carries file events from Send to the run-loop goroutine.
	liveCh chan agent.FileEvent

	// stopCh is closed by Stop to signal the run loop to exit.
	stopCh   chan struct{}
	stopOnce sync.Once

	// done is closed by the run loop when it exits.
	done chan struct{}

	// hostID is set after each successful RegisterAgent call. Protected by
	// hostMu so that both the run loop (writer) and Send callers (readers)
	// can access it safely.
	hostMu sync.RWMutex
	hostID string

	eventsSentTotal atomic.Int64
	reconnectTotal  atomic.Int64
}

// New creates a new Client but does not start it. Call Start to begin the
// connection loop.
//
//   - cfg must have Addr set; CertPath/KeyPath/CAPath are required unless
//     cfg.Insecure is true (testing only).
//   - q is the local SQLite queue; it is used to drain pending events on
//     each reconnect. May be nil, in which case draining is skipped.
//   - logger is used for structured logging; pass slog.Default() when no
//     custom logger is required.
func New(cfg Config, q DrainQueue, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan agent.FileEvent, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. It implements [agent.Transport].
//
// Connection failures are retried internally with exponential backoff and are
// not surfaced as errors from Start.
func (c *Client) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// Send forwards evt to the live channel consumed by the stream goroutine. It
// implements [agent.Transport].
//
// Send returns an error if the live channel is full (back-pressure from a
// slow stream) or if the client has been stopped. The caller should already
// have persisted evt to the local queue before calling Send; a failed Send is
// not fatal because the event will be re-delivered by the queue drain on
// reconnect.
func (c *Client) Send(ctx context.Context, evt agent.FileEvent) error {
	select {
	case c.liveCh <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: live channel full, event will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. It implements
// [agent.Transport]. Calling Stop more than once is safe.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// EventsSentTotal returns the total number of events acknowledged by the
// collector since the client was created.
func (c *Client) EventsSentTotal() int64 { return c.eventsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts (connection
// losses) since the client was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. It returns 0 when
// no queue is configured.
func (c *Client) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// HostID returns the host_id assigned by the collector during the most
// recent successful RegisterAgent call. It returns an empty string before
// the first successful registration.
func (c *Client) HostID() string {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.hostID
}

// --- internal ---

// run is the main connection loop. It runs in a background goroutine started
// by Start and exits when stopCh is closed or ctx is cancelled. Backoff
// intervals come from backoff.ExponentialBackOff and reset after every
// successful connection.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx, bo)
		if err == nil {
			// Clean exit (ctx cancelled or stopCh closed inside runOnce).
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("transport: connection lost, reconnecting",
			slog.Any("error", err),
		)
	}
}

// runOnce performs a single connect → register → stream cycle. It returns
// nil only when the exit is clean (stop/context cancellation). Any other
// return value means the connection was lost and the caller should retry.
func (c *Client) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := tracepb.NewTraceServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, registerTimeout)
	resp, err := client.RegisterAgent(regCtx, &tracepb.RegisterRequest{
		Hostname:     hostname,
		Platform:     c.cfg.Platform,
		AgentVersion: c.cfg.AgentVersion,
	})
	regCancel()

	if err != nil {
		return fmt.Errorf("RegisterAgent: %w", err)
	}

	c.hostMu.Lock()
	c.hostID = resp.HostID
	c.hostMu.Unlock()

	c.logger.Info("transport: registered with collector",
		slog.String("host_id", resp.HostID),
		slog.String("collector_addr", c.cfg.Addr),
	)

	// Registration succeeded: the next failure starts from a short wait.
	bo.Reset()

	stream, err := client.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("transport: draining queue before live events",
			slog.Int("depth", c.queue.Depth()),
		)
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("transport: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		// Clean stop — not a transport error.
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

// wireEvent converts a FileEvent to its wire form with a fresh event id.
func wireEvent(hostID string, evt agent.FileEvent) *tracepb.Event {
	return &tracepb.Event{
		EventID:     uuid.NewString(),
		HostID:      hostID,
		Container:   evt.Container,
		CgroupID:    tracepb.FormatCgroupID(evt.CgroupID),
		PID:         evt.PID,
		Syscall:     evt.Syscall,
		Path:        evt.Path,
		TimestampUs: evt.Timestamp.UnixMicro(),
	}
}

// drainQueue sends all pending events from the queue to the collector in
// FIFO order. For each event it:
//  1. Generates a new event_id UUID.
//  2. Sends the Event on the stream.
//  3. Receives the ServerCommand response.
//  4. If the command is ACK, calls Ack on the queue and increments
//     eventsSentTotal.
//
// Events whose response is ERROR are left in the queue (delivered=0) so they
// are retried on the next reconnect. Any stream send/recv error terminates
// the drain and is returned to the caller.
func (c *Client) drainQueue(ctx context.Context, stream tracepb.TraceService_StreamEventsClient) error {
	hostID := c.HostID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pe := range pending {
			wevt := wireEvent(hostID, pe.Evt)

			if err := stream.Send(wevt); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			cmd, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ACK (queued): %w", err)
			}

			switch cmd.Type {
			case tracepb.CommandAck:
				if ackErr := c.queue.Ack(ctx, []int64{pe.ID}); ackErr != nil {
					// Not fatal; the event is re-delivered on the next
					// reconnect.
					c.logger.Warn("transport: queue Ack failed",
						slog.Int64("queue_id", pe.ID),
						slog.Any("error", ackErr),
					)
				} else {
					c.eventsSentTotal.Add(1)
					c.logger.Debug("transport: queued event delivered",
						slog.String("event_id", wevt.EventID),
						slog.String("path", pe.Evt.Path),
					)
				}
			default:
				c.logger.Warn("transport: collector rejected queued event",
					slog.String("event_id", wevt.EventID),
					slog.String("server_response", cmd.Type),
					slog.String("path", pe.Evt.Path),
				)
				// Do not ack — retry on next reconnect.
			}
		}
	}
}

// processLive forwards live events received from [Client.Send] onto the gRPC
// stream. It starts a background goroutine that reads ServerCommand ACKs and
// increments eventsSentTotal. The method returns when ctx is cancelled,
// stopCh is closed, the collector closes the stream, or a send or receive
// error occurs.
func (c *Client) processLive(ctx context.Context, stream tracepb.TraceService_StreamEventsClient) error {
	hostID := c.HostID()

	// Receive ACKs in a separate goroutine so that the send path is not
	// blocked waiting for each individual ACK. Per the gRPC Go documentation
	// it is safe to call Send and Recv concurrently on the same stream from
	// different goroutines.
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			cmd, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if cmd.Type == tracepb.CommandAck {
				c.eventsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case evt := <-c.liveCh:
			if err := stream.Send(wireEvent(hostID, evt)); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing only).
func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// Ensure Client satisfies agent.Transport at compile time.
var _ agent.Transport = (*Client)(nil)
