// TraceService is the collector's ingestion endpoint. It handles two RPCs:
//
//   - RegisterAgent — records or updates the agent's host identity.
//   - StreamEvents  — receives a bidirectional stream of file events,
//     validates each one, persists valid events to PostgreSQL, and fans
//     every persisted event to the WebSocket broadcaster so connected
//     browser clients receive real-time updates.
//
// Broadcaster fan-out is performed with a non-blocking send so that a slow
// or disconnected WebSocket consumer never applies back-pressure to the
// gRPC stream goroutine.
package grpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/filetrace/agent/internal/rpc/tracepb"
	"github.com/filetrace/agent/internal/server/storage"
	"github.com/filetrace/agent/internal/server/websocket"
)

// Store is the subset of the storage layer used by TraceService.
type Store interface {
	// UpsertHost inserts or updates a host record and returns the effective
	// host_id persisted in the database. On a first insert the supplied
	// h.HostID is stored and returned; on a hostname conflict the
	// pre-existing host_id is returned unchanged, giving callers a stable
	// identifier across agent reconnects.
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
	BatchInsertEvent(ctx context.Context, e storage.FileEvent) error
}

// Broadcaster is the subset of the websocket broadcaster used by
// TraceService. Declaring a local interface (rather than importing the
// concrete type) makes the service trivially testable with a stub.
type Broadcaster interface {
	Publish(e storage.FileEvent)
}

// TraceService implements tracepb.TraceServiceServer. It validates incoming
// agent events, persists them to PostgreSQL, and publishes each persisted
// event to the WebSocket broadcaster for real-time browser delivery.
type TraceService struct {
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxEventAgeSecs is the maximum age of a reported event relative to
	// the server clock. Events older than this are rejected as stale.
	maxEventAgeSecs int64
}

// NewTraceService creates a TraceService.
//
//   - store must be an open, ready-to-use storage.Store (or a test stub).
//   - broadcaster must be a running websocket.InProcessBroadcaster (or a
//     test stub).
//   - logger is used for structured per-event logging.
//   - maxEventAgeSecs is the tolerated clock skew window; ≤0 uses the
//     default of 300 seconds (5 minutes).
func NewTraceService(store Store, broadcaster Broadcaster, logger *slog.Logger, maxEventAgeSecs int64) *TraceService {
	if maxEventAgeSecs <= 0 {
		maxEventAgeSecs = 300
	}
	return &TraceService{
		store:           store,
		broadcaster:     broadcaster,
		logger:          logger,
		maxEventAgeSecs: maxEventAgeSecs,
	}
}

// RegisterAgent implements tracepb.TraceServiceServer.RegisterAgent.
//
// It upserts a Host record in the database, deriving the hostname from the
// mTLS client-certificate CN when available, falling back to the hostname
// field in the request.
func (s *TraceService) RegisterAgent(ctx context.Context, req *tracepb.RegisterRequest) (*tracepb.RegisterResponse, error) {
	hostname := req.Hostname

	// Prefer the CN embedded in the client certificate over the
	// self-reported hostname so that identity is tied to the PKI, not the
	// agent's claim.
	if cn, ok := AgentCNFromContext(ctx); ok {
		hostname = cn
	}

	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register_agent: hostname must not be empty")
	}

	now := time.Now().UTC()
	// Generate a candidate UUID for new registrations. UpsertHost uses
	// ON CONFLICT (hostname) DO UPDATE … RETURNING host_id, so if a host
	// with the same hostname already exists the DB returns the pre-existing
	// UUID and candidateID is discarded. Every agent reconnect therefore
	// receives the same stable host_id.
	candidateID := uuid.NewString()
	host := storage.Host{
		HostID:       candidateID,
		Hostname:     hostname,
		Platform:     req.Platform,
		AgentVersion: req.AgentVersion,
		LastSeen:     &now,
		Status:       storage.HostStatusOnline,
	}

	effectiveHostID, err := s.store.UpsertHost(ctx, host)
	if err != nil {
		s.logger.Error("register_agent: upsert host failed",
			slog.String("hostname", hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_agent: store: %v", err)
	}

	s.logger.Info("agent registered",
		slog.String("host_id", effectiveHostID),
		slog.String("hostname", hostname),
		slog.String("platform", req.Platform),
	)

	return &tracepb.RegisterResponse{HostID: effectiveHostID}, nil
}

// StreamEvents implements tracepb.TraceServiceServer.StreamEvents.
//
// The method reads Event messages from the client stream until EOF or
// context cancellation. For each valid event it:
//  1. Validates required fields, timestamp bounds, and the path shape.
//  2. Persists the event via store.BatchInsertEvent (batched).
//  3. Publishes the event to the WebSocket broadcaster using a
//     non-blocking send so slow or disconnected clients cannot stall this
//     goroutine.
//  4. Sends an ACK ServerCommand back to the agent.
//
// Invalid events receive an ERROR command and are not written to the
// database.
func (s *TraceService) StreamEvents(stream tracepb.TraceService_StreamEventsServer) error {
	ctx := stream.Context()

	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		row, validationErr := s.validateAndConvert(evt)
		if validationErr != nil {
			s.logger.Warn("stream_events: invalid event rejected",
				slog.String("event_id", evt.EventID),
				slog.String("reason", validationErr.Error()),
			)
			if sendErr := stream.Send(errorCommand(evt.EventID, validationErr)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Persist to PostgreSQL (batched; flushes every 100 ms or at 100
		// rows).
		if err := s.store.BatchInsertEvent(ctx, *row); err != nil {
			s.logger.Error("stream_events: persist event failed",
				slog.String("event_id", row.EventID),
				slog.Any("error", err),
			)
			if sendErr := stream.Send(errorCommand(evt.EventID, err)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Fan the persisted event to all connected WebSocket subscribers.
		s.broadcaster.Publish(*row)

		s.logger.Debug("stream_events: event persisted and broadcast",
			slog.String("event_id", row.EventID),
			slog.String("host_id", row.HostID),
			slog.String("container", row.Container),
			slog.String("path", row.Path),
		)

		if sendErr := stream.Send(ackCommand(row.EventID)); sendErr != nil {
			return sendErr
		}
	}
}

// validateAndConvert checks that evt carries all required fields and
// converts it to a storage.FileEvent ready for insertion.
//
// Validation rules:
//   - event_id, host_id, container, syscall, path must be non-empty.
//   - path must be absolute.
//   - cgroup_id must parse as an unsigned integer.
//   - timestamp_us must be within [now − maxEventAgeSecs, now + 60s];
//     zero defaults to the server clock.
func (s *TraceService) validateAndConvert(evt *tracepb.Event) (*storage.FileEvent, error) {
	if evt.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if evt.HostID == "" {
		return nil, fmt.Errorf("host_id is required")
	}
	if evt.Container == "" {
		return nil, fmt.Errorf("container is required")
	}
	if evt.Syscall == "" {
		return nil, fmt.Errorf("syscall is required")
	}
	if evt.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(evt.Path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", evt.Path)
	}

	cgroupID, err := tracepb.ParseCgroupID(evt.CgroupID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ts := now
	if evt.TimestampUs != 0 {
		ts = time.UnixMicro(evt.TimestampUs).UTC()
		if ts.Before(now.Add(-time.Duration(s.maxEventAgeSecs) * time.Second)) {
			return nil, fmt.Errorf("timestamp_us %d is too old (>%ds)", evt.TimestampUs, s.maxEventAgeSecs)
		}
		if ts.After(now.Add(60 * time.Second)) {
			return nil, fmt.Errorf("timestamp_us %d is too far in the future (>60s)", evt.TimestampUs)
		}
	}

	return &storage.FileEvent{
		EventID:    evt.EventID,
		HostID:     evt.HostID,
		Container:  evt.Container,
		CgroupID:   int64(cgroupID),
		PID:        int64(evt.PID),
		Syscall:    evt.Syscall,
		Path:       evt.Path,
		Timestamp:  ts,
		ReceivedAt: now,
	}, nil
}

// --- helpers ---

// ackCommand builds a successful ACK response.
func ackCommand(eventID string) *tracepb.ServerCommand {
	return &tracepb.ServerCommand{
		Type:    tracepb.CommandAck,
		EventID: eventID,
	}
}

// errorCommand builds an ERROR response containing the rejection reason.
func errorCommand(eventID string, err error) *tracepb.ServerCommand {
	return &tracepb.ServerCommand{
		Type:    tracepb.CommandError,
		EventID: eventID,
		Message: err.Error(),
	}
}

// Ensure InProcessBroadcaster satisfies the local Broadcaster interface at
// compile time.
var _ Broadcaster = (*websocket.InProcessBroadcaster)(nil)

// Ensure TraceService satisfies the generated-style server interface.
var _ tracepb.TraceServiceServer = (*TraceService)(nil)
