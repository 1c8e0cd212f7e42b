// Package session drives one server-side client connection.
//
// The driver decides between snapshot and catchup from the announced
// LSN, streams history in acknowledged chunks, fans live changes out
// from the hub, and folds inbound client batches into the store. Chunk
// acknowledgements are tracked with a hard timeout: a client that stops
// ACKing is cut off so it reconnects and resumes from its last
// acknowledged position.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/internal/telemetry"
	"github.com/driftsync/driftsync/internal/server/wal"
	"github.com/driftsync/driftsync/pkg/chunk"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Transport is the framed connection; *wire.Conn satisfies it.
type Transport interface {
	Read() (*wire.Message, error)
	Send(msg *wire.Message) error
	CloseWithCode(code, reason string) error
}

// Config holds per-session tuning.
type Config struct {
	// ChunkSize bounds changes per chunk. Default: 100
	ChunkSize int

	// AckTimeout is the per-chunk acknowledgement deadline. Default: 30s
	AckTimeout time.Duration

	// HandshakeTimeout bounds the wait for the sync announcement.
	// Default: 30s
	HandshakeTimeout time.Duration

	// Metrics collects session observability. Nil disables collection.
	Metrics metrics.SyncMetrics
}

// Session serves one connected client.
type Session struct {
	transport Transport
	store     *store.Store
	hub       *wal.Hub
	cfg       Config

	// clientID is fixed at upgrade time; the sync announcement must
	// agree with it.
	clientID string

	tracker *chunk.Tracker

	readCh chan *wire.Message
	readErr error
}

// New builds a session for an authenticated client connection.
func New(t Transport, st *store.Store, hub *wal.Hub, clientID string, cfg Config) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = chunk.DefaultAckTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Session{
		transport: t,
		store:     st,
		hub:       hub,
		cfg:       cfg,
		clientID:  clientID,
		tracker:   chunk.NewTracker(cfg.AckTimeout),
		readCh:    make(chan *wire.Message, 16),
	}
}

// Run serves the connection until it drops or a protocol violation
// ends it.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionStarted()
		defer s.cfg.Metrics.SessionEnded()
	}

	go s.readLoop()

	hello, err := s.awaitHello(ctx)
	if err != nil {
		return err
	}

	client, err := s.store.LookupClient(s.clientID)
	if err != nil {
		if errors.Is(err, store.ErrUnknownClient) {
			return s.fail(wire.CodeUnknownClient,
				fmt.Sprintf("client %s has not been initialised", s.clientID))
		}
		return err
	}
	_ = client

	announced := lsn.Zero
	if hello.LastLSN != nil {
		announced = *hello.LastLSN
	}
	if hello.ResetSync {
		announced = lsn.Zero
	}

	logger.Info("Client session started",
		"client_id", s.clientID, "last_lsn", announced, "reset", hello.ResetSync)

	// Subscribe before reading history so nothing committed in between
	// is missed; duplicates are handled by the client's idempotence.
	sub := s.hub.Subscribe(s.clientID, 256)
	defer sub.Close()

	position := announced
	if announced.IsZero() {
		position, err = s.initialSync(ctx)
		if err != nil {
			return err
		}
	}

	position, err = s.catchup(ctx, position)
	if err != nil {
		return err
	}

	return s.live(ctx, sub, position)
}

func (s *Session) readLoop() {
	for {
		msg, err := s.transport.Read()
		if err != nil {
			s.readErr = err
			close(s.readCh)
			return
		}
		s.readCh <- msg
	}
}

func (s *Session) awaitHello(ctx context.Context) (*wire.Message, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, s.fail(wire.CodeProtocol, "no sync announcement before deadline")
		case msg, ok := <-s.readCh:
			if !ok {
				return nil, fmt.Errorf("connection lost before announcement: %w", s.readErr)
			}
			switch msg.Type {
			case wire.TypeSync:
				if msg.ClientID != s.clientID {
					return nil, s.fail(wire.CodeProtocol, fmt.Sprintf(
						"announced client %q does not match connection %q", msg.ClientID, s.clientID))
				}
				return msg, nil
			case wire.TypeHeartbeat:
				continue
			default:
				return nil, s.fail(wire.CodeProtocol,
					fmt.Sprintf("expected sync announcement, got %s", msg.Type))
			}
		}
	}
}

// initialSync streams a full snapshot table by table and returns the
// LSN the snapshot represents.
func (s *Session) initialSync(ctx context.Context) (lsn.LSN, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSnapshot, s.clientID)
	defer span.End()

	serverLSN, err := s.store.CurrentLSN()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return lsn.Zero, err
	}
	telemetry.SetAttributes(ctx, telemetry.LSN(serverLSN.String()))

	if err := s.transport.Send(&wire.Message{
		Type:      wire.TypeInitStart,
		MessageID: wire.NewMessageID(),
		ServerLSN: &serverLSN,
	}); err != nil {
		return lsn.Zero, err
	}

	for _, table := range s.store.Registry().Names() {
		rows, err := s.store.SnapshotTable(table)
		if err != nil {
			return lsn.Zero, err
		}
		if len(rows) == 0 {
			continue
		}

		msgs := chunk.Split(wire.TypeInitChanges, rows, s.cfg.ChunkSize)
		for _, msg := range msgs {
			msg.Table = table
			if err := s.sendTracked(ctx, msg, wire.TypeInitReceived); err != nil {
				return lsn.Zero, err
			}
		}
		logger.Debug("Snapshot table streamed",
			"client_id", s.clientID, "table", table, "rows", len(rows))
	}

	complete := &wire.Message{
		Type:      wire.TypeInitComplete,
		MessageID: wire.NewMessageID(),
		ServerLSN: &serverLSN,
	}
	if err := s.transport.Send(complete); err != nil {
		return lsn.Zero, err
	}

	// The client confirms it committed the snapshot position.
	if err := s.awaitType(ctx, wire.TypeInitProcessed); err != nil {
		return lsn.Zero, err
	}

	logger.Info("Snapshot complete", "client_id", s.clientID, "lsn", serverLSN)
	return serverLSN, nil
}

// catchup replays history beyond position and returns the final LSN.
func (s *Session) catchup(ctx context.Context, position lsn.LSN) (lsn.LSN, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanCatchup, s.clientID,
		telemetry.FromLSN(position.String()))
	defer span.End()

	changes, err := s.store.ChangesAfter(position, "", 0)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return lsn.Zero, err
	}
	telemetry.SetAttributes(ctx, telemetry.ChangeCount(len(changes)))

	final := position
	if len(changes) == 0 {
		// Nothing missed; go straight to live.
		if err := s.transport.Send(&wire.Message{
			Type:      wire.TypeLiveStart,
			MessageID: wire.NewMessageID(),
			FinalLSN:  &final,
		}); err != nil {
			return lsn.Zero, err
		}
		return final, nil
	}

	for _, c := range changes {
		if c.LSN != nil {
			final = lsn.Max(final, *c.LSN)
		}
	}

	msgs := chunk.Split(wire.TypeCatchupChanges, changes, s.cfg.ChunkSize)
	for _, msg := range msgs {
		if err := s.sendTracked(ctx, msg, wire.TypeCatchupReceived); err != nil {
			return lsn.Zero, err
		}
	}

	if err := s.transport.Send(&wire.Message{
		Type:        wire.TypeCatchupCompleted,
		MessageID:   wire.NewMessageID(),
		FinalLSN:    &final,
		ChangeCount: len(changes),
		Success:     wire.Bool(true),
	}); err != nil {
		return lsn.Zero, err
	}

	telemetry.SetAttributes(ctx, telemetry.ToLSN(final.String()))
	logger.Info("Catchup complete",
		"client_id", s.clientID, "from", position, "to", final, "changes", len(changes))
	return final, nil
}

// live fans out committed changes and folds inbound batches until the
// connection ends.
func (s *Session) live(ctx context.Context, sub *wal.Subscription, position lsn.LSN) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.transport.CloseWithCode("", "server shutting down")
			return ctx.Err()

		case <-ticker.C:
			if expired, desc := s.tracker.Expired(time.Now()); expired {
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.AckTimeout()
				}
				return s.fail(wire.CodeProtocol, "chunk not acknowledged: "+desc)
			}

		case <-sub.Lagged:
			// Too far behind the hub: resume from history.
			var err error
			position, err = s.catchup(ctx, s.ackedOr(position))
			if err != nil {
				return err
			}

		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Origin == s.clientID {
				position = lsn.Max(position, ev.Mark)
				continue
			}
			msgs := chunk.Split(wire.TypeLiveChanges, ev.Changes, s.cfg.ChunkSize)
			for _, msg := range msgs {
				s.tracker.Track(msg.MessageID, msg.Sequence.Chunk, msg.Sequence.Total, len(msg.Changes))
				if err := s.transport.Send(msg); err != nil {
					return err
				}
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.ChunkSent(msg.Type)
				}
			}
			position = lsn.Max(position, ev.Mark)

		case msg, ok := <-s.readCh:
			if !ok {
				return fmt.Errorf("connection lost: %w", s.readErr)
			}
			if err := s.dispatch(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) dispatch(msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeCatchupReceived, wire.TypeInitReceived:
		return s.handleAck(msg)

	case wire.TypeSendChanges:
		return s.handleSendChanges(msg)

	case wire.TypeHeartbeat:
		if msg.LSN != nil {
			if err := s.store.TouchClient(s.clientID, *msg.LSN); err != nil {
				logger.Warn("Failed to record heartbeat", "client_id", s.clientID, "error", err)
			}
		}
		return nil

	case wire.TypeDisconnect:
		logger.Info("Client disconnecting", "client_id", s.clientID, "reason", msg.Reason)
		return nil

	default:
		return s.fail(wire.CodeProtocol, fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func (s *Session) handleAck(msg *wire.Message) error {
	ackLSN := s.tracker.AckedLSN()
	if msg.LSN != nil {
		ackLSN = *msg.LSN
	}
	if err := s.tracker.Ack(msg.InReplyTo, msg.Chunk, ackLSN); err != nil {
		return s.fail(wire.CodeProtocol, err.Error())
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChunkAcked(msg.Type)
	}
	if msg.LSN != nil {
		if err := s.store.TouchClient(s.clientID, *msg.LSN); err != nil {
			logger.Warn("Failed to record ack position", "client_id", s.clientID, "error", err)
		}
	}
	return nil
}

// handleSendChanges folds a client batch into the store and reports
// per-change results. The committed changes are published for fan-out
// to the other live sessions.
func (s *Session) handleSendChanges(msg *wire.Message) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BatchReceived(len(msg.Changes))
	}
	if err := s.transport.Send(&wire.Message{
		Type:      wire.TypeChangesReceived,
		MessageID: wire.NewMessageID(),
		InReplyTo: msg.MessageID,
	}); err != nil {
		return err
	}

	results, mark, err := s.store.AppendChanges(s.clientID, msg.Changes)
	if err != nil {
		// The batch did not commit at all; the client will resend.
		logger.Error("Failed to apply client batch",
			"client_id", s.clientID, "error", err)
		return s.transport.Send(&wire.Message{
			Type:      wire.TypeError,
			MessageID: wire.NewMessageID(),
			InReplyTo: msg.MessageID,
			Code:      wire.CodeInternal,
			Text:      "failed to apply changes",
		})
	}

	applied := make([]wire.Change, 0, len(msg.Changes))
	for i, res := range results {
		if res.Success && res.LSN != nil {
			c := msg.Changes[i]
			c.LSN = res.LSN
			applied = append(applied, c)
		}
	}
	if len(applied) > 0 {
		s.hub.Publish(wal.Event{Origin: s.clientID, Changes: applied, Mark: mark})
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChangesApplied(len(applied))
		s.cfg.Metrics.ChangesRejected(len(results) - len(applied))
	}

	return s.transport.Send(&wire.Message{
		Type:      wire.TypeChangesApplied,
		MessageID: wire.NewMessageID(),
		InReplyTo: msg.MessageID,
		Applied:   results,
	})
}

// sendTracked sends one chunk and blocks until its acknowledgement,
// enforcing the ACK deadline. ackType names the expected reply.
func (s *Session) sendTracked(ctx context.Context, msg *wire.Message, ackType string) error {
	s.tracker.Track(msg.MessageID, msg.Sequence.Chunk, msg.Sequence.Total, len(msg.Changes))
	if err := s.transport.Send(msg); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChunkSent(msg.Type)
	}

	deadline := time.NewTimer(s.cfg.AckTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AckTimeout()
			}
			return s.fail(wire.CodeProtocol, fmt.Sprintf(
				"chunk %d of %s not acknowledged within %s",
				msg.Sequence.Chunk, msg.MessageID, s.cfg.AckTimeout))
		case reply, ok := <-s.readCh:
			if !ok {
				return fmt.Errorf("connection lost awaiting ack: %w", s.readErr)
			}
			if reply.Type == ackType && reply.InReplyTo == msg.MessageID {
				if err := s.handleAck(reply); err != nil {
					return err
				}
				return nil
			}
			if err := s.dispatch(reply); err != nil {
				return err
			}
		}
	}
}

func (s *Session) awaitType(ctx context.Context, wantType string) error {
	deadline := time.NewTimer(s.cfg.AckTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return s.fail(wire.CodeProtocol, "no "+wantType+" before deadline")
		case msg, ok := <-s.readCh:
			if !ok {
				return fmt.Errorf("connection lost awaiting %s: %w", wantType, s.readErr)
			}
			if msg.Type == wantType {
				return nil
			}
			if err := s.dispatch(msg); err != nil {
				return err
			}
		}
	}
}

// ackedOr returns the tracker's acknowledged LSN, falling back when no
// chunk has been acknowledged yet.
func (s *Session) ackedOr(fallback lsn.LSN) lsn.LSN {
	acked := s.tracker.AckedLSN()
	if acked.IsZero() {
		return fallback
	}
	return acked
}

func (s *Session) fail(code, reason string) error {
	_ = s.transport.CloseWithCode(code, reason)
	return fmt.Errorf("session failed (%s): %s", code, reason)
}
