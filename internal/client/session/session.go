// Package session drives one client connection through the sync phases.
//
// A session owns exactly one transport. It announces the stored LSN,
// lets the server choose between snapshot and catchup, applies inbound
// chunks through the applier, acknowledges them, and flips the outbound
// queue live once the stream is caught up. When the transport drops or
// a fatal condition is hit, Run returns and the supervisor decides what
// happens next.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/chunk"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Phase is the client-side session phase.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	InitialSync
	Catchup
	Live
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case InitialSync:
		return "initial_sync"
	case Catchup:
		return "catchup"
	case Live:
		return "live"
	default:
		return "disconnected"
	}
}

// Transport is the framed connection the session drives. *wire.Conn
// satisfies it; tests plug in a pipe.
type Transport interface {
	Read() (*wire.Message, error)
	Send(msg *wire.Message) error
	CloseWithCode(code, reason string) error
}

// ErrFatal marks a session ending the supervisor must not blindly
// retry into (applier fatal, missing migration, server-fatal errors).
var ErrFatal = errors.New("fatal session failure")

// ErrProtocol marks a session ended by a protocol violation: the
// connection is closed and the supervisor reconnects on schedule.
var ErrProtocol = errors.New("protocol violation")

// Config holds session tuning.
type Config struct {
	// HeartbeatInterval between outbound heartbeats. Default: 5min
	HeartbeatInterval time.Duration

	// ResetSync forces the server to treat this session as a first
	// sync regardless of the stored LSN.
	ResetSync bool
}

// Session is one connection lifetime.
type Session struct {
	transport Transport
	state     *state.Store
	applier   *applier.Applier
	outbox    *outbox.Outbox
	cfg       Config

	phase   atomic.Int32
	onPhase func(Phase)

	receiver *chunk.Receiver
}

// New builds a session over an open transport. onPhase, when non-nil,
// observes every phase transition.
func New(t Transport, st *state.Store, ap *applier.Applier, ob *outbox.Outbox, cfg Config, onPhase func(Phase)) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = wire.DefaultHeartbeatInterval
	}
	return &Session{
		transport: t,
		state:     st,
		applier:   ap,
		outbox:    ob,
		cfg:       cfg,
		onPhase:   onPhase,
		receiver:  chunk.NewReceiver(),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Send writes one message on the session transport. The outbox drains
// local batches through it while the session is live.
func (s *Session) Send(msg *wire.Message) error {
	return s.transport.Send(msg)
}

func (s *Session) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old == p {
		return
	}
	logger.Info("Session phase changed", "from", old, "to", p,
		"lsn", s.state.AppliedLSN())
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

// Run drives the session until the transport closes or a fatal
// condition occurs. The returned error wraps ErrFatal when reconnecting
// without operator action would hit the same wall.
func (s *Session) Run(ctx context.Context) error {
	defer s.outbox.SetLive(false)
	defer s.setPhase(Disconnected)

	s.setPhase(Connecting)

	// Resuming past the snapshot needs the local schema baseline in
	// place; without it only a fresh initial sync is allowed.
	if !s.cfg.ResetSync && !s.state.AppliedLSN().IsZero() {
		if err := s.applier.DB().RequireMigrations(changelog.BaselineMigration); err != nil {
			_ = s.transport.CloseWithCode("", "schema migration missing")
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}

	// Announce identity and position; the server picks the entry phase.
	last := s.state.AppliedLSN()
	hello := &wire.Message{
		Type:      wire.TypeSync,
		MessageID: wire.NewMessageID(),
		ClientID:  s.state.ClientID(),
		LastLSN:   &last,
	}
	if s.cfg.ResetSync {
		hello.ResetSync = true
	}
	if err := s.transport.Send(hello); err != nil {
		return fmt.Errorf("failed to send sync announcement: %w", err)
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go s.heartbeatLoop(ctx, heartbeatDone)

	// The transport has no read deadline tied to ctx; closing it is what
	// unblocks a pending Read when the session is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.transport.CloseWithCode("", "client shutting down")
		case <-heartbeatDone:
		}
	}()

	for {
		msg, err := s.transport.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var framing *wire.FramingError
			if errors.As(err, &framing) {
				_ = s.transport.CloseWithCode(wire.CodeFraming, framing.Reason)
				return fmt.Errorf("framing violation: %w", err)
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeInitStart:
		s.setPhase(InitialSync)
		logger.Info("Snapshot started", "server_lsn", msg.ServerLSN)
		return nil

	case wire.TypeInitChanges:
		return s.handleSnapshotChunk(ctx, msg)

	case wire.TypeInitComplete:
		return s.handleInitComplete(msg)

	case wire.TypeCatchupChanges, wire.TypeLiveChanges:
		return s.handleChangeChunk(ctx, msg)

	case wire.TypeCatchupCompleted:
		return s.handleCatchupCompleted(msg)

	case wire.TypeLiveStart:
		return s.enterLive(msg.FinalLSN)

	case wire.TypeLSNUpdate:
		if msg.LSN == nil {
			return s.protocolFailure("lsn_update without lsn")
		}
		if err := s.state.AdvanceLSN(*msg.LSN); err != nil {
			return s.protocolFailure(fmt.Sprintf("regressing lsn_update: %v", err))
		}
		return nil

	case wire.TypeChangesReceived:
		s.outbox.HandleReceived(msg)
		return nil

	case wire.TypeChangesApplied:
		if err := s.outbox.HandleApplied(msg); err != nil {
			return fmt.Errorf("failed to settle applied changes: %w", err)
		}
		return nil

	case wire.TypeHeartbeat:
		// Inbound heartbeat already refreshed the read deadline.
		return nil

	case wire.TypeError:
		return s.handleServerError(msg)

	default:
		// Unknown critical type survives decode only if listed there;
		// being here means the vocabulary and the codec disagree.
		return s.protocolFailure(fmt.Sprintf("unhandled message type %q", msg.Type))
	}
}

// handleSnapshotChunk applies one init_changes chunk. Snapshot rows do
// not move the LSN; the position is set once by init_complete.
func (s *Session) handleSnapshotChunk(ctx context.Context, msg *wire.Message) error {
	if s.Phase() != InitialSync {
		return s.protocolFailure("init_changes outside initial_sync")
	}

	disp, err := s.receiver.Observe(msg)
	if err != nil {
		return s.protocolFailure(err.Error())
	}
	if disp == chunk.Accept {
		res := s.applier.ApplyChunk(ctx, msg.Changes, s.state.AppliedLSN())
		if res.Outcome != applier.Ok {
			return s.applierFailure(res)
		}
	}

	return s.ack(&wire.Message{
		Type:      wire.TypeInitReceived,
		InReplyTo: msg.MessageID,
		Chunk:     msg.Sequence.Chunk,
	})
}

func (s *Session) handleInitComplete(msg *wire.Message) error {
	if s.Phase() != InitialSync {
		return s.protocolFailure("init_complete outside initial_sync")
	}

	if msg.ServerLSN == nil {
		return s.protocolFailure("init_complete without serverLSN")
	}
	serverLSN := *msg.ServerLSN
	if err := s.state.AdvanceLSN(serverLSN); err != nil {
		return s.protocolFailure(fmt.Sprintf("init_complete regresses LSN: %v", err))
	}

	if err := s.ack(&wire.Message{
		Type:      wire.TypeInitProcessed,
		InReplyTo: msg.MessageID,
	}); err != nil {
		return err
	}

	s.setPhase(Catchup)
	logger.Info("Snapshot complete", "lsn", serverLSN)
	return nil
}

// handleChangeChunk applies one catchup_changes or live_changes chunk.
// ACK and LSN advance are one step: the ACK goes out only after the
// chunk committed and the state advanced.
func (s *Session) handleChangeChunk(ctx context.Context, msg *wire.Message) error {
	switch s.Phase() {
	case Catchup, Live:
	case Connecting:
		// Resuming client with a non-zero LSN: the server skips
		// init_start and streams catchup directly.
		s.setPhase(Catchup)
	default:
		return s.protocolFailure(fmt.Sprintf("%s outside catchup/live", msg.Type))
	}

	disp, err := s.receiver.Observe(msg)
	if err != nil {
		return s.protocolFailure(err.Error())
	}

	if disp == chunk.Accept {
		if msg.LastLSN == nil {
			return s.protocolFailure(msg.Type + " without lastLSN")
		}
		res := s.applier.ApplyChunk(ctx, msg.Changes, *msg.LastLSN)
		if res.Outcome != applier.Ok {
			return s.applierFailure(res)
		}
	}

	// Duplicates are re-ACKed silently after being discarded.
	current := s.state.AppliedLSN()
	return s.ack(&wire.Message{
		Type:      wire.TypeCatchupReceived,
		InReplyTo: msg.MessageID,
		Chunk:     msg.Sequence.Chunk,
		LSN:       &current,
	})
}

func (s *Session) handleCatchupCompleted(msg *wire.Message) error {
	switch s.Phase() {
	case Catchup:
	case Connecting:
		// Nothing to catch up on; the completion is the whole stream.
		s.setPhase(Catchup)
	default:
		return s.protocolFailure("catchup_completed outside catchup")
	}

	if msg.Success != nil && !*msg.Success {
		// The server aborts the stream; the next connection restarts
		// catchup from the stored position.
		return fmt.Errorf("server reported catchup failure: %s", msg.Text)
	}
	return s.enterLive(msg.FinalLSN)
}

func (s *Session) enterLive(final *lsn.LSN) error {
	if final != nil {
		if err := s.state.AdvanceLSN(*final); err != nil {
			return s.protocolFailure(fmt.Sprintf("live transition regresses LSN: %v", err))
		}
	}
	s.setPhase(Live)
	s.outbox.SetLive(true)
	return nil
}

func (s *Session) handleServerError(msg *wire.Message) error {
	logger.Error("Server reported error", "code", msg.Code, "message", msg.Text)
	switch msg.Code {
	case wire.CodeAuth, wire.CodeUnknownClient, wire.CodeApplierFatal:
		return fmt.Errorf("%w: server error %s: %s", ErrFatal, msg.Code, msg.Text)
	}
	// Non-fatal server errors: the server keeps the session open.
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := s.state.AppliedLSN()
		err := s.transport.Send(&wire.Message{
			Type:      wire.TypeHeartbeat,
			MessageID: wire.NewMessageID(),
			LSN:       &current,
			Active:    s.Phase() == Live,
		})
		if err != nil {
			// The read loop observes the same broken transport and
			// ends the session; nothing more to do here.
			return
		}
	}
}

func (s *Session) ack(msg *wire.Message) error {
	msg.MessageID = wire.NewMessageID()
	if err := s.transport.Send(msg); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", msg.InReplyTo, err)
	}
	return nil
}

func (s *Session) protocolFailure(reason string) error {
	_ = s.transport.CloseWithCode(wire.CodeProtocol, reason)
	return fmt.Errorf("%w: %s", ErrProtocol, reason)
}

func (s *Session) applierFailure(res applier.Result) error {
	reason := "apply failed"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	_ = s.transport.CloseWithCode(wire.CodeApplierFatal, reason)
	return fmt.Errorf("%w: applier: %s (table=%s key=%s)",
		ErrFatal, reason, res.FailedTable, res.FailedKey)
}
