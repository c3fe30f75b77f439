package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

const DefaultFlushInterval = 250 * time.Millisecond

var (
	ErrNotDisconnected = errors.New("engine: already connected")
	ErrClosed          = errors.New("engine: connection closed")
	ErrNotSyncing      = errors.New("engine: not syncing")
	ErrUnknownEntity   = errors.New("engine: unknown entity")
	ErrHeld            = errors.New("engine: held")
)

// State is the connection state machine: Disconnected -> Connecting -> Syncing.
type State int32

const (
	Disconnected State = iota
	Connecting
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sender delivers one outbound message to the relay.
type Sender interface {
	Send(v any) error
}

type Config struct {
	Name    string
	GroupID int

	// FlushInterval overrides the interval advertised by the relay when non-zero.
	FlushInterval time.Duration
	// QueueSize bounds the inbound message channel.
	QueueSize int
	// HoldBlock keeps a just-released entity from being grabbed again locally.
	HoldBlock time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Stats counts merge outcomes. Read it through Do.
type Stats struct {
	BatchesSent     uint64
	BatchesReceived uint64
	Applied         uint64
	Suppressed      uint64
	Stale           uint64
	Unknown         uint64
	Dropped         uint64 // traffic ignored while not syncing
}

type inboundKind uint8

const (
	inSnapshot inboundKind = iota + 1
	inBatch
	inRoster
	inDisconnect
	inChat
)

// inboundMsg is one relay message in arrival order. Only the field matching
// kind is set.
type inboundMsg struct {
	kind     inboundKind
	snapshot protocol.SnapshotMsg
	batch    protocol.Batch
	roster   map[int]protocol.ClientInfo
	clientID int
	chat     protocol.ChatMsg
}

type call struct {
	fn   func(*Engine)
	done chan struct{}
}

// Engine is the client-side synchronization context. It owns the entity
// registry, hold and select sets, and both queues. All fields are accessed
// only from the Run goroutine (or directly by a test that does not call Run).
type Engine struct {
	cfg Config
	log zerolog.Logger
	reg *entity.Registry

	state     atomic.Int32
	self      int
	sessionID string
	roster    map[int]protocol.ClientInfo
	sender    Sender

	held     map[int]map[entity.Ref]struct{}
	selected map[int]map[entity.Ref]struct{}
	// holdEcho is the highest seq of our own ih value the relay has echoed back.
	holdEcho map[entity.Ref]uint64

	out *outbound
	in  *inbound
	seq uint64

	inbox   chan inboundMsg
	closing chan Notice
	calls   chan call
	notices chan Notice
	done    chan struct{}

	flushEvery time.Duration
	stats      Stats
}

func New(cfg Config, reg *entity.Registry) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if reg == nil {
		reg = entity.NewRegistry()
	}
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "engine").Logger(),
		reg:        reg,
		roster:     map[int]protocol.ClientInfo{},
		held:       map[int]map[entity.Ref]struct{}{},
		selected:   map[int]map[entity.Ref]struct{}{},
		holdEcho:   map[entity.Ref]uint64{},
		out:        newOutbound(),
		in:         newInbound(),
		inbox:      make(chan inboundMsg, cfg.QueueSize),
		closing:    make(chan Notice, 1),
		calls:      make(chan call),
		notices:    make(chan Notice, cfg.QueueSize),
		done:       make(chan struct{}),
		flushEvery: cfg.FlushInterval,
	}
	if e.flushEvery <= 0 {
		e.flushEvery = DefaultFlushInterval
	}
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

// Self is the relay-assigned client id (0 before the snapshot).
func (e *Engine) Self() int                  { return e.self }
func (e *Engine) SessionID() string          { return e.sessionID }
func (e *Engine) Registry() *entity.Registry { return e.reg }
func (e *Engine) Seq() uint64                { return e.seq }
func (e *Engine) Stats() Stats               { return e.stats }

func (e *Engine) Roster() map[int]protocol.ClientInfo { return protocol.CloneRoster(e.roster) }

// Notices delivers chat lines, roster changes and the terminal close notice.
// It is closed when Run returns.
func (e *Engine) Notices() <-chan Notice { return e.notices }

func (e *Engine) syncing() bool { return e.State() == Syncing }

// Connect announces this client to the relay and waits for the snapshot.
// It must run on the engine goroutine (see Do) or before Run starts.
func (e *Engine) Connect(s Sender) error {
	if e.State() != Disconnected || e.sender != nil {
		return ErrNotDisconnected
	}
	e.sender = s
	e.state.Store(int32(Connecting))
	err := s.Send(protocol.JoinMsg{
		Type:            protocol.TypeJoin,
		ProtocolVersion: protocol.Version,
		DisplayName:     e.cfg.Name,
		GroupID:         e.cfg.GroupID,
	})
	if err != nil {
		e.state.Store(int32(Disconnected))
		return fmt.Errorf("send join: %w", err)
	}
	return nil
}

// Deliver* hand inbound traffic to the engine goroutine. All of them share
// one channel so Run sees messages in the order the relay sent them. They
// block while the channel is full, which pushes back on the transport reader.

func (e *Engine) DeliverSnapshot(ctx context.Context, m protocol.SnapshotMsg) error {
	return e.deliver(ctx, inboundMsg{kind: inSnapshot, snapshot: m})
}

func (e *Engine) DeliverBatch(ctx context.Context, b protocol.Batch) error {
	return e.deliver(ctx, inboundMsg{kind: inBatch, batch: b})
}

func (e *Engine) DeliverRoster(ctx context.Context, clients map[int]protocol.ClientInfo) error {
	return e.deliver(ctx, inboundMsg{kind: inRoster, roster: clients})
}

func (e *Engine) DeliverDisconnect(ctx context.Context, clientID int) error {
	return e.deliver(ctx, inboundMsg{kind: inDisconnect, clientID: clientID})
}

func (e *Engine) DeliverChat(ctx context.Context, m protocol.ChatMsg) error {
	return e.deliver(ctx, inboundMsg{kind: inChat, chat: m})
}

// DeliverClosed reports the end of the connection. code is a protocol error
// code when the relay booted us, empty for a plain connection loss.
func (e *Engine) DeliverClosed(code, reason string) {
	n := Notice{Kind: NoticeClosed, Code: code, Text: reason}
	if code != "" {
		n.Kind = NoticeBooted
	}
	select {
	case e.closing <- n:
	default:
	}
}

func (e *Engine) deliver(ctx context.Context, m inboundMsg) error {
	select {
	case e.inbox <- m:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func(*Engine)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case e.calls <- c:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the engine state until ctx is cancelled or the connection closes.
// Inbound traffic is appended as it arrives; Flush runs on the ticker.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.notices)
	defer close(e.done)

	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()
	cur := e.flushEvery

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-e.inbox:
			e.dispatch(m)
			if e.flushEvery != cur {
				cur = e.flushEvery
				ticker.Reset(cur)
			}
		case n := <-e.closing:
			e.handleClosed(n)
			return ErrClosed
		case c := <-e.calls:
			c.fn(e)
			close(c.done)
		case <-ticker.C:
			e.Flush()
		}
	}
}

// Flush is one tick: merge everything received since the last tick, then send
// the coalesced local changes as a single batch.
func (e *Engine) Flush() {
	if !e.syncing() {
		return
	}
	e.mergeInbound()
	e.in.reset()

	if e.out.empty() {
		return
	}
	b := e.out.batch()
	b.Seq = e.seq + 1
	err := e.sender.Send(protocol.BatchMsg{
		Type:            protocol.TypeBatch,
		ProtocolVersion: protocol.Version,
		Batch:           b,
	})
	if err != nil {
		// Pending changes stay queued for the next flush.
		e.log.Warn().Err(err).Uint64("seq", b.Seq).Msg("send batch")
		return
	}
	e.seq = b.Seq
	e.out.clear()
	e.stats.BatchesSent++
	e.log.Debug().Uint64("seq", e.seq).Int("pieces", len(b.Pieces)).Int("hands", len(b.Hands)).Msg("flush")
}

func (e *Engine) dispatch(m inboundMsg) {
	switch m.kind {
	case inSnapshot:
		e.handleSnapshot(m.snapshot)
	case inBatch:
		e.handleBatch(m.batch)
	case inRoster:
		e.handleRoster(m.roster)
	case inDisconnect:
		e.handleDisconnect(m.clientID)
	case inChat:
		e.handleChat(m.chat)
	}
}

func (e *Engine) handleBatch(b protocol.Batch) {
	if !e.syncing() {
		e.stats.Dropped++
		return
	}
	e.stats.BatchesReceived++
	e.in.add(b)
}

func (e *Engine) handleChat(m protocol.ChatMsg) {
	if !e.syncing() {
		e.stats.Dropped++
		return
	}
	e.notify(Notice{Kind: NoticeChat, From: m.From, Text: m.Text})
}

func (e *Engine) handleClosed(n Notice) {
	prev := e.State()
	e.state.Store(int32(Disconnected))
	e.log.Info().Str("code", n.Code).Str("reason", n.Text).Str("prev", prev.String()).Msg("connection closed")
	e.notify(n)
}

func (e *Engine) lookup(ref entity.Ref) (*entity.Entity, bool) { return e.reg.Lookup(ref) }

func (e *Engine) connected(clientID int) bool {
	_, ok := e.roster[clientID]
	return ok
}
