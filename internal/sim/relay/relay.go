package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

var (
	ErrRelayFull = errors.New("relay: full")
	ErrBadJoin   = errors.New("relay: bad join")
	ErrNotFound  = errors.New("relay: no such client")
	ErrStopped   = errors.New("relay: stopped")
)

type Config struct {
	// SessionID is reported in every snapshot; a random one is used when empty.
	SessionID     string
	FlushInterval time.Duration
	MaxClients    int
	// Groups is the number of configured groups; group ids must be below it.
	// Zero allows any non-negative id.
	Groups    int
	InboxSize int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type JoinRequest struct {
	Name    string
	GroupID int
	// Out receives encoded messages for this client. The relay closes it when
	// the client is removed.
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	ClientID int
	Snapshot protocol.SnapshotMsg
	// Code and Err are set when the join was refused.
	Code string
	Err  error
}

// Envelope carries one decoded client message. Msg is a protocol.Batch,
// protocol.RosterMsg or protocol.ChatMsg.
type Envelope struct {
	ClientID int
	Msg      any
}

type KickRequest struct {
	ClientID int
	Code     string
	Reason   string
	Resp     chan error
}

type client struct {
	id      int
	info    protocol.ClientInfo
	out     chan []byte
	lastSeq uint64
}

// Relay fans client batches out to every client. All state is owned by the
// Run goroutine; the order in which it handles messages is the canonical
// processing order every client converges on.
type Relay struct {
	cfg       Config
	log       zerolog.Logger
	sessionID string

	master    *Master
	clients   map[int]*client
	nextID    int
	serverSeq uint64

	join  chan JoinRequest
	leave chan int
	inbox chan Envelope
	kick  chan KickRequest
	admin chan adminReq
	done  chan struct{}

	evict []eviction

	traffic    TrafficLogger
	trafficSeq uint64

	counters counters
	metrics  atomic.Value
}

type eviction struct {
	id   int
	code string
}

type counters struct {
	batches      uint64
	staleBatches uint64
	rejected     uint64
	evicted      uint64
	kicked       uint64
	joins        uint64
	refused      uint64
}

func New(cfg Config) *Relay {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 64
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sid := cfg.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	r := &Relay{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "relay").Str("session_id", sid).Logger(),
		sessionID: sid,
		master:    NewMaster(),
		clients:   map[int]*client{},
		nextID:    1,
		join:      make(chan JoinRequest, 64),
		leave:     make(chan int, 64),
		inbox:     make(chan Envelope, cfg.InboxSize),
		kick:      make(chan KickRequest, 16),
		admin:     make(chan adminReq, 16),
		done:      make(chan struct{}),
	}
	r.publishMetrics(0)
	return r
}

func (r *Relay) SessionID() string                { return r.sessionID }
func (r *Relay) SetTrafficLogger(l TrafficLogger) { r.traffic = l }

func (r *Relay) Join() chan<- JoinRequest { return r.join }
func (r *Relay) Leave() chan<- int        { return r.leave }
func (r *Relay) Inbox() chan<- Envelope   { return r.inbox }
func (r *Relay) Kick() chan<- KickRequest { return r.kick }

// Done is closed when Run returns.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Run processes messages one at a time, in arrival order, until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.closeAll()
	for {
		var start time.Time
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.join:
			start = time.Now()
			r.handleJoin(req)
		case id := <-r.leave:
			start = time.Now()
			r.removeClient(id, "")
		case env := <-r.inbox:
			start = time.Now()
			r.handleEnvelope(env)
		case req := <-r.kick:
			start = time.Now()
			err := r.handleKick(req)
			if req.Resp != nil {
				req.Resp <- err
			}
		case req := <-r.admin:
			start = time.Now()
			req.fn(r)
			close(req.done)
		}
		r.drainEvictions()
		r.publishMetrics(float64(time.Since(start).Microseconds()) / 1000)
	}
}

func (r *Relay) handleEnvelope(env Envelope) {
	c := r.clients[env.ClientID]
	if c == nil {
		return
	}
	switch m := env.Msg.(type) {
	case protocol.Batch:
		r.handleBatch(c, m)
	case protocol.RosterMsg:
		r.handleRoster(c, m)
	case protocol.ChatMsg:
		r.handleChat(c, m)
	default:
		r.log.Warn().Int("client_id", c.id).Msgf("unexpected message %T", env.Msg)
	}
}

func (r *Relay) validGroup(g int) bool {
	return g >= 0 && (r.cfg.Groups <= 0 || g < r.cfg.Groups)
}

func (r *Relay) connected(id int) bool {
	_, ok := r.clients[id]
	return ok
}

// Roster returns the current client list.
func (r *Relay) roster() map[int]protocol.ClientInfo {
	out := make(map[int]protocol.ClientInfo, len(r.clients))
	for id, c := range r.clients {
		out[id] = c.info
	}
	return out
}

func (r *Relay) sortedClients() []*client {
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// broadcast encodes v once and queues it for every client. Clients whose
// queue is full are evicted after the current message.
func (r *Relay) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Msgf("encode %T", v)
		return
	}
	for _, c := range r.sortedClients() {
		r.sendBytes(c, b)
	}
}

func (r *Relay) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Msgf("encode %T", v)
		return
	}
	r.sendBytes(c, b)
}

func (r *Relay) sendBytes(c *client, b []byte) {
	if c.out == nil {
		return
	}
	select {
	case c.out <- b:
	default:
		r.evict = append(r.evict, eviction{id: c.id, code: protocol.ErrSlowConsumer})
	}
}

func (r *Relay) drainEvictions() {
	for len(r.evict) > 0 {
		ev := r.evict[0]
		r.evict = r.evict[1:]
		if r.connected(ev.id) {
			r.counters.evicted++
			r.log.Warn().Int("client_id", ev.id).Str("code", ev.code).Msg("evicting slow consumer")
			r.removeClient(ev.id, ev.code)
		}
	}
}

func (r *Relay) closeAll() {
	for id, c := range r.clients {
		if c.out != nil {
			close(c.out)
		}
		delete(r.clients, id)
	}
}
