package relay

import (
	"context"
	"sort"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

type adminReq struct {
	fn   func(*Relay)
	done chan struct{}
}

type ClientView struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	GroupID  int    `json:"group_id"`
	LastSeq  uint64 `json:"last_seq"`
	Held     int    `json:"held"`
	QueueLen int    `json:"queue_len"`
}

// State is the admin view of a running relay.
type State struct {
	SessionID string       `json:"session_id"`
	Clients   []ClientView `json:"clients"`
	Entities  int          `json:"entities"`
	Digest    string       `json:"digest"`
}

func (r *Relay) call(ctx context.Context, fn func(*Relay)) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	req := adminReq{fn: fn, done: make(chan struct{})}
	select {
	case r.admin <- req:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestState is safe to call from other goroutines (e.g. admin HTTP handlers).
func (r *Relay) RequestState(ctx context.Context) (State, error) {
	var st State
	err := r.call(ctx, func(r *Relay) {
		st.SessionID = r.sessionID
		st.Entities = r.master.Len()
		st.Digest = r.Digest()
		for _, c := range r.sortedClients() {
			p, h := r.master.HeldBy(c.id)
			st.Clients = append(st.Clients, ClientView{
				ID:       c.id,
				Name:     c.info.Name,
				GroupID:  c.info.GroupID,
				LastSeq:  c.lastSeq,
				Held:     len(p) + len(h),
				QueueLen: len(c.out),
			})
		}
	})
	return st, err
}

// RequestSnapshot returns the snapshot a joining client would receive now,
// with AssignedClientID left at 0, and the digest of the same state.
func (r *Relay) RequestSnapshot(ctx context.Context) (protocol.SnapshotMsg, string, error) {
	var (
		snap   protocol.SnapshotMsg
		digest string
	)
	err := r.call(ctx, func(r *Relay) {
		digest = r.Digest()
		pieces, hands := r.master.Snapshot()
		snap = protocol.SnapshotMsg{
			Type:            protocol.TypeSnapshot,
			ProtocolVersion: protocol.Version,
			SessionID:       r.sessionID,
			FlushIntervalMS: int(r.cfg.FlushInterval.Milliseconds()),
			Clients:         r.roster(),
			Pieces:          pieces,
			Hands:           hands,
		}
	})
	return snap, digest, err
}

// RequestSay broadcasts a chat line from the server (client id 0).
func (r *Relay) RequestSay(ctx context.Context, text string) error {
	return r.call(ctx, func(r *Relay) { r.say(protocol.ServerClientID, text) })
}

// RequestKick boots a client with E_KICKED.
func (r *Relay) RequestKick(ctx context.Context, clientID int, reason string) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	resp := make(chan error, 1)
	select {
	case r.kick <- KickRequest{ClientID: clientID, Reason: reason, Resp: resp}:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type QueueDepths struct {
	Join  int `json:"join"`
	Leave int `json:"leave"`
	Inbox int `json:"inbox"`
	Kick  int `json:"kick"`
}

// Metrics is a read-only view updated by the Run goroutine after every message.
type Metrics struct {
	Clients       int         `json:"clients"`
	Joins         uint64      `json:"joins"`
	Refused       uint64      `json:"refused"`
	Batches       uint64      `json:"batches"`
	StaleBatches  uint64      `json:"stale_batches"`
	RejectedHolds uint64      `json:"rejected_holds"`
	Evicted       uint64      `json:"evicted"`
	Kicked        uint64      `json:"kicked"`
	QueueDepths   QueueDepths `json:"queue_depths"`
	StepMS        float64     `json:"step_ms"`
}

func (r *Relay) Metrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	m, _ := r.metrics.Load().(Metrics)
	return m
}

func (r *Relay) publishMetrics(stepMS float64) {
	r.metrics.Store(Metrics{
		Clients:       len(r.clients),
		Joins:         r.counters.joins,
		Refused:       r.counters.refused,
		Batches:       r.counters.batches,
		StaleBatches:  r.counters.staleBatches,
		RejectedHolds: r.counters.rejected,
		Evicted:       r.counters.evicted,
		Kicked:        r.counters.kicked,
		QueueDepths: QueueDepths{
			Join:  len(r.join),
			Leave: len(r.leave),
			Inbox: len(r.inbox),
			Kick:  len(r.kick),
		},
		StepMS: stepMS,
	})
}

// ClientIDs is a helper for tests and tools running on the loop goroutine.
func (r *Relay) ClientIDs() []int {
	ids := make([]int, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
