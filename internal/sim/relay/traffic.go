package relay

import (
	"fmt"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

type TrafficKind string

const (
	TrafficJoin   TrafficKind = "join"
	TrafficLeave  TrafficKind = "leave"
	TrafficBatch  TrafficKind = "batch"
	TrafficRoster TrafficKind = "roster"
)

// TrafficEntry records one state-changing message in relay processing order,
// with the master digest after it was applied.
type TrafficEntry struct {
	Seq       uint64      `json:"seq"`
	Time      time.Time   `json:"time"`
	SessionID string      `json:"session_id"`
	Kind      TrafficKind `json:"kind"`
	ClientID  int         `json:"client_id"`

	Name    string                      `json:"name,omitempty"`
	GroupID int                         `json:"group_id,omitempty"`
	Code    string                      `json:"code,omitempty"`
	Batch   *protocol.Batch             `json:"batch,omitempty"`
	Roster  map[int]protocol.ClientInfo `json:"roster,omitempty"`

	Digest string `json:"digest"`
}

type TrafficLogger interface {
	WriteTraffic(entry TrafficEntry) error
}

func (r *Relay) record(e TrafficEntry) {
	if r.traffic == nil {
		return
	}
	r.trafficSeq++
	e.Seq = r.trafficSeq
	e.Time = r.cfg.Now().UTC()
	e.SessionID = r.sessionID
	e.Digest = r.master.Digest(r.roster())
	if err := r.traffic.WriteTraffic(e); err != nil {
		r.log.Warn().Err(err).Uint64("seq", e.Seq).Msg("traffic log write")
	}
}

// Replay applies a recorded entry without any connected clients and returns
// the resulting digest. It must not be used on a relay whose Run loop is
// active.
func (r *Relay) Replay(e TrafficEntry) (string, error) {
	switch e.Kind {
	case TrafficJoin:
		if r.connected(e.ClientID) {
			return "", fmt.Errorf("replay %d: client %d already joined", e.Seq, e.ClientID)
		}
		r.clients[e.ClientID] = &client{id: e.ClientID, info: protocol.ClientInfo{Name: e.Name, GroupID: e.GroupID}}
		if e.ClientID >= r.nextID {
			r.nextID = e.ClientID + 1
		}
	case TrafficLeave:
		if !r.connected(e.ClientID) {
			return "", fmt.Errorf("replay %d: client %d not joined", e.Seq, e.ClientID)
		}
		r.removeClient(e.ClientID, e.Code)
	case TrafficBatch:
		c := r.clients[e.ClientID]
		if c == nil || e.Batch == nil {
			return "", fmt.Errorf("replay %d: batch from unknown client %d", e.Seq, e.ClientID)
		}
		r.handleBatch(c, *e.Batch)
	case TrafficRoster:
		c := r.clients[e.ClientID]
		if c == nil {
			return "", fmt.Errorf("replay %d: roster from unknown client %d", e.Seq, e.ClientID)
		}
		r.handleRoster(c, protocol.RosterMsg{Clients: e.Roster})
	default:
		return "", fmt.Errorf("replay %d: unknown kind %q", e.Seq, e.Kind)
	}
	return r.Digest(), nil
}

// Digest hashes the master state and roster. Only safe on the Run goroutine
// or during replay.
func (r *Relay) Digest() string { return r.master.Digest(r.roster()) }
