package main

import (
	"fmt"
	"net/http"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/indexdb"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

// metricsHandler writes the Prometheus text exposition format by hand.
func metricsHandler(r *relay.Relay, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		sid := r.SessionID()
		m := r.Metrics()

		fmt.Fprintf(rw, "# HELP vgt_relay_clients Connected clients.\n")
		fmt.Fprintf(rw, "# TYPE vgt_relay_clients gauge\n")
		fmt.Fprintf(rw, "vgt_relay_clients{session=%q} %d\n", sid, m.Clients)

		counters := []struct {
			name, help string
			v          uint64
		}{
			{"vgt_relay_joins_total", "Accepted joins.", m.Joins},
			{"vgt_relay_refused_total", "Refused joins.", m.Refused},
			{"vgt_relay_batches_total", "Relayed batches.", m.Batches},
			{"vgt_relay_stale_batches_total", "Batches dropped for a non-increasing seq.", m.StaleBatches},
			{"vgt_relay_rejected_holds_total", "Hold claims that lost to the current holder.", m.RejectedHolds},
			{"vgt_relay_evicted_total", "Clients dropped as slow consumers.", m.Evicted},
			{"vgt_relay_kicked_total", "Clients removed by an admin.", m.Kicked},
		}
		for _, c := range counters {
			fmt.Fprintf(rw, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(rw, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(rw, "%s{session=%q} %d\n", c.name, sid, c.v)
		}

		fmt.Fprintf(rw, "# HELP vgt_relay_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE vgt_relay_queue_depth gauge\n")
		fmt.Fprintf(rw, "vgt_relay_queue_depth{session=%q,queue=%q} %d\n", sid, "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "vgt_relay_queue_depth{session=%q,queue=%q} %d\n", sid, "join", m.QueueDepths.Join)
		fmt.Fprintf(rw, "vgt_relay_queue_depth{session=%q,queue=%q} %d\n", sid, "leave", m.QueueDepths.Leave)
		fmt.Fprintf(rw, "vgt_relay_queue_depth{session=%q,queue=%q} %d\n", sid, "kick", m.QueueDepths.Kick)

		fmt.Fprintf(rw, "# HELP vgt_relay_step_ms Duration of the last handled message in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE vgt_relay_step_ms gauge\n")
		fmt.Fprintf(rw, "vgt_relay_step_ms{session=%q} %.3f\n", sid, m.StepMS)

		if idx == nil {
			return
		}
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP vgt_index_queue_depth Current sqlite index queue depth.\n")
		fmt.Fprintf(rw, "# TYPE vgt_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "vgt_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP vgt_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE vgt_index_dropped_total counter\n")
		fmt.Fprintf(rw, "vgt_index_dropped_total{kind=%q} %d\n", "traffic", s.DropTrafficTotal)
		fmt.Fprintf(rw, "vgt_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
		fmt.Fprintf(rw, "vgt_index_dropped_total{kind=%q} %d\n", "session", s.DropSessionTotal)
		fmt.Fprintf(rw, "# HELP vgt_index_write_errors_total Failed index transactions.\n")
		fmt.Fprintf(rw, "# TYPE vgt_index_write_errors_total counter\n")
		fmt.Fprintf(rw, "vgt_index_write_errors_total %d\n", s.WriteErrorTotal)
	}
}
