package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	persistlog "github.com/morganlombard/Virtual-Game-Table/internal/persistence/log"
	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		sessionID = flag.String("session", "", "session id under <data>/sessions")
		dir       = flag.String("traffic", "", "traffic dir containing traffic-*.jsonl.zst (overrides -data/-session)")
		snapPath  = flag.String("snapshot", "", "snapshot dump to compare against the replayed digest (optional)")
		toSeq     = flag.Uint64("to_seq", 0, "stop after this traffic seq (inclusive, optional)")
	)
	flag.Parse()

	trafficDir := *dir
	if trafficDir == "" {
		if *sessionID == "" {
			fmt.Fprintln(os.Stderr, "missing -traffic or -session")
			os.Exit(2)
		}
		trafficDir = filepath.Join(*dataDir, "sessions", *sessionID, "traffic")
	}

	files, err := persistlog.ListTrafficFiles(trafficDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list traffic:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no traffic files found in", trafficDir)
		os.Exit(1)
	}

	res, err := replayFiles(files, *toSeq)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: session=%s checked=%d entries last_seq=%d digest=%s\n", res.SessionID, res.Checked, res.LastSeq, res.Digest)

	if *snapPath == "" {
		return
	}
	h, err := snapshot.ReadHeader(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d session=%s taken=%s clients=%d pieces=%d hands=%d digest=%s\n",
		h.Version, h.SessionID, h.TakenAt.Format("2006-01-02T15:04:05Z"), h.Clients, h.Pieces, h.Hands, h.Digest)
	if h.Digest == res.Digest {
		fmt.Println("snapshot matches the end of the replay")
	}
}

type result struct {
	SessionID string
	Checked   uint64
	LastSeq   uint64
	Digest    string
}

var errStop = errors.New("stop")

// replayFiles feeds every entry through a fresh relay and checks the digest
// recorded after each one. Seqs must be contiguous from 1.
func replayFiles(files []string, toSeq uint64) (result, error) {
	var (
		res result
		r   *relay.Relay
	)
	for _, path := range files {
		err := persistlog.ReadTraffic(path, func(e relay.TrafficEntry) error {
			if toSeq != 0 && e.Seq > toSeq {
				return errStop
			}
			if r == nil {
				r = relay.New(relay.Config{SessionID: e.SessionID, Logger: zerolog.Nop()})
				res.SessionID = e.SessionID
			}
			if e.SessionID != res.SessionID {
				return fmt.Errorf("seq %d: session %s in a %s log", e.Seq, e.SessionID, res.SessionID)
			}
			if e.Seq != res.LastSeq+1 {
				return fmt.Errorf("seq gap: want=%d got=%d (file=%s)", res.LastSeq+1, e.Seq, filepath.Base(path))
			}
			got, err := r.Replay(e)
			if err != nil {
				return err
			}
			if got != e.Digest {
				return fmt.Errorf("digest mismatch at seq %d (%s): got=%s want=%s", e.Seq, e.Kind, got, e.Digest)
			}
			res.LastSeq = e.Seq
			res.Checked++
			res.Digest = got
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
