package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/observability"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/engine"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/tuning"
	"github.com/morganlombard/Virtual-Game-Table/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "relay ws url")
		name       = flag.String("name", "bot", "display name")
		group      = flag.Int("group", 1, "group id")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml or tuning.toml")
		every      = flag.Duration("every", 400*time.Millisecond, "action interval")
		seed       = flag.Int64("seed", 0, "rng seed (time based when 0)")
	)
	flag.Parse()

	logger := observability.InitLogger("bot")

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load tuning")
	}
	if err := tune.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid tuning")
	}

	// Every client registers the same table in the same order so ids line up.
	reg := entity.NewRegistry()
	for _, p := range tune.Table.Positions() {
		reg.Register(entity.Piece, entity.Pose{X: p[0], Y: p[1]})
	}

	eng := engine.New(engine.Config{
		Name:      *name,
		GroupID:   *group,
		QueueSize: tune.Queues.Engine,
		HoldBlock: tune.HoldBlock(),
		Logger:    logger,
	}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		cancel()
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	client, err := ws.Dial(ctx, *url, eng, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer client.Close()

	go printNotices(eng, logger, cancel)

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	b := &bot{rng: rand.New(rand.NewSource(s)), pieces: reg.Len(entity.Piece)}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-runDone
			return
		case <-runDone:
			return
		case <-ticker.C:
			if err := eng.Do(ctx, b.step); err != nil {
				logger.Debug().Err(err).Msg("step")
			}
		}
	}
}

func printNotices(eng *engine.Engine, logger zerolog.Logger, cancel context.CancelFunc) {
	for n := range eng.Notices() {
		ev := logger.Info().Str("notice", n.Kind.String())
		switch n.Kind {
		case engine.NoticeChat:
			ev.Int("from", n.From).Str("text", n.Text).Msg("chat")
		case engine.NoticeRoster, engine.NoticeJoined:
			ev.Int("clients", len(n.Clients)).Msg("roster")
		case engine.NoticeLeft:
			ev.Int("client_id", n.From).Msg("left")
		default:
			ev.Str("code", n.Code).Str("reason", n.Text).Msg("connection ended")
		}
		if n.Terminal() {
			cancel()
		}
	}
}

// bot wanders its hand around and occasionally picks up, drags and drops a
// random piece. step runs on the engine goroutine.
type bot struct {
	rng    *rand.Rand
	pieces int

	holding bool
	dragged int
	hx, hy  float64
}

func (b *bot) step(e *engine.Engine) {
	if e.State() != engine.Syncing || b.pieces == 0 {
		return
	}
	b.hx += b.rng.Float64()*40 - 20
	b.hy += b.rng.Float64()*40 - 20
	e.MoveHand(b.hx, b.hy)

	switch {
	case !b.holding && b.rng.Intn(4) == 0:
		ref := entity.Ref{Kind: entity.Piece, ID: 1 + b.rng.Intn(b.pieces)}
		e.Select(ref)
		if e.HoldSelected() > 0 {
			e.CloseHand()
			b.holding = true
			b.dragged = 0
		}
	case b.holding && b.dragged < 5:
		b.dragged++
		e.MoveHeld(float64(b.dragged*10), float64(b.dragged*5))
	case b.holding:
		e.ReleaseAll()
		e.UnselectAll()
		e.OpenHand()
		b.holding = false
		if b.rng.Intn(10) == 0 {
			_ = e.Say("moved a piece")
		}
	}
}
