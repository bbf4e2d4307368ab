package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Swarm/internal/adapters/hubclient"
	"github.com/dkeye/Swarm/internal/adapters/natsrelay"
	"github.com/dkeye/Swarm/internal/adapters/rtc"
	"github.com/dkeye/Swarm/internal/app/mesh"
	"github.com/dkeye/Swarm/internal/app/schedule"
	"github.com/dkeye/Swarm/internal/app/swarm"
	"github.com/dkeye/Swarm/internal/app/timesync"
	"github.com/dkeye/Swarm/internal/config"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
)

func sessionConfig(c config.SwarmConfig) swarm.Config {
	return swarm.Config{
		Sync: timesync.Config{
			Probes:       c.Probes,
			ProbeTimeout: c.ProbeTimeout,
			Interval:     c.SyncInterval,
		},
		Schedule: schedule.Config{
			LatenessThreshold: c.LatenessThreshold,
			Retention:         c.DedupeRetention,
		},
		Mesh: mesh.Config{
			SignalTimeout: c.SignalTimeout,
			MaxRetries:    c.MaxRetries,
			BackoffBase:   c.BackoffBase,
			BackoffMax:    c.BackoffMax,
		},
		PropagationBuffer: c.PropagationBuffer,
		AlwaysRelay:       c.AlwaysRelay,
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	swarmID := flag.StringP("swarm", "s", "", "swarm to join")
	name := flag.StringP("name", "n", "", "display name")
	id := flag.String("id", "", "participant id (random when empty)")
	role := flag.String("role", string(domain.RolePerformer), "conductor, performer or audience")
	hubURL := flag.String("hub", cfg.Swarm.HubURL, "hub websocket url")
	relay := flag.String("relay", cfg.Swarm.Relay, "relay transport: ws or nats")
	natsURL := flag.String("nats", cfg.Server.NatsURL, "nats url when --relay=nats")
	buffer := flag.Duration("buffer", cfg.Swarm.PropagationBuffer, "propagation buffer for cues")
	loopback := flag.Bool("loopback", false, "offer loopback candidates for same-host peers")
	level := flag.String("log-level", cfg.LogLevel, "log level")
	flag.Parse()

	if lvl, err := zerolog.ParseLevel(*level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if *swarmID == "" || *name == "" {
		flag.Usage()
		os.Exit(2)
	}

	self := domain.Participant{ID: domain.ParticipantID(*id), Name: *name, Role: domain.Role(*role)}
	if self.ID == "" {
		p, err := domain.NewParticipant(*name, self.Role)
		if err != nil {
			log.Fatal().Err(err).Msg("participant")
		}
		self = *p
	}

	var hub interface {
		core.HubRelay
		core.ReferenceClock
	}
	switch *relay {
	case "nats":
		nc, err := natsrelay.Connect(*natsURL, "swarm-"+string(self.ID))
		if err != nil {
			log.Fatal().Err(err).Msg("nats")
		}
		defer nc.Close()
		hub = natsrelay.New(nc, cfg.Server.TimeSubject)
	default:
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := hubclient.Dial(dialCtx, *hubURL, nil)
		dialCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("hub")
		}
		hub = c
	}

	sc := sessionConfig(cfg.Swarm)
	sc.PropagationBuffer = *buffer
	sess, err := swarm.New(domain.SwarmID(*swarmID), self, sc, swarm.Transport{
		Hub:       hub,
		Reference: hub,
		Peers:     rtc.NewFactory(rtc.Config{ICEServers: cfg.Swarm.ICEServers, IncludeLoopback: *loopback}),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}

	present := func(m core.Message) {
		skew := sess.Now().Sub(m.Target)
		switch p := m.Payload.(type) {
		case core.TextCue:
			fmt.Printf("[%s] %s: %s (skew %v)\n", sess.Now().Format("15:04:05.000"), m.From, p.Text, skew)
		case core.AudioCue:
			fmt.Printf("[%s] %s: play %s (skew %v)\n", sess.Now().Format("15:04:05.000"), m.From, p.ClipID, skew)
		case core.DrawStroke:
			fmt.Printf("[%s] %s: stroke of %d points (skew %v)\n", sess.Now().Format("15:04:05.000"), m.From, len(p.Points), skew)
		}
	}
	for _, k := range []core.Kind{core.KindTextCue, core.KindAudioCue, core.KindDrawStroke} {
		sess.Handle(k, present)
	}

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	defer func() { _ = sess.Close() }()
	log.Info().Str("swarm", *swarmID).Str("participant", string(self.ID)).Msg("joined; type a line to cue it, /clip <id>, /status")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-sess.Done():
			return sess.Err()
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					cancel()
					return nil
				}
				command(gctx, sess, strings.TrimSpace(line))
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("session ended")
	}
}

func command(ctx context.Context, sess *swarm.Session, line string) {
	var payload core.Payload
	switch {
	case line == "":
		return
	case line == "/status":
		b, _ := json.MarshalIndent(sess.Status(), "", "  ")
		fmt.Println(string(b))
		return
	case line == "/resync":
		sess.Resync()
		return
	case strings.HasPrefix(line, "/clip "):
		payload = core.AudioCue{ClipID: strings.TrimSpace(strings.TrimPrefix(line, "/clip ")), Gain: 1}
	default:
		payload = core.TextCue{Text: line}
	}
	if _, err := sess.Cue(ctx, payload); err != nil {
		log.Warn().Err(err).Msg("cue")
	}
}
