// Command viewer joins a room as a participant, or creates one and hosts it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/immxrtalbeast/sigstream/internal/peer"
	"github.com/immxrtalbeast/sigstream/internal/registryclient"
	"github.com/immxrtalbeast/sigstream/internal/session"
	"github.com/immxrtalbeast/sigstream/internal/signaling"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
	"github.com/immxrtalbeast/sigstream/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
)

type viewerConfig struct {
	Env         string   `env:"APP_ENV" env-default:"local"`
	Server      string   `env:"SIGSTREAM_SERVER" env-default:"http://localhost:8080"`
	STUNServers []string `env:"SIGSTREAM_STUN_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302"`
	Name        string   `env:"SIGSTREAM_NAME" env-default:"viewer"`
}

type options struct {
	room     string
	host     bool
	kind     string
	mode     string
	audio    bool
	video    bool
	approve  bool
	roomName string
}

func main() {
	_ = godotenv.Load(".env")

	var cfg viewerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic(err.Error())
	}

	var opts options
	flag.StringVar(&cfg.Server, "server", cfg.Server, "registry and relay base URL")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "display name")
	flag.StringVar(&opts.room, "room", "", "room id to join")
	flag.BoolVar(&opts.host, "host", false, "create a room and host it")
	flag.StringVar(&opts.kind, "kind", "broadcast", "room kind when hosting: broadcast or conference")
	flag.StringVar(&opts.mode, "mode", "auto", "admission mode when hosting: auto or manual")
	flag.StringVar(&opts.roomName, "title", "", "room name when hosting")
	flag.BoolVar(&opts.audio, "audio", false, "publish an audio track")
	flag.BoolVar(&opts.video, "video", false, "publish a video track")
	flag.BoolVar(&opts.approve, "approve", false, "approve every pending join when hosting")
	flag.Parse()

	log := setupLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("viewer stopped", sl.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg viewerConfig, opts options, log *slog.Logger) error {
	base := strings.TrimRight(cfg.Server, "/")
	registry := registryclient.New(base, nil, log)

	transport, err := signaling.Dial(ctx, wsURL(base), signaling.Options{Log: log})
	if err != nil {
		return err
	}
	defer transport.Close()

	var hostToken string
	if opts.host {
		kind, err := domain.ParseRoomKind(opts.kind)
		if err != nil {
			return err
		}
		mode, err := domain.ParseAdmissionMode(opts.mode)
		if err != nil {
			return err
		}
		created, err := registry.CreateRoom(ctx, registryclient.CreateRoomParams{
			Kind:          kind,
			Name:          opts.roomName,
			AdmissionMode: mode,
			HostID:        transport.ID(),
			HostName:      cfg.Name,
		})
		if err != nil {
			return err
		}
		opts.room = created.Room.ID
		hostToken = created.HostToken
		log.Info("room created",
			slog.String("room_id", created.Room.ID),
			slog.String("kind", string(created.Room.Kind)),
			slog.String("admission", string(created.Room.AdmissionMode)),
		)
	}
	if opts.room == "" {
		return errors.New("-room or -host is required")
	}

	factory, err := peer.NewPionFactory(cfg.STUNServers, func(remoteID string, track *webrtc.TrackRemote) {
		go drain(remoteID, track, log)
	}, log)
	if err != nil {
		return err
	}

	var s *session.Session
	notifier := session.NotifierFunc(func(e session.Event) {
		logEvent(log, e)
		if e.Kind == session.EventPendingJoin && opts.approve {
			go approve(ctx, s, e.Participant.ID, log)
		}
	})

	s, err = session.New(session.Config{
		RoomID:      opts.room,
		DisplayName: cfg.Name,
		HostToken:   hostToken,
		Publish:     media.Constraints{Audio: opts.audio, Video: opts.video},
	}, session.Deps{
		Transport: transport,
		Registry:  registry,
		Peers:     factory,
		Media:     &media.SampleSource{StreamID: "sigstream-" + transport.ID()},
		Notifier:  notifier,
		Log:       log,
	})
	if err != nil {
		return err
	}

	return s.Run(ctx)
}

func approve(ctx context.Context, s *session.Session, participantID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.Approve(ctx, participantID); err != nil {
		log.Warn("failed to approve", slog.String("participant_id", participantID), sl.Err(err))
	}
}

func logEvent(log *slog.Logger, e session.Event) {
	attrs := []any{slog.String("kind", string(e.Kind))}
	switch e.Kind {
	case session.EventAdmission:
		attrs = append(attrs, slog.String("admission", e.Admission.String()))
	case session.EventPendingJoin:
		attrs = append(attrs, slog.String("participant_id", e.Participant.ID), slog.String("name", e.Participant.DisplayName))
	case session.EventChat:
		attrs = append(attrs, slog.String("from", e.Chat.SenderName), slog.String("message", e.Chat.Message))
	case session.EventReaction:
		attrs = append(attrs, slog.String("from", e.Reaction.SenderName), slog.String("reaction", e.Reaction.Reaction))
	case session.EventCommand:
		attrs = append(attrs, slog.String("command", string(e.Command.Command)), slog.Bool("all", e.Command.All))
	case session.EventLinkFailed, session.EventHostLeft:
		attrs = append(attrs, slog.String("remote_id", e.RemoteID))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("message", e.Message), sl.Err(e.Err))
		log.Warn("session event", attrs...)
		return
	}
	log.Info("session event", attrs...)
}

// drain reads a remote track until it ends. Rendering is not this
// command's job.
func drain(remoteID string, track *webrtc.TrackRemote, log *slog.Logger) {
	var packets int
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			log.Debug("remote track ended",
				slog.String("remote_id", remoteID),
				slog.String("track_id", track.ID()),
				slog.Int("packets", packets),
			)
			return
		}
		packets++
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	switch env {
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		opts := slogpretty.PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug},
		}
		return slog.New(opts.NewPrettyHandler(os.Stdout))
	}
}
