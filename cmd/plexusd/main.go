package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomdraper/plexus/internal/api"
	"github.com/tomdraper/plexus/internal/chat"
	"github.com/tomdraper/plexus/internal/config"
	apperrors "github.com/tomdraper/plexus/internal/errors"
	"github.com/tomdraper/plexus/internal/logging"
	"github.com/tomdraper/plexus/internal/mesh"
	"github.com/tomdraper/plexus/internal/outbox"
	"github.com/tomdraper/plexus/internal/presence"
	"github.com/tomdraper/plexus/internal/protocol"
	"github.com/tomdraper/plexus/internal/push"
	"github.com/tomdraper/plexus/internal/reconcile"
	"github.com/tomdraper/plexus/internal/state"
	"github.com/tomdraper/plexus/internal/upload"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("plexusd starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	token := cfg.Token
	if token == "" {
		token = appState.Token()
	}
	if token == "" {
		return fmt.Errorf("%w: set PLEXUS_TOKEN or sign in first", apperrors.ErrNoSession)
	}
	if cfg.Token != "" && cfg.Token != appState.Token() {
		if err := appState.SetToken(cfg.Token); err != nil {
			logger.Warn("failed to save token", slog.String("error", err.Error()))
		}
	}

	deviceID := appState.DeviceID()
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := appState.SetDeviceID(deviceID); err != nil {
			logger.Warn("failed to save device id", slog.String("error", err.Error()))
		}
		logger.Info("generated device id", slog.String("device_id", deviceID))
	}

	apiClient := api.NewClient(cfg.ServerURL, token, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Device-ID", deviceID)
	header.Set("X-Device-Name", cfg.DeviceName)

	socket := push.NewSocket(push.Config{
		URL:     cfg.SocketURL,
		Header:  header,
		Backoff: push.NewExpBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
	}, logger)

	tracker := presence.NewTracker(presence.Config{
		SelfID:      cfg.UserID,
		TopicPrefix: "user=",
		Fetcher:     apiClient,
		Subs:        socket,
	}, logger)

	store := reconcile.NewStore(tracker, logger)
	chatSvc := chat.NewService(socket, store, tracker, cfg.UserID, logger)
	registry := upload.NewRegistry(logger)
	uploader := upload.NewUploader(apiClient, nil, upload.Config{SelfID: cfg.UserID}, logger)
	coord := mesh.NewCoordinator(socket, signalPeerFactory{logger: logger}, headlessMedia{}, logger)

	socket.Handle(protocol.InChange, store.HandleChange)
	socket.Handle(protocol.InPostVote, func(raw []byte) {
		store.ApplyVote(protocol.EntityPost, raw)
	})
	socket.Handle(protocol.InPostCommentVote, func(raw []byte) {
		store.ApplyVote(protocol.EntityComment, raw)
	})
	socket.Handle(protocol.InPrivateMessage, chatSvc.HandleMessage)
	socket.Handle(protocol.InRoomMessage, chatSvc.HandleMessage)
	socket.Handle(protocol.InNotifications, chatSvc.HandleNotifications)
	socket.Handle(protocol.InAttachmentProgress, registry.HandleProgress)
	socket.Handle(protocol.InAttachmentComplete, registry.HandleComplete)
	socket.Handle(protocol.InVidAllUsers, coord.HandleAllUsers)
	socket.Handle(protocol.InVidUserJoined, coord.HandleUserJoined)
	socket.Handle(protocol.InVidUserLeft, coord.HandleUserLeft)
	socket.Handle(protocol.InVidReturnedSignal, coord.HandleReturnedSignal)

	// The inbox topic is always-on server-side; opening it here is
	// belt-and-braces for servers that lazily create the subscription.
	socket.OpenSubscription("inbox=" + cfg.UserID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return socket.Run(gctx)
	})
	g.Go(func() error {
		return tracker.Run(gctx)
	})

	if cfg.OutboxDir != "" {
		watcher := outbox.NewWatcher(outbox.Config{
			Dir:    cfg.OutboxDir,
			Target: cfg.OutboxTarget,
			IsRoom: cfg.OutboxIsRoom,
		}, chatSvc, uploader, logger)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	return g.Wait()
}

// signalPeerFactory builds signaling-only peers. The daemon negotiates
// mesh membership and relays payloads but attaches no media engine;
// clients with a capture stack plug their own factory into the
// coordinator.
type signalPeerFactory struct {
	logger *slog.Logger
}

func (f signalPeerFactory) NewPeer(initiator, streaming bool, onSignal func(json.RawMessage)) (mesh.PeerConn, error) {
	return &signalPeer{logger: f.logger}, nil
}

type signalPeer struct {
	logger *slog.Logger
}

func (p *signalPeer) Signal(data json.RawMessage) error {
	p.logger.Debug("peer signal received", slog.Int("bytes", len(data)))
	return nil
}

func (p *signalPeer) Close() error { return nil }

// headlessMedia always denies capture: the daemon has no devices.
type headlessMedia struct{}

func (headlessMedia) Acquire(ctx context.Context) error {
	return apperrors.ErrMediaDenied
}

func (headlessMedia) Release() {}
