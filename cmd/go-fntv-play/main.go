// Command go-fntv-play runs the playback control server for an FNTV media
// server: it resolves streams and playback links, keeps per-title track
// choices and records progress while a title plays.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/internal/server"
	"github.com/opd-ai/go-fntv-play/internal/session"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/internal/subtitle"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	playItem := flag.String("play", "", "item GUID to start playing once the server is up")
	flag.Parse()

	if err := run(*configPath, *playItem); err != nil {
		fmt.Fprintf(os.Stderr, "go-fntv-play: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, playItem string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.CreateDirectories(); err != nil {
		return err
	}

	store, err := storage.Open(&cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := fntv.New(&cfg.Fntv, logger)
	auth := fntv.NewAuthManager(client, logger)
	if _, err := auth.Authenticate(ctx); err != nil {
		return err
	}
	if cfg.Fntv.Token == "" {
		// The token came from a password login; end that session on exit.
		defer func() {
			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := auth.Logout(logoutCtx); err != nil {
				logger.Warn("Failed to log out", "error", err)
			}
		}()
	}

	catalogs := catalog.NewResolver(client, logger)
	subtitles := subtitle.New(&cfg.Subtitles, client, store, logger)

	sessions := session.NewManager(&cfg.Playback, session.Deps{
		Catalogs: catalogs,
		PlayInfo: client,
		Selector: rendition.NewSelector(store, logger),
		Links:    playlink.NewResolver(&cfg.Playback, client, subtitles, logger),
		Progress: client,
		Journal:  store,
	}, logger)
	defer sessions.Close()

	srv := server.New(&cfg.Server, sessions, catalogs, store, client, logger)

	if playItem != "" {
		go func() {
			if _, err := sessions.Start(ctx, playItem); err != nil {
				logger.Error("Failed to start playback", "item_guid", playItem, "error", err)
			}
		}()
	}

	logger.Info("go-fntv-play started",
		"server_url", cfg.Fntv.ServerURL,
		"storage", cfg.Storage.Directory)

	return srv.Start(ctx)
}
