package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/moyoez/chunkrecv/api"
	"github.com/moyoez/chunkrecv/api/notifyhub"
	"github.com/moyoez/chunkrecv/notify"
	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/sweeper"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

func main() {
	app := &cli.App{
		Name:  "chunkrecv",
		Usage: "Receive chunked and single-request file uploads",
		Flags: tool.Flags(),
		Before: func(c *cli.Context) error {
			tool.InitLogger()
			tool.SetLogMode(c.String("log"))
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			abandonCommand(),
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		tool.DefaultLogger.Fatalf("%v", err)
	}
}

// env is everything a command needs, built from config file plus flags.
type env struct {
	cfg         types.AppConfig
	store       storage.ChunkStorage
	coordinator *receiver.Coordinator
	hub         *notifyhub.Hub
}

func setup(c *cli.Context) (*env, error) {
	flags := tool.FlagsFromContext(c)
	cfg, err := tool.LoadConfig(flags.UseConfigPath)
	if err != nil {
		return nil, err
	}
	tool.ApplyFlags(&cfg, flags)
	if err := tool.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	maxChunk, _ := tool.ParseSize(cfg.MaxChunkSize)
	completedTTL, _ := tool.ParseDuration(cfg.CompletedTTL, receiver.DefaultCompletedTTL)
	sessionTTL, _ := tool.ParseDuration(cfg.Sweep.MaxIdle, receiver.DefaultSessionTTL)

	store, err := storage.Open(c.Context, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open chunk storage: %w", err)
	}
	tool.DefaultLogger.Infof("[Storage] Using %q backend", cfg.Storage.Backend)

	rt := &env{cfg: cfg, store: store}
	if cfg.NotifyWS {
		rt.hub = notifyhub.New()
	}
	var hub notify.Hub
	if rt.hub != nil {
		hub = rt.hub
	}
	dispatcher := notify.NewDispatcher(hub, cfg.NotifySocket)

	rt.coordinator = receiver.New(store, receiver.Options{
		DestinationResolver: receiver.FolderResolver(cfg.UploadFolder, cfg.DoNotMakeSessionFolder),
		MaxChunkSize:        maxChunk,
		SessionTTL:          sessionTTL,
		CompletedTTL:        completedTTL,
		AvoidOverwrite:      true,
		Logger:              tool.DefaultLogger,
		Observer:            dispatcher.Observe,
	})
	return rt, nil
}

func (rt *env) sweeper() (*sweeper.Sweeper, error) {
	lister, ok := rt.store.(storage.SessionLister)
	if !ok {
		return nil, fmt.Errorf("storage backend %q cannot list sessions", rt.cfg.Storage.Backend)
	}
	interval, _ := tool.ParseDuration(rt.cfg.Sweep.Interval, sweeper.DefaultInterval)
	maxIdle, _ := tool.ParseDuration(rt.cfg.Sweep.MaxIdle, sweeper.DefaultMaxIdle)
	return sweeper.New(lister, rt.coordinator, sweeper.Options{
		Interval:        interval,
		MaxIdle:         maxIdle,
		PurgesPerSecond: rt.cfg.Sweep.PurgesPerSecond,
		Logger:          tool.DefaultLogger,
	}), nil
}

func (rt *env) close() {
	if closer, ok := rt.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			tool.DefaultLogger.Warnf("[Storage] Close: %v", err)
		}
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the upload HTTP server and the idle-upload sweeper",
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if sw, err := rt.sweeper(); err != nil {
				tool.DefaultLogger.Warnf("[Sweep] Disabled: %v", err)
			} else {
				go sw.Run(ctx)
			}

			server := api.NewServer(rt.cfg.Port, rt.coordinator, rt.hub, rt.cfg.RateLimit)
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			tool.DefaultLogger.Infof("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Abandon idle uploads once and exit",
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()
			sw, err := rt.sweeper()
			if err != nil {
				return err
			}
			n, err := sw.Sweep(c.Context)
			tool.DefaultLogger.Infof("[Sweep] %d idle uploads abandoned", n)
			return err
		},
	}
}

func abandonCommand() *cli.Command {
	return &cli.Command{
		Name:      "abandon",
		Usage:     "Purge the stored chunks of one or more uploads",
		ArgsUsage: "<upload-id>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("abandon needs at least one upload id", 1)
			}
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()
			for _, id := range c.Args().Slice() {
				if err := rt.coordinator.Abandon(c.Context, id); err != nil {
					return fmt.Errorf("abandon %s: %w", id, err)
				}
				tool.DefaultLogger.Infof("[Abandon] %s", id)
			}
			return nil
		},
	}
}
