package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gocurate/models"
	"gocurate/tui"
	"gocurate/web"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

func main() {
	queueFlag := flag.Bool("queue", false, "open the terminal queue inspector against a running instance")
	serverFlag := flag.String("server", "http://localhost:8161", "server base URL for the queue inspector")
	flag.Parse()

	if *queueFlag {
		if err := tui.Run(*serverFlag); err != nil {
			log.Fatal(err)
		}
		return
	}

	logger.SetLogLevel("info")

	cfg, err := models.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	deps := web.Deps{Cfg: cfg}

	if cfg.ServesHub() {
		if err := models.InitJWT(cfg.JWTSecret); err != nil {
			log.Fatal("Failed to initialize token signing: ", err)
		}
		hub, err := models.OpenHub(cfg)
		if err != nil {
			log.Fatal("Failed to open hub store: ", err)
		}
		deps.Hub = hub
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ServesWorkspace() {
		ws, err := models.OpenWorkspace(cfg)
		if err != nil {
			log.Fatal("Failed to open workspace store: ", err)
		}
		deps.Workspace = ws

		if cfg.HubURL != "" {
			client := models.NewHubClient(cfg)
			engine, err := models.NewSyncEngine(ws, client, cfg)
			if err != nil {
				log.Fatal("Failed to initialize sync engine: ", err)
			}
			engine.Start(ctx)
			deps.Engine = engine
		}
	}

	// Close stores on SIGINT/SIGTERM so the disk databases end in a
	// clean state. rweb blocks in Run, so shutdown happens here.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down")
		cancel()
		if deps.Engine != nil {
			deps.Engine.Stop()
		}
		if deps.Workspace != nil {
			if err := deps.Workspace.Close(); err != nil {
				logger.LogErr(err, "failed to close workspace store")
			}
		}
		if deps.Hub != nil {
			if err := deps.Hub.Close(); err != nil {
				logger.LogErr(err, "failed to close hub store")
			}
		}
		os.Exit(0)
	}()

	srv := web.NewServer(deps, rweb.ServerOptions{
		Address: cfg.Listen,
		Verbose: true,
	})

	logger.Info("Starting gocurate", "mode", cfg.Mode, "listen", cfg.Listen)
	log.Fatal(web.Run(srv, cfg.Listen))
}
