// Command master runs the coordinator: it binds the broadcast and collector
// adapters, serves the operator-facing HTTP front, and shuts down gracefully
// on SIGINT/SIGTERM, matching the teacher framework's signal handling.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paboldin/rally-agent/internal/config"
	"github.com/paboldin/rally-agent/internal/engine"
	"github.com/paboldin/rally-agent/internal/httpapi"
	"github.com/paboldin/rally-agent/internal/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("master: %v", err)
	}
}

func run() error {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	configFile := peekConfigFlag(os.Args[1:])
	fs.String("config", configFile, "optional YAML config file")

	cfg, err := config.LoadMaster(configFile, fs, os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.Debug {
		log.Printf("master: config: %+v", *cfg)
	}

	hub := transport.NewHub(cfg.PublishAddr, cfg.PullAddr, cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Start(ctx); err != nil {
		return err
	}
	log.Printf("master: broadcast on %s, collect on %s", hub.BroadcastAddr(), hub.CollectAddr())

	eng := engine.New(hub)
	server := httpapi.NewServer(eng)
	httpAddr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	httpSrv := httpapi.NewHTTPServer(httpAddr, server)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("master: http listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("master: received signal %s, stopping gracefully", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// peekConfigFlag extracts --config/-config (space- or =-separated) before
// the full flag set is built, since config.LoadMaster needs the path to
// load the file layer ahead of flag parsing itself.
func peekConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}
