// Command agent runs one remote worker process: it subscribes to the
// master's broadcast channel, dispatches each request to a named handler,
// and pushes replies back to the collector, until the master disconnects
// or the process receives SIGINT/SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/paboldin/rally-agent/internal/agentcore"
	"github.com/paboldin/rally-agent/internal/config"
	"github.com/paboldin/rally-agent/internal/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

func run() error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configFile := peekConfigFlag(os.Args[1:])
	fs.String("config", configFile, "optional YAML config file")

	cfg, err := config.LoadAgent(configFile, fs, os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.AgentID == "" {
		cfg.AgentID = uuid.New().String()
	}

	if cfg.Debug {
		log.Printf("agent: config: %+v", *cfg)
	}

	sub, err := transport.DialSubscriber(cfg.SubscribeURL)
	if err != nil {
		return err
	}
	defer sub.Close()

	pusher, err := transport.DialPusher(cfg.PushURL)
	if err != nil {
		return err
	}
	defer pusher.Close()

	ag := agentcore.New(cfg.AgentID, sub, pusher, cfg.Debug)
	log.Printf("agent: %s subscribed to %s, pushing to %s", cfg.AgentID, cfg.SubscribeURL, cfg.PushURL)

	runErr := make(chan error, 1)
	go func() { runErr <- ag.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("agent: received signal %s, stopping gracefully", sig)
		return nil
	case err := <-runErr:
		return err
	}
}

// peekConfigFlag extracts --config/-config (space- or =-separated) before
// the full flag set is built.
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
