package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-fleet/pkg/agent"
	"github.com/dd0wney/cluso-fleet/pkg/auth"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/transport"
)

func main() {
	listen := flag.String("listen", "0.0.0.0:7080", "Address the agent answers management nodes on")
	manager := flag.String("manager", "", "Management node to announce a restart to (host:port)")
	hostID := flag.String("host-id", "", "Host ID to announce; requires -manager")
	issuer := flag.String("issuer", "cluso-fleet", "Expected connect token issuer")
	distro := flag.String("distro", "ubuntu", "Reported OS distribution")
	release := flag.String("release", "22.04", "Reported OS release")
	version := flag.String("version", "5.15", "Reported OS version")
	pingInterval := flag.Duration("ping-interval", 10*time.Second, "Interval between pings to the holding node")
	refuse := flag.Bool("refuse", false, "Refuse every handshake")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, closer, err := logging.New("stdout", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	// The secret is read from the environment only, to keep it out of process listings
	var tokens *auth.TokenManager
	if secret := os.Getenv("FLEET_AUTH_SECRET"); secret != "" {
		tokens, err = auth.NewTokenManager(secret, 0, *issuer)
		if err != nil {
			logger.Error("invalid FLEET_AUTH_SECRET", logging.Error(err))
			os.Exit(1)
		}
	} else {
		logger.Warn("FLEET_AUTH_SECRET is empty; accepting unsigned connect requests")
	}

	cfg := transport.DefaultConfig()
	client := transport.NewMangosTransport(cfg, logger)
	defer client.Close()

	a := agent.New(agent.Config{
		OS:           model.OSInfo{Distro: *distro, Release: *release, Version: *version},
		PingInterval: *pingInterval,
		Refuse:       *refuse,
	}, tokens, client, logger)

	responder := transport.NewResponder(cfg, 4, logger)
	a.Register(responder)
	if err := responder.Listen(transport.URL(*listen, cfg.DefaultPort)); err != nil {
		logger.Error("listen failed", logging.Address(*listen), logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Serve(ctx) })
	g.Go(func() error {
		a.Run(ctx)
		return nil
	})

	if *manager != "" && *hostID != "" {
		if err := a.Announce(ctx, *manager, *hostID); err != nil {
			logger.Warn("startup announcement failed", logging.Address(*manager), logging.Error(err))
		}
	}

	logger.Info("fleet-agent listening", logging.Address(*listen))
	if err := g.Wait(); err != nil {
		logger.Error("fleet-agent stopped", logging.Error(err))
		closer.Close()
		os.Exit(1)
	}
}
