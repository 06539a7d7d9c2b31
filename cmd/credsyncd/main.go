package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/dialtide/credsync-backend/cmd/flags"
	"github.com/dialtide/credsync-backend/cryptoutils"
	"github.com/dialtide/credsync-backend/engine"
	"github.com/dialtide/credsync-backend/httpserver"
	"github.com/dialtide/credsync-backend/storage"
	"github.com/dialtide/credsync-backend/syncer"
	"github.com/dialtide/credsync-backend/tenant"
)

var cliFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	flags.LogJSONFlag,
	flags.LogDebugFlag,
	flags.LogUIDFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
	&cli.StringFlag{
		Name:  "master-secret-hex",
		Usage: "hex-encoded master secret for the encryption core; falls back to CREDSYNC_MASTER_SECRET",
	},
	&cli.StringFlag{
		Name:  "remote-uri",
		Value: "",
		Usage: "remote durable tier URI, e.g. vault://vault:8200/secret/credsync or s3://bucket/credsync?region=us-west-2",
	},
	&cli.StringFlag{
		Name:  "local-db",
		Value: "credsync-cache.db",
		Usage: "path of the durable local cache database",
	},
	&cli.StringFlag{
		Name:  "tenant-config",
		Value: "",
		Usage: "JSON file with per-tenant credential ownership delegation",
	},
	&cli.DurationFlag{
		Name:  "session-ttl",
		Value: 30 * time.Minute,
		Usage: "TTL for the ephemeral session cache tier",
	},
	&cli.DurationFlag{
		Name:  "reconcile-interval",
		Value: 30 * time.Second,
		Usage: "how often to retry unsynced local writes against the remote tier",
	},
	&cli.StringFlag{
		Name:  "device-id",
		Value: "",
		Usage: "origin device identifier for writes without one; random when empty",
	},
}

func main() {
	app := &cli.App{
		Name:   "credsyncd",
		Usage:  "Serve the credential and settings synchronization API",
		Flags:  cliFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	secretHex := cCtx.String("master-secret-hex")
	if secretHex == "" {
		secretHex = os.Getenv("CREDSYNC_MASTER_SECRET")
	}
	masterSecret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("invalid master secret: %w", err)
	}
	sealer, err := cryptoutils.NewSealer(masterSecret)
	if err != nil {
		return err
	}

	tenantCfg, err := tenant.LoadConfig(cCtx.String("tenant-config"))
	if err != nil {
		return err
	}
	owners, err := tenant.NewResolver(tenantCfg)
	if err != nil {
		return err
	}

	factory := storage.NewFactory(logger)
	tierURIs := []string{}
	if remote := cCtx.String("remote-uri"); remote != "" {
		tierURIs = append(tierURIs, remote)
	} else {
		logger.Warn("No remote tier configured, running local-only")
	}
	tierURIs = append(tierURIs,
		fmt.Sprintf("sqlite://%s", cCtx.String("local-db")),
		fmt.Sprintf("session://?ttl=%s", cCtx.Duration("session-ttl")),
		"mem://",
		"default://",
	)
	tiers, err := factory.TiersFor(tierURIs)
	if err != nil {
		return err
	}

	resolver, err := storage.NewTieredResolver(tiers, sealer, logger)
	if err != nil {
		return err
	}

	coord := syncer.NewCoordinator(resolver, logger)

	deviceID := cCtx.String("device-id")
	if deviceID == "" {
		deviceID = uuid.Must(uuid.NewRandom()).String()
	}
	eng := engine.New(owners, resolver, coord, deviceID, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if remote, local := resolver.Remote(), resolver.DirtyMarker(); remote != nil && local != nil {
		dirtyStore, ok := local.(syncer.DirtyStore)
		if !ok {
			return fmt.Errorf("local tier does not support reconciliation")
		}
		reconciler := syncer.NewReconciler(remote, dirtyStore, coord, cCtx.Duration("reconcile-interval"), logger)
		go reconciler.Run(ctx)
	}

	cfg := flags.ConfigureServer(cCtx, logger)
	srv, err := httpserver.New(cfg, httpserver.NewHandler(eng, logger))
	if err != nil {
		return err
	}
	srv.RunInBackground()

	<-ctx.Done()
	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}
