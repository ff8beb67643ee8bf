package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verifiable-state-chains/hsmcore/config"
	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/hsm_server"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/rng"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	keys, err := keystore.OpenBoltStore(cfg.KeyDBPath)
	if err != nil {
		log.Fatalf("Failed to open key database: %v", err)
	}
	defer keys.Close()

	auth, err := hsm_server.NewAuthenticator([]byte(cfg.JWTSecret), cfg.ClientID, []byte(cfg.ClientSecretHash), cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to create authenticator: %v", err)
	}

	logger := log.Default()
	core := hsm_server.NewCore(hsm_server.CoreConfig{
		QueueCapacity:  cfg.QueueCapacity,
		MaxRandomSize:  cfg.MaxRandomSize,
		MaxKeySize:     cfg.MaxKeySize,
		ReseedInterval: cfg.ReseedInterval,
		Logger:         logger,
	}, keys, rng.SystemEntropy{})
	mux := hsm_client.NewMux(core.API(), logger)
	server := hsm_server.NewHSMServer(hsm_server.ServerConfig{
		Port:           cfg.Port,
		RequestTimeout: cfg.RequestTimeout,
		MaxRandomSize:  cfg.MaxRandomSize,
		Logger:         logger,
	}, mux, keys, auth)

	stop, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The core and mux run on their own context so queued requests drain
	// after a signal.
	g, gctx := errgroup.WithContext(stop)
	g.Go(func() error { return core.Run(context.Background()) })
	g.Go(func() error { return mux.Run(context.Background()) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("[INFO] shutting down")
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		err := server.Shutdown(ctx)
		core.Close()
		return err
	})

	log.Printf("Key database: %s", keys.Path())
	if err := g.Wait(); err != nil {
		log.Fatalf("HSM Server error: %v", err)
	}
}
