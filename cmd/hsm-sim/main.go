package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/hsm_server"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/rng"
	"github.com/verifiable-state-chains/hsmcore/simulator"
)

func main() {
	clients := flag.Int("clients", 4, "Number of concurrent simulated callers")
	rounds := flag.Int("rounds", 100, "Encrypt/decrypt round trips per caller")
	queue := flag.Int("queue-capacity", 16, "Capacity of each core queue")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	flag.Parse()

	core := hsm_server.NewCore(hsm_server.CoreConfig{QueueCapacity: *queue}, keystore.NewMemoryStore(), rng.SystemEntropy{})
	mux := hsm_client.NewMux(core.API(), nil)

	ctx := context.Background()
	coreDone := make(chan error, 1)
	go func() { coreDone <- core.Run(ctx) }()
	go mux.Run(ctx)

	pool := simulator.NewClientSimulatorPool(mux, *timeout, *clients, nil)
	start := time.Now()
	runErr := pool.RunConcurrentRoundTrips(ctx, *rounds, "sim")
	elapsed := time.Since(start)

	core.Close()
	if err := <-coreDone; err != nil {
		log.Printf("[WARNING] core stopped with error: %v", err)
	}

	stats := pool.GetTotalStats()
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for _, id := range ids {
		s := stats[id]
		total += s.Requests
		fmt.Printf("%-14s round trips=%d ok=%d failed=%d requests=%d\n", id, s.RoundTrips, s.Succeeded, s.Failed, s.Requests)
	}
	fmt.Printf("Total requests: %d in %v (%.0f req/s)\n", total, elapsed, float64(total)/elapsed.Seconds())

	if runErr != nil {
		log.Fatalf("Simulation failed: %v", runErr)
	}
}
