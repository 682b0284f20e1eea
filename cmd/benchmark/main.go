// Benchmark tool for the Kestrel evaluation core.
//
// Usage:
//
//	go run cmd/benchmark/main.go -count 10000 -batch 100
//
// This tool:
//  1. Builds an in-process pipeline with the default rule set
//  2. Submits synthetic transactions across the amount spectrum
//  3. Waits for the pipeline to drain
//  4. Reports throughput and the recommendation distribution
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func main() {
	count := flag.Int("count", 10000, "number of transactions to submit")
	batch := flag.Int("batch", 100, "pipeline batch size")
	interval := flag.Duration("interval", 10*time.Millisecond, "drain interval")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	eventBus := bus.NewChannelBus(*count)
	defer eventBus.Close()

	var mu sync.Mutex
	recommendations := make(map[string]int)
	done := make(chan struct{})

	_, err := eventBus.Subscribe(context.Background(), domain.TopicTransactionProcessed,
		func(ctx context.Context, msg *domain.Message) error {
			var result domain.ProcessingResult
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				return err
			}
			mu.Lock()
			recommendations[result.Summary.Recommendation]++
			total := 0
			for _, n := range recommendations {
				total += n
			}
			mu.Unlock()
			if total == *count {
				close(done)
			}
			return nil
		})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}

	cfg := domain.DefaultConfig().Pipeline
	cfg.BatchSize = *batch
	cfg.ProcessInterval = *interval
	cfg.RealTime = false

	pipe := pipeline.New(cfg, rules.NewEngine(), nil, eventBus, nil, nil)
	pipe.ReplaceRules(rules.DefaultRules())
	pipe.Start()

	rng := rand.New(rand.NewSource(*seed))
	start := time.Now()

	for i := 0; i < *count; i++ {
		doc := map[string]any{
			"amount": rng.Float64() * 50000,
			"userId": fmt.Sprintf("user-%04d", rng.Intn(1000)),
			"type":   []string{"transfer", "payment", "withdrawal"}[rng.Intn(3)],
			"location": map[string]any{
				"country": []string{"US", "DE", "GB", "IR", "FR"}[rng.Intn(5)],
			},
		}
		if _, err := pipe.Submit(context.Background(), doc); err != nil {
			fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
			os.Exit(1)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Minute):
		fmt.Fprintln(os.Stderr, "timed out waiting for pipeline to drain")
	}
	pipe.Stop()

	elapsed := time.Since(start)
	status := pipe.Status()

	fmt.Printf("processed   %d transactions in %s (%.0f tx/s)\n",
		status.Metrics.Processed, elapsed.Round(time.Millisecond),
		float64(status.Metrics.Processed)/elapsed.Seconds())
	fmt.Printf("avg latency %.2f ms\n", status.Metrics.AvgProcessingMs)
	fmt.Println("recommendations:")
	mu.Lock()
	for rec, n := range recommendations {
		fmt.Printf("  %-20s %d\n", rec, n)
	}
	mu.Unlock()
}
