package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-joblock/v1/lock"
	"github.com/mirkobrombin/go-joblock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	requests    = flag.Int("n", 100000, "Total number of lock attempts")
	keys        = flag.Int("k", 8, "Number of distinct lock keys")
	timeout     = flag.Duration("timeout", 0, "Lock timeout (0 for untimed locks)")
	hold        = flag.Duration("hold", 0, "Time spent inside the lock")
	backend     = flag.String("backend", "memory", "Lock store: memory, redis or nats")
	addr        = flag.String("addr", "", "Redis address or NATS URL")
)

func stack() (*presets.Stack, error) {
	switch *backend {
	case "redis":
		a := *addr
		if a == "" {
			a = "localhost:6379"
		}
		return presets.NewRedis(presets.RedisOptions{Addr: a}), nil
	case "nats":
		return presets.NewNATS(presets.NATSOptions{URL: *addr})
	default:
		return presets.NewInMemoryStandalone(), nil
	}
}

func main() {
	flag.Parse()
	if *concurrency <= 0 || *keys <= 0 {
		log.Fatal("-c and -k must be positive")
	}

	log.Printf("Starting benchmark: %d attempts, %d workers, %d keys, backend %s", *requests, *concurrency, *keys, *backend)

	s, err := stack()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer s.Close()

	l := s.Lock("bench", lock.WithTimeout(*timeout))
	holders := make([]atomic.Int32, *keys)

	var acquired, denied, failed, violations atomic.Int64
	ctx := context.Background()
	perWorker := *requests / *concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		worker := i
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				k := (worker + j) % *keys
				ran := false
				err := l.Around(gctx, func(context.Context) error {
					ran = true
					if holders[k].Add(1) > 1 {
						violations.Add(1)
					}
					if *hold > 0 {
						time.Sleep(*hold)
					}
					holders[k].Add(-1)
					return nil
				}, k)
				switch {
				case err != nil:
					failed.Add(1)
				case ran:
					acquired.Add(1)
				default:
					denied.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	total := acquired.Load() + denied.Load() + failed.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f attempts/s", float64(total)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f µs", elapsed.Seconds()/float64(total)*1e6*float64(*concurrency))
	log.Printf("Acquired: %d, Denied: %d, Errors: %d", acquired.Load(), denied.Load(), failed.Load())
	if violations.Load() > 0 {
		log.Printf("Mutual exclusion violations: %d", violations.Load())
	}
}
