// Command lock_contention hammers one distributed lock from many goroutines
// and verifies mutual exclusion: at no point may two workers hold the lock at
// once. Runs against a real Redis when -redis is set, otherwise against the
// in-memory store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
)

func main() {
	workers := flag.Int("workers", 16, "concurrent goroutines contending the lock")
	rounds := flag.Int("rounds", 20, "acquisitions per worker")
	hold := flag.Duration("hold", 5*time.Millisecond, "time each worker holds the lock")
	redisURL := flag.String("redis", "", "redis URL; empty runs against the in-memory store")
	flag.Parse()

	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var store kv.Store
	if *redisURL != "" {
		rs, err := kv.NewRedisStore(ctx, kv.RedisConfig{URL: *redisURL, Logger: quiet})
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	} else {
		store = kv.NewMemoryStore()
	}

	svc, err := lock.NewService(lock.Config{
		Store:          store,
		Logger:         quiet,
		Namespace:      "verify",
		TTL:            5 * time.Second,
		AcquireTimeout: 30 * time.Second,
		PollInterval:   2 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock service: %v\n", err)
		os.Exit(1)
	}

	var (
		holders   atomic.Int32
		overlaps  atomic.Int32
		succeeded atomic.Int32
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < *rounds; r++ {
				h, err := svc.Acquire(ctx, "contended-resource")
				if err != nil {
					fmt.Fprintf(os.Stderr, "acquire: %v\n", err)
					continue
				}
				if holders.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(*hold)
				holders.Add(-1)
				if err := svc.Release(ctx, h); err != nil {
					fmt.Fprintf(os.Stderr, "release: %v\n", err)
					continue
				}
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	want := int32(*workers * *rounds)
	fmt.Printf("ACQUISITIONS=%d/%d\n", succeeded.Load(), want)
	fmt.Printf("OVERLAPS=%d\n", overlaps.Load())
	fmt.Printf("ELAPSED=%s\n", elapsed.Truncate(time.Millisecond))

	if overlaps.Load() != 0 || succeeded.Load() != want {
		fmt.Println("RESULT=FAIL")
		os.Exit(1)
	}
	fmt.Println("RESULT=PASS")
}
