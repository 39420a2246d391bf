package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tl2stm/pkg/logging"
	"tl2stm/pkg/metrics"
	"tl2stm/pkg/region"
	"tl2stm/pkg/stmdb"
	"tl2stm/pkg/tm"
)

var log = logging.For("stmbench")

type result struct {
	commits   uint64
	abandoned uint64
}

func runBench(cfg config) error {
	m := metrics.New()
	db, err := stmdb.Open(cfg.regionSize, cfg.regionAlign, tm.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("opening region: %w", err)
	}
	defer db.Close()

	stopMetrics := maybeServeMetrics(cfg.metricsAddr, m)
	defer stopMetrics()

	hot := db.Manager().Start()

	var wg sync.WaitGroup
	results := make([]result, cfg.workers)
	wg.Add(cfg.workers)
	for w := 0; w < cfg.workers; w++ {
		go func(w int) {
			defer wg.Done()
			results[w] = runWorker(db, cfg, hot, w)
		}(w)
	}
	wg.Wait()

	var commits, abandoned uint64
	for _, r := range results {
		commits += r.commits
		abandoned += r.abandoned
	}
	log.WithFields(map[string]interface{}{
		"commits":   commits,
		"abandoned": abandoned,
	}).Info("workload finished")
	fmt.Printf("commits=%d abandoned=%d\n", commits, abandoned)
	return nil
}

// runWorker attempts cfg.iterations read-modify-write updates. Each update
// targets the shared hot address with probability cfg.conflictRate and a
// worker-private address otherwise, so the conflict rate is tunable without
// changing the region's shape.
func runWorker(db *stmdb.Db, cfg config, hot region.Addr, w int) result {
	rng := rand.New(rand.NewSource(int64(w) + 1))
	wordsPerAlign := cfg.regionAlign / region.WordSize
	totalWords := cfg.regionSize / region.WordSize
	private := hot + region.Addr(uint64(w+1)*wordsPerAlign%totalWords)

	var r result
	for i := 0; i < cfg.iterations; i++ {
		target := private
		if rng.Float64() < cfg.conflictRate {
			target = hot
		}

		err := db.Update(cfg.maxRetries, func(tx *tm.Transaction) error {
			buf := make([]uint64, 1)
			tx.Read(target, buf)
			buf[0]++
			tx.Write(target, buf)
			return nil
		})
		if err != nil {
			r.abandoned++
			continue
		}
		r.commits++
	}
	return r
}

func maybeServeMetrics(addr string, m *metrics.Metrics) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			signal.Stop(sigCh)
		})
	}
	return stop
}
