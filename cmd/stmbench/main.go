// Command stmbench drives a configurable concurrent workload against a
// tl2stm region and reports the commit/abort counts it produced.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()

	root := &cobra.Command{
		Use:   "stmbench",
		Short: "Run a concurrent benchmark workload against a tl2stm region",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cfg)
		},
	}

	var flags *flag.FlagSet = root.Flags()
	flags.Uint64Var(&cfg.regionSize, "region-size", cfg.regionSize, "byte size of the region's first segment")
	flags.Uint64Var(&cfg.regionAlign, "region-align", cfg.regionAlign, "alignment in bytes, a power of two no smaller than a word")
	flags.IntVar(&cfg.workers, "workers", cfg.workers, "number of concurrent worker goroutines")
	flags.IntVar(&cfg.iterations, "iterations", cfg.iterations, "transactions attempted per worker")
	flags.Float64Var(&cfg.conflictRate, "conflict-rate", cfg.conflictRate, "fraction of writes aimed at the shared hot address rather than a worker-private one")
	flags.IntVar(&cfg.maxRetries, "max-retries", cfg.maxRetries, "retries permitted per logical update before it is counted as abandoned")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "if set, serve Prometheus metrics on this address for the run's duration")

	return root
}
