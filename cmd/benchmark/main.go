// Command benchmark drives common/benchmark's workload generator against
// the txfs engine through engine.Adapter, reusing the same
// throughput/latency/amplification harness the teacher built for comparing
// storage engines.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/intellect4all/txfs/common"
	"github.com/intellect4all/txfs/common/benchmark"
	"github.com/intellect4all/txfs/engine"
	"github.com/spf13/cobra"
)

func main() {
	var (
		dataPath    string
		quick       bool
		workload    string
		duration    time.Duration
		concurrency int
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the standard (or quick) benchmark suite against a txfs file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("txfs Benchmark Suite")
			fmt.Println("====================")
			fmt.Printf("Duration: %v\n", duration)
			fmt.Printf("Concurrency: %d\n\n", concurrency)

			var configs []benchmark.Config
			if quick {
				configs = benchmark.QuickWorkloads()
			} else {
				configs = benchmark.StandardWorkloads()
			}

			if cmd.Flags().Changed("duration") {
				for i := range configs {
					configs[i].Duration = duration
				}
			}
			if cmd.Flags().Changed("concurrency") {
				for i := range configs {
					configs[i].Concurrency = concurrency
				}
			}
			if workload != "all" {
				filtered := configs[:0]
				for _, c := range configs {
					if c.Name == workload {
						filtered = append(filtered, c)
					}
				}
				if len(filtered) == 0 {
					return fmt.Errorf("unknown workload %q", workload)
				}
				configs = filtered
			}

			os.Remove(dataPath)
			fs, err := engine.Open(engine.DefaultConfig(dataPath))
			if err != nil {
				return fmt.Errorf("opening %s: %w", dataPath, err)
			}
			defer fs.Close()
			defer os.Remove(dataPath)

			adapter := engine.NewAdapter(fs)

			suite := benchmark.NewComparisonSuite()
			suite.SetWorkloads(configs)
			results := suite.RunComparison(map[string]common.StorageEngine{"txfs": adapter})
			suite.PrintComparisonTable(results)
			return nil
		},
	}
	runCmd.Flags().StringVar(&dataPath, "path", "./bench.txfs", "backing file (recreated on each run)")
	runCmd.Flags().BoolVar(&quick, "quick", false, "run quick benchmarks (shorter duration)")
	runCmd.Flags().StringVar(&workload, "workload", "all", "workload to run by name, or \"all\"")
	runCmd.Flags().DurationVar(&duration, "duration", 60*time.Second, "duration for each benchmark")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 8, "number of concurrent workers")

	rootCmd := &cobra.Command{Use: "benchmark", Short: "Benchmark the txfs storage engine"}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
