// Command tinymem-bench drives one forward pass over a TMAI model file
// and reports memory usage. Its flat main()-plus-one-RunE shape follows
// cmd/inos-node/main.go's wiring style, rebuilt on github.com/spf13/cobra
// and github.com/spf13/viper rather than a hand-rolled flag.FlagSet.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinymem/tinymem/internal/config"
	"github.com/tinymem/tinymem/kernel/capability"
	"github.com/tinymem/tinymem/kernel/memory/hierarchical"
	"github.com/tinymem/tinymem/kernel/memory/sizeclass"
	"github.com/tinymem/tinymem/kernel/model/mapped"
	"github.com/tinymem/tinymem/kernel/schedule"
	"github.com/tinymem/tinymem/kernel/telemetry"
)

// Report is the benchmark's output schema, exported as JSON or CSV.
type Report struct {
	ModelPath    string        `json:"model_path"`
	LayerCount   int           `json:"layer_count"`
	UsedMmap     bool          `json:"used_mmap"`
	SIMD         bool          `json:"simd"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	PeakBytes    uint64        `json:"peak_bytes"`
	CurrentBytes uint64        `json:"current_bytes"`
}

func main() {
	root := &cobra.Command{
		Use:   "tinymem-bench",
		Short: "Run a forward pass over a TMAI model file and report memory usage",
	}

	v := viper.New()
	config.RegisterFlags(root, v)

	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(v)
		report, err := run(cfg)
		if err != nil {
			return err
		}
		return writeReport(cfg, report)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tinymem-bench:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) (Report, error) {
	if cfg.ModelPath == "" {
		return Report{}, fmt.Errorf("-model is required")
	}

	reg := prometheus.NewRegistry()
	tel, err := telemetry.New(reg, "tinymem-bench")
	if err != nil {
		return Report{}, err
	}
	defer tel.Sync()

	budget := uint64(cfg.MemoryBudgetMB) * 1024 * 1024
	model, err := mapped.Open(cfg.ModelPath, mapped.OpenOptions{
		UseMmap: cfg.UseMmap,
		Budget:  budget,
		OnCacheEvent: func(hit bool) {
			if hit {
				tel.CacheHits.Inc()
			} else {
				tel.CacheMisses.Inc()
			}
		},
		OnEvict: func(layerIndex int, bytes uint32) {
			tel.Logger.Infow("evicted model layer", "layer", layerIndex, "bytes", bytes)
		},
	})
	if err != nil {
		return Report{}, err
	}
	defer model.Close()

	profile := capability.Default().WithSIMD(cfg.SIMD)
	profile.PreferredThreads = cfg.Threads
	pool := hierarchical.New(poolConfig(profile))
	pool.OnPressure(func(level int) {
		tel.Pressure.WithLabelValues("activations").Set(float64(level))
		tel.Logger.Warnw("pool pressure crossed high-water mark", "level", level)
	})
	pool.OnOOM(func(usage hierarchical.Usage, class sizeclass.Class) {
		tel.Logger.Errorw("allocator out of memory", "usage", usage.String(), "class", class.String())
	})

	sched := schedule.New(model, pool, schedule.MemoryOpt, budget, nil)
	for i := 0; i < model.LayerCount(); i++ {
		dependsOn := -1
		kind := schedule.DepNone
		if i > 0 {
			dependsOn = i - 1
			kind = schedule.DepSequential
		}
		if err := sched.AddLayerToSchedule(i, dependsOn, kind, 0); err != nil {
			return Report{}, err
		}
	}

	start := time.Now()
	for {
		ok, err := sched.ExecuteNextLayer(nil, nil)
		if err != nil {
			return Report{}, err
		}
		if !ok {
			break
		}
		tel.SchedulerPeak.Set(float64(sched.PeakMemoryUsage()))
	}
	elapsed := time.Since(start)

	tel.PoolSwitches.Add(float64(pool.PoolSwitches()))
	for class, score := range pool.FragmentationByClass() {
		tel.Fragmentation.WithLabelValues(class.String()).Set(float64(score))
	}
	tel.Logger.Infow("forward pass complete",
		"layers", model.LayerCount(), "elapsed", elapsed,
		"peak_bytes", sched.PeakMemoryUsage(), "pool_switches", pool.PoolSwitches())

	return Report{
		ModelPath:    cfg.ModelPath,
		LayerCount:   model.LayerCount(),
		UsedMmap:     cfg.UseMmap,
		SIMD:         cfg.SIMD,
		Elapsed:      elapsed,
		PeakBytes:    sched.PeakMemoryUsage(),
		CurrentBytes: sched.CurrentMemoryUsage(),
	}, nil
}

func poolConfig(profile capability.Profile) hierarchical.Config {
	mk := func() sizeclass.Config {
		return sizeclass.Config{
			InitialCapacity: 4 * 1024 * 1024,
			MaxCapacity:     256 * 1024 * 1024,
			BlockHint:       4 * 1024 * 1024,
			AllowGrowth:     true,
		}
	}
	cfg := hierarchical.Config{}
	for _, u := range []hierarchical.Usage{hierarchical.Weights, hierarchical.Activations, hierarchical.General} {
		cfg[u] = map[sizeclass.Class]sizeclass.Config{
			sizeclass.Tiny: mk(), sizeclass.Small: mk(), sizeclass.Medium: mk(),
			sizeclass.Large: mk(), sizeclass.XLarge: mk(), sizeclass.Huge: mk(),
		}
	}
	return cfg
}

func writeReport(cfg config.Config, report Report) error {
	out := os.Stdout
	if cfg.ReportPath != "" {
		f, err := os.Create(cfg.ReportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	switch cfg.ReportFormat {
	case "csv":
		w := csv.NewWriter(out)
		defer w.Flush()
		if err := w.Write([]string{"model_path", "layer_count", "used_mmap", "simd", "elapsed_ns", "peak_bytes", "current_bytes"}); err != nil {
			return err
		}
		return w.Write([]string{
			report.ModelPath,
			strconv.Itoa(report.LayerCount),
			strconv.FormatBool(report.UsedMmap),
			strconv.FormatBool(report.SIMD),
			strconv.FormatInt(report.Elapsed.Nanoseconds(), 10),
			strconv.FormatUint(report.PeakBytes, 10),
			strconv.FormatUint(report.CurrentBytes, 10),
		})
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
}
