// ============================================================================
// taskengine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Operator-facing command line interface based on the Cobra
//          framework
//
// Command Structure:
//   taskengine                    # Root command
//   ├── run                       # Start the engine and block until signalled
//   │   └── --config, -c         # Specify config file
//   ├── submit                    # Submit one demo task (optionally sleeping)
//   │   └── --file, -f           # Submit a batch of tasks from a JSON file
//   ├── status                    # Print a point-in-time engine snapshot
//   ├── --version                 # Display version information
//   └── --help                    # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml), with
//   worker/memory/metrics sections.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskengine/internal/adaptive"
	"taskengine/internal/facade"
	"taskengine/internal/microjob"
	"taskengine/pkg/types"
)

// Config represents the complete system configuration structure, mapped
// through YAML tags.
type Config struct {
	Worker struct {
		WorkerCount     int           `yaml:"worker_count"`
		DefaultTimeout  time.Duration `yaml:"default_timeout"`
		WorkloadProfile string        `yaml:"workload_profile"`
	} `yaml:"worker"`

	Memory struct {
		Limit           string        `yaml:"limit"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		PoolMax         int           `yaml:"pool_max"`
	} `yaml:"memory"`

	Backpressure struct {
		Strategy   string `yaml:"strategy"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"backpressure"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskengine",
		Short: "taskengine: a reusable parallel task-execution engine",
		Long: `taskengine offloads closures from a single cooperative caller to a
pool of goroutines, returns results asynchronously, and retunes its own
sizing from observed system and runtime metrics.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Worker.WorkerCount = 0 // 0 resolves to runtime.NumCPU() inside the pool
	cfg.Memory.CleanupInterval = 5 * time.Second

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func newEngine(cfg *Config) (*facade.Engine, error) {
	opts := facade.Options{
		WorkerCount:            cfg.Worker.WorkerCount,
		WorkloadProfile:        adaptiveProfile(cfg.Worker.WorkloadProfile),
		MemoryLimitText:        cfg.Memory.Limit,
		CleanupInterval:        cfg.Memory.CleanupInterval,
		PoolMax:                cfg.Memory.PoolMax,
		DefaultTimeout:         cfg.Worker.DefaultTimeout,
		BackpressurePolicy:     cfg.Backpressure.Strategy,
		BackpressureBufferSize: cfg.Backpressure.BufferSize,
	}
	eng := facade.New(opts)
	if err := eng.Configure(opts); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return eng, nil
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and block until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine()
		},
	}
	return cmd
}

func runEngine() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting taskengine with config: %s\n", configFile)
	log.Printf("Workers: %d, DefaultTimeout: %s\n", cfg.Worker.WorkerCount, cfg.Worker.DefaultTimeout)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("Engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	if err := eng.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("Engine stopped. Goodbye!")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var file string
	var sleepMs int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one demo task, or a batch from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			eng, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			if file != "" {
				return submitBatchFromFile(eng, file)
			}
			return submitSingleDemoTask(eng, sleepMs)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file of named tasks to submit as a batch")
	cmd.Flags().IntVar(&sleepMs, "sleep-ms", 0, "milliseconds the demo task sleeps before returning")

	return cmd
}

func submitSingleDemoTask(eng *facade.Engine, sleepMs int) error {
	id, err := eng.Run(microjob.RunFunc(func(ctx context.Context) (any, error) {
		if sleepMs > 0 {
			select {
			case <-time.After(time.Duration(sleepMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "ok", nil
	}))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	outcome, err := eng.AwaitOne(id, 0)
	if err != nil {
		return fmt.Errorf("await: %w", err)
	}
	log.Printf("task %d finished: %s\n", id, outcome)
	return nil
}

// batchTaskSpec is the JSON shape accepted by `submit -f`.
type batchTaskSpec struct {
	Name      string `json:"name"`
	SleepMs   int    `json:"sleep_ms"`
	ShouldErr bool   `json:"should_error"`
}

func submitBatchFromFile(eng *facade.Engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading batch file: %w", err)
	}
	var specs []batchTaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parsing batch file: %w", err)
	}

	named := make([]facade.NamedTask, 0, len(specs))
	for _, s := range specs {
		s := s
		named = append(named, facade.NamedTask{
			Name: s.Name,
			Fn: microjob.RunFunc(func(ctx context.Context) (any, error) {
				if s.SleepMs > 0 {
					time.Sleep(time.Duration(s.SleepMs) * time.Millisecond)
				}
				if s.ShouldErr {
					return nil, fmt.Errorf("task %s failed as requested", s.Name)
				}
				return s.Name + ":done", nil
			}),
		})
	}

	entries, err := eng.Batch(named, func(ev types.ProgressEvent) {
		log.Printf("progress: %d/%d — last: %s\n", ev.Completed, ev.Total, ev.Last.Name)
	})
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	for _, e := range entries {
		log.Printf("%s -> %s\n", e.Name, e.Outcome)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a point-in-time engine snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			eng, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			snap := eng.Snapshot()
			fmt.Printf("workers=%d queued=%d running=%d completed=%d failed=%d cancelled=%d success_rate=%.2f avg_exec_ms=%.2f\n",
				snap.WorkerCount, snap.QueuedTasks, snap.RunningTasks, snap.CompletedTasks,
				snap.FailedTasks, snap.CancelledTasks, snap.SuccessRate, snap.AverageExecMs)
			return nil
		},
	}
}

func adaptiveProfile(s string) adaptive.Profile {
	return adaptive.Profile(s)
}
