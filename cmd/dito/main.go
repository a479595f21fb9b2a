// Command dito runs distributed integration test scenarios against
// virtualized services, an in-memory broker, and isolated test databases.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/dito/pkg/broker"
	"github.com/ormasoftchile/dito/pkg/harness"
	"github.com/ormasoftchile/dito/pkg/runtime"
	"github.com/ormasoftchile/dito/pkg/schema"
	"github.com/ormasoftchile/dito/pkg/virtual"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// errScenarioFailed maps to exit code 1, errValidation to exit code 2.
var (
	errScenarioFailed = errors.New("scenario failed")
	errValidation     = errors.New("validation failed")
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "dito",
	Short:         "Distributed integration test orchestrator",
	Long:          "dito — declarative integration test scenarios over virtualized services, with circuit breakers, isolated databases and typed assertions.",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().String("mocks", "", "mock endpoint definitions YAML")
	runCmd.Flags().Bool("parallel", false, "run dependency groups concurrently regardless of the scenario setting")
	runCmd.Flags().String("artifacts", ".dito/runs", "directory for run traces")
	runCmd.Flags().String("db", "", "test database backend (sqlite, redis)")
	runCmd.Flags().String("redis-addr", "localhost:6379", "redis address for --db redis")
	runCmd.Flags().String("replay-dir", "", "load recorded interactions from <dir>/<service>.json")
	runCmd.Flags().String("record-dir", "", "save interactions to <dir>/<service>.json after the run")
	runCmd.Flags().Bool("json", false, "print the run result as JSON")
	viper.BindPFlags(runCmd.Flags())

	rootCmd.AddCommand(runCmd, validateCmd, schemaCmd)
}

// initConfig layers configuration: defaults, then dito.yaml, then DITO_*
// environment variables, then flags (already bound).
func initConfig() error {
	viper.SetConfigName("dito")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("DITO")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [scenario.yaml]",
	Short: "Validate a scenario YAML file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	sc, errs := schema.ValidateFile(args[0])
	if reportValidation(errs) {
		return errValidation
	}
	fmt.Printf("✓ %s is valid (%d steps, %d assertions)\n", sc.Name, len(sc.Steps), len(sc.Assertions))
	return nil
}

// reportValidation prints warnings and errors, returning true when any
// error (not warning) was present.
func reportValidation(errs []*schema.ValidationError) bool {
	var hard []*schema.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
			}
			continue
		}
		hard = append(hard, e)
	}
	if len(hard) == 0 {
		return false
	}
	fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(hard))
	for i, e := range hard {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
		}
	}
	return true
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the scenario JSON Schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [scenario.yaml]",
	Short: "Execute a scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  runScenario,
}

// mocksFile is the on-disk shape of --mocks: per-service endpoint
// definitions and virtualization mode.
type mocksFile struct {
	Services map[string]struct {
		Mode      string                  `yaml:"mode"`
		Endpoints []*virtual.MockEndpoint `yaml:"endpoints"`
	} `yaml:"services"`
}

func loadMocks(path string) (*mocksFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mocks file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var mf mocksFile
	if err := dec.Decode(&mf); err != nil {
		return nil, fmt.Errorf("decode mocks file: %w", err)
	}
	return &mf, nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	sc, errs := schema.ValidateFile(args[0])
	if reportValidation(errs) {
		return errValidation
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runID := runtime.GenerateRunID()
	rc := runtime.NewContext(runID)
	defer func() {
		if err := rc.Teardown(); err != nil {
			logger.Warn("teardown failed", zap.Error(err))
		}
	}()

	var mocks *mocksFile
	if path := viper.GetString("mocks"); path != "" {
		if mocks, err = loadMocks(path); err != nil {
			return err
		}
	}
	if err := setupProxies(sc, rc, mocks, logger); err != nil {
		return err
	}

	rc.SetBroker(broker.NewMemory(logger))

	if backend := viper.GetString("db"); backend != "" {
		db, err := harness.Setup(ctx, harness.Config{
			Name:    sc.Name,
			Backend: harness.Backend(backend),
			Addr:    viper.GetString("redis-addr"),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("database setup: %w", err)
		}
		rc.SetDatabase(db)
	}

	if viper.GetBool("parallel") {
		sc.ParallelExecution = true
	}

	runDir := filepath.Join(viper.GetString("artifacts"), runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	trace, err := runtime.NewTraceWriter(filepath.Join(runDir, "trace.jsonl"))
	if err != nil {
		return err
	}
	defer trace.Close()

	executor := runtime.NewExecutor(logger)
	if !viper.GetBool("json") {
		unsub := executor.Subscribe(printProgress)
		defer unsub()
	}

	result, err := executor.RunScenario(ctx, sc, rc, trace)
	if err != nil {
		return err
	}

	if dir := viper.GetString("record-dir"); dir != "" {
		if err := saveRecordings(sc, rc, dir); err != nil {
			return err
		}
	}

	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printSummary(result)
	}

	if result.Status != runtime.StatusPassed {
		return errScenarioFailed
	}
	return nil
}

// setupProxies registers one proxy per service the scenario names,
// configured from the mocks file and the replay directory.
func setupProxies(sc *schema.Scenario, rc *runtime.Context, mocks *mocksFile, logger *zap.Logger) error {
	replayDir := viper.GetString("replay-dir")
	for _, service := range sc.Services {
		cfg := virtual.ProxyConfig{
			Service: service,
			Mode:    virtual.ModeMock,
			Logger:  logger,
		}
		var endpoints []*virtual.MockEndpoint
		if mocks != nil {
			if svc, ok := mocks.Services[service]; ok {
				if svc.Mode != "" {
					cfg.Mode = svc.Mode
				}
				endpoints = svc.Endpoints
			}
		}
		if replayDir != "" {
			cfg.Mode = virtual.ModeReplay
			cfg.RecordingPath = filepath.Join(replayDir, service+".json")
		}

		p, err := virtual.NewServiceProxy(cfg, virtual.WithResolver(rc.Resolver()))
		if err != nil {
			return err
		}
		for _, ep := range endpoints {
			p.AddMockEndpoint(ep)
		}
		rc.RegisterProxy(p)
	}
	return nil
}

// saveRecordings writes each proxy's interaction log to <dir>/<service>.json.
func saveRecordings(sc *schema.Scenario, rc *runtime.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}
	for _, service := range sc.Services {
		p, err := rc.Proxy(service)
		if err != nil {
			return err
		}
		if err := p.SaveRecording(filepath.Join(dir, service+".json")); err != nil {
			return err
		}
	}
	return nil
}

func printProgress(ev runtime.Event) {
	switch ev.Type {
	case runtime.EventStepStarted:
		fmt.Printf("  → %s\n", ev.StepID)
	case runtime.EventStepRetrying:
		fmt.Printf("  ↻ %s (attempt %d: %s)\n", ev.StepID, ev.Attempt, ev.Error)
	case runtime.EventStepFinished:
		mark := "✓"
		if ev.Status == runtime.StatusFailed {
			mark = "✗"
		} else if ev.Status == runtime.StatusSkipped {
			mark = "-"
		}
		fmt.Printf("  %s %s (%s)\n", mark, ev.StepID, ev.Status)
	case runtime.EventAssertionEvaluated:
		mark := "✓"
		if !ev.Assertion.Passed {
			mark = "✗"
		}
		fmt.Printf("  %s assert %s %s: %s\n", mark, ev.Assertion.Type, ev.Assertion.Target, ev.Assertion.Message)
	}
}

func printSummary(r *runtime.Result) {
	fmt.Printf("\n%s: %s in %s\n", r.Scenario, r.Status, r.Duration.Round(time.Millisecond))
	fmt.Printf("  steps: %d passed, %d failed, %d skipped (%d retries)\n",
		r.Metrics.Passed, r.Metrics.Failed, r.Metrics.Skipped, r.Metrics.Retries)
	if r.Metrics.AssertionsPassed+r.Metrics.AssertionsFailed > 0 {
		fmt.Printf("  assertions: %d passed, %d failed\n",
			r.Metrics.AssertionsPassed, r.Metrics.AssertionsFailed)
	}
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
	fmt.Printf("  trace: run %s\n", r.RunID)
}
