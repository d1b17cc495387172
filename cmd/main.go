package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"promptbatch/internal/app"
	"promptbatch/internal/config"
	"promptbatch/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "promptbatch",
	Short: "Execute batches of LLM prompts with rate limiting and checkpointing",
	Long:  `A concurrent batch prompt execution engine with rate limiting, classified retries, circuit breaking, checkpoint/resume, and idempotent deduplication.`,
	RunE:  runBatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Batch flags
	rootCmd.Flags().String("input", "", "Input NDJSON file of task requests (required)")
	rootCmd.Flags().String("output", "./output.ndjson", "Output file for successful results")
	rootCmd.Flags().String("failed", "./failed.ndjson", "Output file for failed results")
	rootCmd.Flags().String("checkpoint", "./checkpoint.json", "Checkpoint file")
	rootCmd.Flags().String("batch-id", "", "Batch identifier (generated when empty)")
	rootCmd.Flags().Int("concurrency", 4, "Number of concurrent workers")
	rootCmd.Flags().Int("queue-size", 1000, "Maximum queued tasks")
	rootCmd.Flags().Bool("priority", false, "Dispatch queued tasks by priority")
	rootCmd.Flags().Int("task-timeout-ms", 60000, "Per-task execution timeout in milliseconds")
	rootCmd.Flags().Int("checkpoint-interval", 10, "Persist checkpoint every N completed tasks")

	// Resume flags
	rootCmd.Flags().Bool("resume", false, "Resume from checkpoint")
	rootCmd.Flags().Bool("only-failed", false, "Reprocess only previously failed tasks")
	rootCmd.Flags().Bool("skip-completed", false, "Reprocess every task not recorded as completed")

	// Retry and rate-limit flags
	rootCmd.Flags().Int("max-retries", 3, "Maximum retry attempts per task")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().Float64("rpm", 60, "Default requests per minute per model")
	rootCmd.Flags().Float64("tpm", 0, "Default tokens per minute per model (0 disables)")
	rootCmd.Flags().Float64("burst", 10, "Rate limiter burst capacity")

	// Transport flags
	rootCmd.Flags().String("transport", "simulate", "Transport backend (simulate/ollama/gemini)")
	rootCmd.Flags().String("model", "default", "Default model for tasks that do not specify one")
	rootCmd.Flags().String("api-key", "", "API key for the gemini transport")
	rootCmd.Flags().Bool("dry-run", false, "Force the simulated transport")

	// Idempotency and observability flags
	rootCmd.Flags().Bool("idempotency", false, "Skip tasks whose content was already processed")
	rootCmd.Flags().String("idempotency-db", "", "Idempotency database file (in-memory when empty)")
	rootCmd.Flags().Bool("metrics", false, "Expose prometheus metrics")
	rootCmd.Flags().String("metrics-addr", ":8080", "Metrics listen address")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Create the runner
	runner, err := app.NewRunner(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	// Run the batch
	_, err = runner.Run(ctx)

	// Close runner resources after the batch completes or is cancelled
	if closeErr := runner.Close(); closeErr != nil {
		log.Error("Error closing runner", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
