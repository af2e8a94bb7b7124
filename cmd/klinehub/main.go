package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
)

const (
	appName = "klinehub"
	version = "v1.0.0"
)

func main() {
	// .env is a development convenience; production sets the environment
	// directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Realtime market-data fan-out and historical K-line engine",
		Version: version,
	}
	// Accept underscored flag spellings, mirroring the env var names.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and historical data server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Optional YAML config overlay")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging applies LOG_LEVEL and the optional LOG_FILE_PATH sink. The
// returned closer is nil when no file is open.
func setupLogging(level, filePath string) (func(), error) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown LOG_LEVEL %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if filePath == "" {
		log.Logger = log.Output(console)
		return nil, nil
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, f))
	return func() { f.Close() }, nil
}
