// Command bbcore-cli drives a bbcore.Test against a live server and prints
// the resulting TestData as JSON, the way uwnspeedtest's main.go drives
// speedtest.Client end to end from flags and prints a speedtest.Result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/uwnlabs/bbcore"
	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/logging"
	"github.com/uwnlabs/bbcore/model"
)

var version = "dev"

func main() {
	server := flag.String("server", "", "Test server base URL (e.g. http://localhost:8080)")
	pingPath := flag.String("ping-path", "/ping", "Latency-probe endpoint path")
	timeout := flag.Int("timeout", 90, "Overall test timeout, seconds")
	verbose := flag.Bool("verbose", false, "Log phase and stream events to stderr")
	showVersion := flag.Bool("version", false, "Print version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}
	if *server == "" {
		fmt.Fprintln(os.Stderr, "bbcore-cli: -server is required")
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.InfoLevel
	}
	logger := logging.New(level)

	result := run(*server, *pingPath, time.Duration(*timeout)*time.Second, logger, *verbose)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "bbcore-cli: failed to encode JSON: %v\n", err)
		os.Exit(1)
	}
	if !result.Success {
		os.Exit(1)
	}
}

// result is the CLI's JSON report, analogous to speedtest.Result.
type result struct {
	Success           bool                `json:"success"`
	Error             string              `json:"error,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
	BaselineLatencyMs float64             `json:"baseline_latency_ms"`
	Download          model.OptimalParams `json:"download"`
	Upload            model.OptimalParams `json:"upload"`
}

func run(serverURL, pingPath string, timeout time.Duration, logger zerolog.Logger, verbose bool) result {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	test := bbcore.NewTest(bbcore.Options{
		ServerURL: serverURL,
		PingPath:  pingPath,
		Logger:    logger,
	})

	if verbose {
		subscribeProgress(test, logger)
	}

	if err := test.Run(ctx); err != nil {
		return result{Success: false, Error: err.Error(), Timestamp: time.Now().UTC()}
	}

	dl, ul := test.Data().OptimalParams()
	return result{
		Success:           true,
		Timestamp:         time.Now().UTC(),
		BaselineLatencyMs: test.Data().BaselineLatencyAverage(),
		Download:          dl,
		Upload:            ul,
	}
}

func subscribeProgress(test *bbcore.Test, logger zerolog.Logger) {
	bus := test.Bus()
	bus.Subscribe(events.TestPhaseChange, func(ev events.Event) {
		if p, ok := ev.Payload.(events.TestPhaseChangePayload); ok {
			logger.Info().Str("phase", p.Phase.String()).Msg("phase change")
		}
	})
	bus.Subscribe(events.StreamReset, func(ev events.Event) {
		logger.Warn().Msg("emergency cleanup triggered")
	})
}
