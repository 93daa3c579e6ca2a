package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dht-scanner/pkg/dht"
)

func main() {
	var (
		hash        = flag.String("hash", "", "Single torrent info-hash to scan for (40 hex chars)")
		hashFile    = flag.String("hash-file", "", "File with newline-separated info-hashes")
		output      = flag.String("output", "output.json", "Output JSON file")
		budget      = flag.Duration("budget", 30*time.Second, "Scan budget per hash")
		listen      = flag.String("listen", "0.0.0.0:0", "UDP listen address")
		concurrency = flag.Int("concurrency", 1, "Concurrent hash lookups (1 = sequential)")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	hashes, err := collectHashes(*hash, *hashFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if len(hashes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: No hash or hash file provided! Use -hash <hash_str> or -hash-file <filepath>")
		return
	}
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: No output file provided! Use -output <file>.json")
		return
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg := dht.DefaultConfig()
	cfg.ListenAddr = *listen
	cfg.ScanBudget = *budget
	cfg.ScanConcurrency = *concurrency

	scanner, err := dht.New(logger, cfg)
	if err != nil {
		logger.Fatal("failed to create scanner", zap.Error(err))
	}

	// Interrupts cancel the scan; peers found so far are still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Waiting for DHT to load...")
	scanner.Start(ctx)
	defer scanner.Stop()

	fmt.Println("Starting DHT scan...")
	result, err := scanner.Scan(ctx, hashes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	data, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		logger.Fatal("failed to encode results", zap.Error(err))
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		logger.Fatal("failed to write results", zap.Error(err))
	}

	fmt.Printf("Results saved to %s.\n", *output)
}

// collectHashes gathers targets from the -hash flag or a hash file,
// skipping blank lines.
func collectHashes(single, file string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}
	if file == "" {
		return nil, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading hash file: %w", err)
	}
	var hashes []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
