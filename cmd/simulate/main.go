// Command simulate writes a synthetic detection table with known per-region rates.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/logging"
	"github.com/libsize/server/internal/synth"
)

func main() {
	out := flag.String("out", "detections.csv", "Output path (.csv, .tsv, optionally .gz or .zst)")
	seed := flag.Uint64("seed", 1, "Random seed")
	params := flag.String("params", "", "YAML file with a synthetic dataset description")
	bins := flag.Int("bins", 0, "Bins per sample (overrides params)")
	flag.Parse()

	logger := logging.Must(logging.Config{Level: "info", Format: logging.FormatConsole})

	cfg := synth.EndToEnd(*seed)
	if *params != "" {
		data, err := os.ReadFile(*params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read params: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse params: %v\n", err)
			os.Exit(1)
		}
	}
	if *bins > 0 {
		cfg.BinsPerSample = *bins
	}
	if len(cfg.Samples) == 0 || len(cfg.Regions) == 0 || cfg.BinsPerSample <= 0 {
		logger.Fatal().Msg("params need samples, regions and bins_per_sample")
	}

	dets := synth.Detections(cfg)
	if err := transcripts.WriteFile(*out, dets); err != nil {
		logger.Fatal().Err(err).Msg("failed to write detections")
	}
	logger.Info().
		Str("path", *out).
		Int("detections", len(dets)).
		Strs("samples", cfg.Samples).
		Int("resolution", synth.Resolution(cfg)).
		Msg("synthetic detections written")
}
