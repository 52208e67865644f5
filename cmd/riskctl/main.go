package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"biomarker-risk/internal/cfg"
	"biomarker-risk/internal/client"
	"biomarker-risk/internal/ingest"
	"biomarker-risk/internal/ml"
	"biomarker-risk/internal/scoring"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: riskctl <command> [flags]

commands:
  score       score a CSV file of subjects
  importance  list biomarkers by global importance
  schema      print the ordered feature schema
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	var (
		file      = fs.String("file", "", "CSV file to score")
		topN      = fs.Int("top", 20, "Number of biomarkers to list")
		remote    = fs.String("remote", "", "Base URL of a running riskd; scores locally when empty")
		modelPath = fs.String("model", "", "Model artifact (overrides MODEL_PATH)")
		scaler    = fs.String("scaler", "", "Scaler artifact (overrides SCALER_PATH)")
		timeout   = fs.Duration("timeout", 30*time.Second, "Remote request timeout")
		logLevel  = fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx := context.Background()
	var out interface{}

	if *remote != "" {
		c := client.New(*remote, *timeout)
		switch os.Args[1] {
		case "score":
			requireFile(*file)
			out, err = c.ScoreFile(ctx, *file)
		case "importance":
			out, err = c.Importance(ctx, *topN)
		case "schema":
			out, err = c.RequiredFeatures(ctx)
		default:
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
	} else {
		svc := loadLocal(*modelPath, *scaler)
		switch os.Args[1] {
		case "score":
			requireFile(*file)
			if err = ingest.CheckFilename(*file); err == nil {
				out, err = scoreLocal(svc, *file)
			}
		case "importance":
			out, err = svc.GlobalFeatureImportance(*topN)
		case "schema":
			out = svc.Schema()
		default:
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
	}

	if err != nil {
		log.Error().Err(err).Str("kind", ml.Kind(err)).Msg("command failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("failed to write output")
	}
}

func requireFile(path string) {
	if path == "" {
		log.Fatal().Msg("-file is required")
	}
}

func loadLocal(modelPath, scalerPath string) *scoring.Service {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if modelPath != "" {
		c.ModelPath = modelPath
	}
	if scalerPath != "" {
		c.ScalerPath = scalerPath
	}

	svc, err := scoring.Load(c, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load scoring artifacts")
	}
	return svc
}

func scoreLocal(svc *scoring.Service, path string) (*scoring.BatchResult, error) {
	table, err := ingest.ReadCSVFile(path)
	if err != nil {
		return nil, err
	}
	return svc.ScoreBatch(table)
}
