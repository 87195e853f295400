package main

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"talkspace/loadtest/generator"
	"talkspace/loadtest/metrics"
	"talkspace/loadtest/pool"
)

func main() {
	host := flag.String("host", "localhost:8080", "Server host:port")
	workers := flag.Int("workers", 32, "Number of workers")
	steps := flag.Int("steps", 100000, "Total number of steps to run")
	users := flag.Int("users", 1000, "Number of simulated users")
	rooms := flag.Int("rooms", 20, "Number of rooms")
	warmup := flag.Int("warmup", 1000, "Warmup steps, 0 to skip")
	out := flag.String("out", "results.csv", "CSV output path")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Workload seed")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg := pool.Config{
		Host:       *host,
		Workers:    *workers,
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		Timeout:    5 * time.Second,
		Logger:     logger,
	}

	logger.Info().
		Str("host", *host).
		Int("workers", *workers).
		Int("steps", *steps).
		Int("users", *users).
		Int("rooms", *rooms).
		Msg("starting load test")

	if *warmup > 0 {
		logger.Info().Msg("warmup phase")
		collector, err := metrics.NewCollector(io.Discard)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create warmup collector")
		}
		wcfg := generator.Config{Steps: *warmup, Users: *users, Rooms: *rooms, Buffer: 1000, Seed: ^*seed}
		elapsed := runPhase(cfg, wcfg, collector)
		logger.Info().Dur("elapsed", elapsed).Int("failed", collector.Stats.Failed).Msg("warmup complete")
	}

	logger.Info().Msg("main phase")
	collector, err := metrics.Create(*out)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *out).Msg("failed to create collector")
	}
	elapsed := runPhase(cfg, generator.Config{
		Steps:  *steps,
		Users:  *users,
		Rooms:  *rooms,
		Buffer: 10000,
		Seed:   *seed,
	}, collector)

	collector.WriteSummary(os.Stdout)
	logger.Info().Dur("wall_time", elapsed).Str("csv", *out).Msg("main phase complete")
}

func runPhase(cfg pool.Config, gcfg generator.Config, collector *metrics.Collector) time.Duration {
	collector.Start()
	gen := generator.NewGenerator(gcfg)
	go gen.Run()

	start := time.Now()
	pool.NewPool(cfg, gen.Output, collector).Run()
	elapsed := time.Since(start)

	collector.Close()
	<-collector.Done
	return elapsed
}
