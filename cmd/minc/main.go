// Command minc runs the M|inc economic simulation over a BFF soup trace.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/talgya/minc/internal/aggregate"
	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/engine"
	"github.com/talgya/minc/internal/model"
	"github.com/talgya/minc/internal/sink"
	"github.com/talgya/minc/internal/trace"
)

func main() {
	configPath := flag.String("config", getEnvOrDefault("MINC_CONFIG", ""), "YAML config path (empty = defaults)")
	tracePath := flag.String("trace", getEnvOrDefault("MINC_TRACE", ""), "JSON-lines soup trace (empty = synthetic)")
	dbPath := flag.String("db", getEnvOrDefault("MINC_DB", "data/minc.db"), "results database path")
	ticks := flag.Int("ticks", envInt("MINC_TICKS", 200), "ticks to simulate (synthetic traces)")
	tapes := flag.Int("tapes", envInt("MINC_TAPES", 100), "tape count (synthetic traces)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if env := os.Getenv("MINC_SEED"); env != "" {
		seed, err := strconv.ParseUint(env, 10, 64)
		if err != nil {
			slog.Error("bad MINC_SEED", "value", env)
			os.Exit(1)
		}
		cfg.Seed = seed
		if err := cfg.Finalize(); err != nil {
			slog.Error("config finalize failed", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("config loaded", "seed", cfg.Seed, "config_hash", cfg.Hash())

	var source trace.Source
	if *tracePath != "" {
		fs, err := trace.OpenFile(*tracePath)
		if err != nil {
			slog.Error("trace open failed", "path", *tracePath, "error", err)
			os.Exit(1)
		}
		defer fs.Close()
		source = fs
		slog.Info("trace opened", "path", *tracePath)
	} else {
		source = trace.NewSynthetic(cfg.Seed, *tapes, *ticks)
		slog.Info("synthetic trace", "tapes", *tapes, "epochs", *ticks)
	}

	if err := run(cfg, source, *dbPath); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, source trace.Source, dbPath string) error {
	os.MkdirAll(filepath.Dir(dbPath), 0755)
	store, err := sink.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := engine.New(cfg, cfg.Seed)
	if err != nil {
		return err
	}

	first, err := source.Next()
	if err != nil {
		return fmt.Errorf("first epoch: %w", err)
	}
	if err := eng.Initialize(first); err != nil {
		return err
	}

	meta := eng.Meta(time.Now().UTC().Format(time.RFC3339))
	if err := store.BeginRun(meta); err != nil {
		return err
	}
	slog.Info("run started", "run_id", meta.RunID, "db", dbPath)

	tick := uint64(0)
	epoch := first
	for {
		result, err := eng.ProcessTick(tick, epoch)
		if err != nil {
			// A failed tick aborts the run; batch drivers may choose to
			// skip and continue instead.
			return err
		}
		if err := store.WriteTick(meta.RunID, result); err != nil {
			return err
		}
		tick++

		epoch, err = source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	final := eng.Finalize()
	if err := store.WriteFinal(meta.RunID, final); err != nil {
		return err
	}
	if mismatches := eng.ValidateWitnesses(); mismatches > 0 {
		slog.Error("witness mismatches detected", "count", mismatches)
	}
	logSummary(eng, final, tick)
	return nil
}

func logSummary(eng *engine.Engine, final []model.AgentSnapshot, ticks uint64) {
	currencyTotal := int64(0)
	wealthTotal := int64(0)
	wealths := make([]int64, 0, len(final))
	byRole := map[model.Role]int{}
	for _, snap := range final {
		currencyTotal += snap.Currency
		wealthTotal += snap.WealthTotal
		wealths = append(wealths, snap.WealthTotal)
		byRole[snap.Role]++
	}

	stats := eng.CacheStats()
	slog.Info("run complete",
		"ticks", ticks,
		"agents", len(final),
		"kings", byRole[model.RoleKing],
		"knights", byRole[model.RoleKnight],
		"mercenaries", byRole[model.RoleMercenary],
		"currency_total", humanize.Comma(currencyTotal),
		"wealth_total", humanize.Comma(wealthTotal),
		"gini", fmt.Sprintf("%.4f", aggregate.Gini(wealths)),
		"cache_hits", stats.Hits,
		"cache_misses", stats.Misses,
		"cache_evictions", stats.Evictions,
	)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
