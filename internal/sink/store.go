// Package sink provides SQLite-based storage of run results: metadata,
// per-tick metrics, events, and final agents.
package sink

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/minc/internal/engine"
	"github.com/talgya/minc/internal/model"
)

// Store wraps a SQLite connection for run-result persistence.
type Store struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		seed INTEGER NOT NULL,
		config_hash TEXT NOT NULL,
		started_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tick_metrics (
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		entropy REAL NOT NULL,
		compression_ratio REAL NOT NULL,
		copy_score_mean REAL NOT NULL,
		wealth_total INTEGER NOT NULL,
		currency_total INTEGER NOT NULL,
		bribes_paid INTEGER NOT NULL,
		bribes_accepted INTEGER NOT NULL,
		raids_attempted INTEGER NOT NULL,
		raids_won_by_merc INTEGER NOT NULL,
		raids_won_by_knight INTEGER NOT NULL,
		PRIMARY KEY (run_id, tick)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		kind TEXT NOT NULL,
		king TEXT NOT NULL DEFAULT '',
		knight TEXT NOT NULL DEFAULT '',
		merc TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL DEFAULT 0,
		stake INTEGER NOT NULL DEFAULT 0,
		p_knight REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS final_agents (
		run_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		currency INTEGER NOT NULL,
		wealth_total INTEGER NOT NULL,
		wealth_json TEXT NOT NULL,
		employer TEXT NOT NULL DEFAULT '',
		retainer_fee INTEGER NOT NULL,
		bribe_threshold INTEGER NOT NULL,
		alive INTEGER NOT NULL,
		PRIMARY KEY (run_id, agent_id)
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// BeginRun records the run metadata row.
func (s *Store) BeginRun(meta engine.RunMeta) error {
	_, err := s.conn.Exec(
		`INSERT INTO runs (run_id, version, seed, config_hash, started_at) VALUES (?, ?, ?, ?, ?)`,
		meta.RunID, meta.Version, meta.Seed, meta.ConfigHash, meta.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// WriteTick stores one tick's metrics and events.
func (s *Store) WriteTick(runID string, result *model.TickResult) error {
	tx, err := s.conn.Beginx()
	if err != nil {
		return fmt.Errorf("write tick %d: %w", result.Tick, err)
	}
	defer tx.Rollback()

	m := result.Metrics
	if _, err := tx.Exec(
		`INSERT INTO tick_metrics (run_id, tick, entropy, compression_ratio, copy_score_mean,
			wealth_total, currency_total, bribes_paid, bribes_accepted,
			raids_attempted, raids_won_by_merc, raids_won_by_knight)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.Tick, m.Entropy, m.CompressionRatio, m.CopyScoreMean,
		m.WealthTotal, m.CurrencyTotal, m.BribesPaid, m.BribesAccepted,
		m.RaidsAttempted, m.RaidsWonByMerc, m.RaidsWonByKnight,
	); err != nil {
		return fmt.Errorf("write tick %d metrics: %w", result.Tick, err)
	}

	for _, e := range result.Events {
		if _, err := tx.Exec(
			`INSERT INTO events (run_id, tick, kind, king, knight, merc, amount, stake, p_knight, notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.Tick, string(e.Kind), e.King, e.Knight, e.Merc, e.Amount, e.Stake, e.PKnight, e.Notes,
		); err != nil {
			return fmt.Errorf("write tick %d event: %w", result.Tick, err)
		}
	}
	return tx.Commit()
}

// WriteFinal stores the end-of-run agent snapshots.
func (s *Store) WriteFinal(runID string, snapshots []model.AgentSnapshot) error {
	tx, err := s.conn.Beginx()
	if err != nil {
		return fmt.Errorf("write final agents: %w", err)
	}
	defer tx.Rollback()

	for _, snap := range snapshots {
		wealthJSON, err := json.Marshal(snap.Wealth)
		if err != nil {
			return fmt.Errorf("marshal wealth for %s: %w", snap.ID, err)
		}
		alive := 0
		if snap.Alive {
			alive = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO final_agents (run_id, agent_id, role, currency, wealth_total,
				wealth_json, employer, retainer_fee, bribe_threshold, alive)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, snap.ID, snap.Role.String(), snap.Currency, snap.WealthTotal,
			string(wealthJSON), snap.Employer, snap.RetainerFee, snap.BribeThreshold, alive,
		); err != nil {
			return fmt.Errorf("write final agent %s: %w", snap.ID, err)
		}
	}
	return tx.Commit()
}
