// Package store - SQLite archive for runs, case results, and harvested
// vectors. The archive is write-mostly: experiments append as they finish
// so a canceled run still leaves its completed cases on disk.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gatelab/internal/logging"
	"gatelab/internal/types"
)

// Archive persists experiment artifacts to SQLite.
type Archive struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// OpenArchive initializes the SQLite database at the given path.
func OpenArchive(path string) (*Archive, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenArchive")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	a := &Archive{db: db, dbPath: path}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("archive opened at %s", path)
	return a, nil
}

func (a *Archive) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		circuit    TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS case_results (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		condition   TEXT NOT NULL,
		case_id     TEXT NOT NULL,
		label       TEXT NOT NULL,
		completion  TEXT,
		error_text  TEXT,
		elapsed_ms  INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_case_results_run ON case_results(run_id, condition);

	CREATE TABLE IF NOT EXISTS vectors (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id    TEXT NOT NULL,
		condition TEXT NOT NULL,
		layer     INTEGER NOT NULL,
		policy    TEXT NOT NULL,
		kind      TEXT NOT NULL, -- snapshot | steering
		embedding TEXT NOT NULL, -- JSON float array
		UNIQUE (run_id, condition, layer, kind),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS steering_outcomes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		test        TEXT NOT NULL, -- suppression | induction_single | induction_cumulative
		layers      TEXT NOT NULL, -- JSON int array
		mode        TEXT NOT NULL,
		scale       REAL NOT NULL,
		flipped     INTEGER NOT NULL,
		attempted   INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveRun records a run header and returns nothing; the id comes from the
// caller so results can reference it before the run finishes.
func (a *Archive) SaveRun(runID, experiment string, circuit types.CircuitKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.Exec(
		"INSERT INTO runs (id, experiment, circuit, created_at) VALUES (?, ?, ?, ?)",
		runID, experiment, string(circuit), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", runID, err)
	}
	return nil
}

// SaveCaseResult appends one classified case outcome.
func (a *Archive) SaveCaseResult(runID string, condition types.ConditionTag, caseID string,
	label types.BehaviorLabel, completion, errorText string, elapsed time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.Exec(
		"INSERT INTO case_results (run_id, condition, case_id, label, completion, error_text, elapsed_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, string(condition), caseID, string(label), completion, errorText, elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save case result %s/%s: %w", runID, caseID, err)
	}
	return nil
}

// SaveSnapshot persists a condition-mean activation snapshot.
func (a *Archive) SaveSnapshot(runID string, v types.ActivationVector) error {
	return a.saveVector(runID, v.Condition, v.Layer, v.Policy, "snapshot", v.Values)
}

// SaveSteeringVector persists a derived steering vector. The condition
// column stores the encoded pair as "source-target".
func (a *Archive) SaveSteeringVector(runID string, v types.SteeringVector) error {
	pair := types.ConditionTag(fmt.Sprintf("%s-%s", v.Source, v.Target))
	return a.saveVector(runID, pair, v.Layer, v.Policy, "steering", v.Values)
}

func (a *Archive) saveVector(runID string, condition types.ConditionTag, layer int,
	policy types.PositionPolicy, kind string, values []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	embeddingJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to serialize vector: %w", err)
	}
	_, err = a.db.Exec(
		"INSERT INTO vectors (run_id, condition, layer, policy, kind, embedding) VALUES (?, ?, ?, ?, ?, ?)",
		runID, string(condition), layer, string(policy), kind, string(embeddingJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save %s vector %s/L%d: %w", kind, condition, layer, err)
	}
	return nil
}

// LoadSnapshot retrieves a persisted snapshot.
func (a *Archive) LoadSnapshot(runID string, condition types.ConditionTag, layer int) (types.ActivationVector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var embeddingJSON, policy string
	err := a.db.QueryRow(
		"SELECT embedding, policy FROM vectors WHERE run_id = ? AND condition = ? AND layer = ? AND kind = 'snapshot'",
		runID, string(condition), layer,
	).Scan(&embeddingJSON, &policy)
	if err == sql.ErrNoRows {
		return types.ActivationVector{}, fmt.Errorf("no archived snapshot for %s/%s/L%d: %w",
			runID, condition, layer, types.ErrNotFound)
	}
	if err != nil {
		return types.ActivationVector{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var values []float32
	if err := json.Unmarshal([]byte(embeddingJSON), &values); err != nil {
		return types.ActivationVector{}, fmt.Errorf("failed to parse archived vector: %w", err)
	}
	return types.ActivationVector{
		Layer:     layer,
		Condition: condition,
		Policy:    types.PositionPolicy(policy),
		Values:    values,
	}, nil
}

// SaveSteeringOutcome records one injection test's aggregate outcome.
func (a *Archive) SaveSteeringOutcome(runID, test string, layers []int,
	mode types.InjectionMode, scale float64, flipped, attempted int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	layersJSON, err := json.Marshal(layers)
	if err != nil {
		return fmt.Errorf("failed to serialize layers: %w", err)
	}
	_, err = a.db.Exec(
		"INSERT INTO steering_outcomes (run_id, test, layers, mode, scale, flipped, attempted) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, test, string(layersJSON), mode.String(), scale, flipped, attempted,
	)
	if err != nil {
		return fmt.Errorf("failed to save steering outcome: %w", err)
	}
	return nil
}

// RunSummary is one archived run header.
type RunSummary struct {
	RunID      string
	Experiment string
	Circuit    types.CircuitKind
	CreatedAt  time.Time
}

// ListRuns returns the most recent run headers, newest first.
func (a *Archive) ListRuns(limit int) ([]RunSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.Query(
		"SELECT id, experiment, circuit, created_at FROM runs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var circuit string
		if err := rows.Scan(&r.RunID, &r.Experiment, &circuit, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Circuit = types.CircuitKind(circuit)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ArchivedCase is one case result read back from the archive.
type ArchivedCase struct {
	Condition types.ConditionTag
	CaseID    string
	Label     types.BehaviorLabel
	ErrorText string
	Elapsed   time.Duration
}

// LoadCaseResults returns every case result recorded under a run.
func (a *Archive) LoadCaseResults(runID string) ([]ArchivedCase, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.Query(
		"SELECT condition, case_id, label, error_text, elapsed_ms FROM case_results WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load case results for %s: %w", runID, err)
	}
	defer rows.Close()

	var results []ArchivedCase
	for rows.Next() {
		var c ArchivedCase
		var condition, label string
		var errorText sql.NullString
		var elapsedMs int64
		if err := rows.Scan(&condition, &c.CaseID, &label, &errorText, &elapsedMs); err != nil {
			return nil, fmt.Errorf("failed to scan case row: %w", err)
		}
		c.Condition = types.ConditionTag(condition)
		c.Label = types.BehaviorLabel(label)
		c.ErrorText = errorText.String
		c.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		results = append(results, c)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("run %s has no archived case results: %w", runID, types.ErrNotFound)
	}
	return results, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
