// Package dbstore provides the embedded relational store backing every
// durable entity in the detector: accounts, repos, PRs, scans, dupe
// groups/members, the job queue, and the pairwise verification cache
// (spec.md §3, §6). It is the only package that talks SQL directly; every
// other package goes through its DAO methods.
package dbstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // required SQLite driver

	"dupesleuth/internal/models"
)

// ErrNotFound is returned by single-row lookups when no matching row
// exists.
var ErrNotFound = errors.New("dbstore: not found")

// Store wraps an sql.DB opened against one SQLite file in WAL mode with
// foreign keys enforced.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs the
// schema migrations. WAL mode and foreign key enforcement are pragmas on
// the DSN, and MaxOpenConns is kept at 1 since SQLite serializes writers
// anyway — a pool only invites "database is locked" errors.
func Open(path string) (*Store, error) {
	// _txlock=immediate makes every database/sql transaction begin with
	// BEGIN IMMEDIATE rather than a deferred BEGIN, so the queue's claim
	// transaction (queue.Queue.Dequeue) takes its write lock up front
	// instead of racing another claim between SELECT and UPDATE.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (the queue package) that need to
// run their own transactions against this store's connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			api_key TEXT UNIQUE NOT NULL,
			label TEXT,
			config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS repos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_scan_at TIMESTAMP,
			UNIQUE(owner, name)
		);`,
		`CREATE TABLE IF NOT EXISTS prs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			author TEXT NOT NULL,
			diff_hash TEXT,
			file_paths TEXT NOT NULL DEFAULT '[]',
			state TEXT NOT NULL,
			github_etag TEXT,
			embed_hash TEXT,
			intent_summary TEXT,
			updated_at_gh TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(repo_id, number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prs_repo_number ON prs(repo_id, number);`,
		`CREATE TABLE IF NOT EXISTS scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			status TEXT NOT NULL,
			phase_cursor TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			token_usage_breakdown TEXT NOT NULL DEFAULT '{}',
			pr_count INTEGER NOT NULL DEFAULT 0,
			dupe_group_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS dupe_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id INTEGER NOT NULL REFERENCES scans(id),
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			label TEXT NOT NULL,
			pr_count INTEGER NOT NULL,
			confidence REAL NOT NULL,
			relationship TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dupe_groups_scan ON dupe_groups(scan_id);`,
		`CREATE TABLE IF NOT EXISTS dupe_group_members (
			group_id INTEGER NOT NULL REFERENCES dupe_groups(id),
			pr_id INTEGER NOT NULL REFERENCES prs(id),
			pr_number INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			score REAL NOT NULL,
			rationale TEXT,
			PRIMARY KEY (group_id, pr_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pairwise_cache (
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			pr_a INTEGER NOT NULL,
			pr_b INTEGER NOT NULL,
			hash_a TEXT NOT NULL,
			hash_b TEXT NOT NULL,
			result_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (repo_id, pr_a, pr_b)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pairwise_cache_pair ON pairwise_cache(repo_id, pr_a, pr_b);`,
		`CREATE TABLE IF NOT EXISTS rank_cache (
			repo_id INTEGER NOT NULL REFERENCES repos(id),
			group_key TEXT NOT NULL,
			result_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (repo_id, group_key)
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			run_after TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(status, run_after, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// --- Repos -----------------------------------------------------------------

// UpsertRepo inserts repo if (owner, name) is unseen, otherwise leaves the
// existing row untouched (spec.md §3: "never silently mutated") and fills
// in repo.ID and repo.CreatedAt from whichever row now exists.
func (s *Store) UpsertRepo(repo *models.Repo) error {
	_, err := s.db.Exec(
		`INSERT INTO repos (owner, name, created_at, last_scan_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner, name) DO NOTHING`,
		repo.Owner, repo.Name, repo.CreatedAt, nullTimePtr(repo.LastScanAt),
	)
	if err != nil {
		return fmt.Errorf("upserting repo: %w", err)
	}
	var lastScanAt sql.NullTime
	err = s.db.QueryRow(`SELECT id, created_at, last_scan_at FROM repos WHERE owner = ? AND name = ?`, repo.Owner, repo.Name).
		Scan(&repo.ID, &repo.CreatedAt, &lastScanAt)
	if err != nil {
		return fmt.Errorf("reloading repo after upsert: %w", err)
	}
	repo.LastScanAt = nullTimeToPtr(lastScanAt)
	return nil
}

// GetRepo loads a repo by id.
func (s *Store) GetRepo(id int64) (*models.Repo, error) {
	var r models.Repo
	var lastScanAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, owner, name, created_at, last_scan_at FROM repos WHERE id = ?`, id).
		Scan(&r.ID, &r.Owner, &r.Name, &r.CreatedAt, &lastScanAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting repo %d: %w", id, err)
	}
	r.LastScanAt = nullTimeToPtr(lastScanAt)
	return &r, nil
}

// TouchRepoScanned records that a repo just completed a scan.
func (s *Store) TouchRepoScanned(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE repos SET last_scan_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touching repo %d: %w", id, err)
	}
	return nil
}

// --- PRs ---------------------------------------------------------------

const prSelectCols = `SELECT id, repo_id, number, title, body, author, diff_hash, file_paths, state,
	github_etag, embed_hash, intent_summary, updated_at_gh, created_at, updated_at FROM prs`

// UpsertPR inserts or updates a PR keyed by (repo_id, number), filling in
// pr.ID and pr.CreatedAt from the resulting row.
func (s *Store) UpsertPR(pr *models.PR) error {
	paths, err := json.Marshal(pr.FilePaths)
	if err != nil {
		return fmt.Errorf("marshalling file paths: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO prs (repo_id, number, title, body, author, diff_hash, file_paths, state,
			github_etag, embed_hash, intent_summary, updated_at_gh, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			author = excluded.author,
			diff_hash = excluded.diff_hash,
			file_paths = excluded.file_paths,
			state = excluded.state,
			github_etag = excluded.github_etag,
			embed_hash = excluded.embed_hash,
			intent_summary = excluded.intent_summary,
			updated_at_gh = excluded.updated_at_gh,
			updated_at = excluded.updated_at`,
		pr.RepoID, pr.Number, pr.Title, nullStringPtr(pr.Body), pr.Author,
		nullStringPtr(pr.DiffHash), string(paths), string(pr.State),
		nullStringPtr(pr.GithubETag), nullStringPtr(pr.EmbedHash), nullStringPtr(pr.IntentSummary),
		pr.UpdatedAtGH, pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting PR #%d: %w", pr.Number, err)
	}
	return s.db.QueryRow(`SELECT id, created_at FROM prs WHERE repo_id = ? AND number = ?`, pr.RepoID, pr.Number).
		Scan(&pr.ID, &pr.CreatedAt)
}

// GetPRByNumber loads a PR by (repo_id, number).
func (s *Store) GetPRByNumber(repoID int64, number int) (*models.PR, error) {
	return scanPRRow(s.db.QueryRow(prSelectCols+` WHERE repo_id = ? AND number = ?`, repoID, number))
}

// GetPR loads a PR by id.
func (s *Store) GetPR(id int64) (*models.PR, error) {
	return scanPRRow(s.db.QueryRow(prSelectCols+` WHERE id = ?`, id))
}

func scanPRRow(row *sql.Row) (*models.PR, error) {
	var pr models.PR
	var body, diffHash, etag, embedHash, intentSummary sql.NullString
	var updatedAtGH sql.NullTime
	var paths, state string
	err := row.Scan(&pr.ID, &pr.RepoID, &pr.Number, &pr.Title, &body, &pr.Author, &diffHash, &paths,
		&state, &etag, &embedHash, &intentSummary, &updatedAtGH, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning PR row: %w", err)
	}
	fillPRNullables(&pr, body, diffHash, etag, embedHash, intentSummary, updatedAtGH, paths, state)
	return &pr, nil
}

func fillPRNullables(pr *models.PR, body, diffHash, etag, embedHash, intentSummary sql.NullString, updatedAtGH sql.NullTime, paths, state string) error {
	pr.Body = body.String
	pr.DiffHash = nullStringToPtr(diffHash)
	pr.GithubETag = nullStringToPtr(etag)
	pr.EmbedHash = nullStringToPtr(embedHash)
	pr.IntentSummary = nullStringToPtr(intentSummary)
	pr.State = models.PRState(state)
	if updatedAtGH.Valid {
		pr.UpdatedAtGH = updatedAtGH.Time
	}
	return json.Unmarshal([]byte(paths), &pr.FilePaths)
}

// ListPRsByRepo loads every PR tracked for a repo, ordered by number.
func (s *Store) ListPRsByRepo(repoID int64) ([]*models.PR, error) {
	rows, err := s.db.Query(prSelectCols+` WHERE repo_id = ? ORDER BY number`, repoID)
	if err != nil {
		return nil, fmt.Errorf("listing PRs for repo %d: %w", repoID, err)
	}
	defer rows.Close()

	var out []*models.PR
	for rows.Next() {
		var pr models.PR
		var body, diffHash, etag, embedHash, intentSummary sql.NullString
		var updatedAtGH sql.NullTime
		var paths, state string
		if err := rows.Scan(&pr.ID, &pr.RepoID, &pr.Number, &pr.Title, &body, &pr.Author, &diffHash, &paths,
			&state, &etag, &embedHash, &intentSummary, &updatedAtGH, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning PR row: %w", err)
		}
		if err := fillPRNullables(&pr, body, diffHash, etag, embedHash, intentSummary, updatedAtGH, paths, state); err != nil {
			return nil, fmt.Errorf("unmarshalling file paths: %w", err)
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

// SetPREmbedCache persists embed_hash and intent_summary for a PR, written
// only after vectors are upserted, per the crash-safety ordering in
// spec.md §9.
func (s *Store) SetPREmbedCache(prID int64, embedHash, intentSummary string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE prs SET embed_hash = ?, intent_summary = ?, updated_at = ? WHERE id = ?`,
		embedHash, intentSummary, at, prID)
	if err != nil {
		return fmt.Errorf("setting embed cache for PR %d: %w", prID, err)
	}
	return nil
}

// SetPRIntentSummary persists intent_summary alone, so Phase C can resume
// after Phase B without re-extracting intent (spec.md §4.12 Phase B).
func (s *Store) SetPRIntentSummary(prID int64, intentSummary string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE prs SET intent_summary = ?, updated_at = ? WHERE id = ?`, intentSummary, at, prID)
	if err != nil {
		return fmt.Errorf("setting intent summary for PR %d: %w", prID, err)
	}
	return nil
}

// --- Accounts ------------------------------------------------------------

// UpsertAccount inserts a new account or replaces an existing one's config.
func (s *Store) UpsertAccount(acct *models.Account) error {
	cfg, err := json.Marshal(acct.Config)
	if err != nil {
		return fmt.Errorf("marshalling account config: %w", err)
	}
	if acct.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO accounts (api_key, label, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			acct.APIKey, nullStringVal(acct.Label), string(cfg), acct.CreatedAt, acct.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting account: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading new account id: %w", err)
		}
		acct.ID = id
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO accounts (id, api_key, label, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			api_key = excluded.api_key, label = excluded.label,
			config = excluded.config, updated_at = excluded.updated_at`,
		acct.ID, acct.APIKey, nullStringVal(acct.Label), string(cfg), acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating account %d: %w", acct.ID, err)
	}
	return nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(id int64) (*models.Account, error) {
	var acct models.Account
	var label sql.NullString
	var cfg string
	err := s.db.QueryRow(`SELECT id, api_key, label, config, created_at, updated_at FROM accounts WHERE id = ?`, id).
		Scan(&acct.ID, &acct.APIKey, &label, &cfg, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %w", id, err)
	}
	acct.Label = label.String
	if err := json.Unmarshal([]byte(cfg), &acct.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling account config: %w", err)
	}
	return &acct, nil
}

// --- Scans -----------------------------------------------------------------

// InsertScan inserts a new scan row, filling in scan.ID.
func (s *Store) InsertScan(scan *models.Scan) error {
	usage, err := json.Marshal(scan.TokenUsageBreakdown)
	if err != nil {
		return fmt.Errorf("marshalling token usage: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO scans (repo_id, account_id, status, phase_cursor, input_tokens, output_tokens,
			token_usage_breakdown, pr_count, dupe_group_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.RepoID, scan.AccountID, string(scan.Status), nullStringPtr(scan.PhaseCursor),
		scan.InputTokens, scan.OutputTokens, string(usage), scan.PRCount, scan.DupeGroupCount,
		nullStringPtr(scan.Error), scan.StartedAt, nullTimePtr(scan.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading new scan id: %w", err)
	}
	scan.ID = id
	return nil
}

// GetScan loads a scan by id.
func (s *Store) GetScan(id int64) (*models.Scan, error) {
	var sc models.Scan
	var phaseCursor, errStr sql.NullString
	var completedAt sql.NullTime
	var status, usage string
	err := s.db.QueryRow(`
		SELECT id, repo_id, account_id, status, phase_cursor, input_tokens, output_tokens,
			token_usage_breakdown, pr_count, dupe_group_count, error, started_at, completed_at
		FROM scans WHERE id = ?`, id).
		Scan(&sc.ID, &sc.RepoID, &sc.AccountID, &status, &phaseCursor, &sc.InputTokens, &sc.OutputTokens,
			&usage, &sc.PRCount, &sc.DupeGroupCount, &errStr, &sc.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting scan %d: %w", id, err)
	}
	sc.Status = models.ScanStatus(status)
	sc.PhaseCursor = nullStringToPtr(phaseCursor)
	sc.Error = nullStringToPtr(errStr)
	sc.CompletedAt = nullTimeToPtr(completedAt)
	if sc.TokenUsageBreakdown == nil {
		sc.TokenUsageBreakdown = map[string]int64{}
	}
	if err := json.Unmarshal([]byte(usage), &sc.TokenUsageBreakdown); err != nil {
		return nil, fmt.Errorf("unmarshalling token usage: %w", err)
	}
	return &sc, nil
}

// UpdateScanStatus transitions a scan's status, optionally clearing or
// setting phase_cursor (spec.md §4.7). Pass an empty string to clear it.
func (s *Store) UpdateScanStatus(id int64, status models.ScanStatus, phaseCursor string) error {
	_, err := s.db.Exec(`UPDATE scans SET status = ?, phase_cursor = ? WHERE id = ?`,
		string(status), nullStringVal(phaseCursor), id)
	if err != nil {
		return fmt.Errorf("updating scan %d status: %w", id, err)
	}
	return nil
}

// CompleteScan marks a scan done, recording final counters.
func (s *Store) CompleteScan(id int64, prCount, dupeGroupCount int, inputTokens, outputTokens int64, breakdown map[string]int64, at time.Time) error {
	usage, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("marshalling token usage: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE scans SET status = ?, phase_cursor = NULL, pr_count = ?, dupe_group_count = ?,
			input_tokens = ?, output_tokens = ?, token_usage_breakdown = ?, completed_at = ?
		WHERE id = ?`,
		string(models.ScanStatusDone), prCount, dupeGroupCount, inputTokens, outputTokens, string(usage), at, id)
	if err != nil {
		return fmt.Errorf("completing scan %d: %w", id, err)
	}
	return nil
}

// FailScan marks a scan failed with the given error message.
func (s *Store) FailScan(id int64, errMsg string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE scans SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(models.ScanStatusFailed), errMsg, at, id)
	if err != nil {
		return fmt.Errorf("failing scan %d: %w", id, err)
	}
	return nil
}

// --- Dupe groups -------------------------------------------------------

// ReplaceDupeGroups atomically replaces all dupe groups for a scan, per
// spec.md §7: "the pipeline never partially writes dupe groups."
func (s *Store) ReplaceDupeGroups(scanID, repoID int64, groups []models.DupeGroup) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning dupe group replace tx: %w", err)
	}
	defer tx.Rollback()

	existingIDs, err := queryGroupIDs(tx, scanID)
	if err != nil {
		return err
	}
	for _, gid := range existingIDs {
		if _, err := tx.Exec(`DELETE FROM dupe_group_members WHERE group_id = ?`, gid); err != nil {
			return fmt.Errorf("deleting old dupe group members: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM dupe_groups WHERE scan_id = ?`, scanID); err != nil {
		return fmt.Errorf("deleting old dupe groups: %w", err)
	}

	for i := range groups {
		g := &groups[i]
		res, err := tx.Exec(`
			INSERT INTO dupe_groups (scan_id, repo_id, label, pr_count, confidence, relationship)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scanID, repoID, g.Label, g.PRCount, g.Confidence, string(g.Relationship),
		)
		if err != nil {
			return fmt.Errorf("inserting dupe group %q: %w", g.Label, err)
		}
		gid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading new dupe group id: %w", err)
		}
		g.ID = gid
		g.ScanID = scanID
		g.RepoID = repoID

		for _, m := range g.Members {
			if _, err := tx.Exec(`
				INSERT INTO dupe_group_members (group_id, pr_id, pr_number, rank, score, rationale)
				VALUES (?, ?, ?, ?, ?, ?)`,
				gid, m.PRID, m.PRNumber, m.Rank, m.Score, nullStringVal(m.Rationale),
			); err != nil {
				return fmt.Errorf("inserting dupe group member for PR #%d: %w", m.PRNumber, err)
			}
		}
	}
	return tx.Commit()
}

func queryGroupIDs(tx *sql.Tx, scanID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM dupe_groups WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("querying existing dupe groups: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning dupe group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDupeGroups loads every dupe group (with members) for a scan, highest
// confidence first.
func (s *Store) ListDupeGroups(scanID int64) ([]models.DupeGroup, error) {
	rows, err := s.db.Query(`
		SELECT id, repo_id, label, pr_count, confidence, relationship FROM dupe_groups
		WHERE scan_id = ? ORDER BY confidence DESC`, scanID)
	if err != nil {
		return nil, fmt.Errorf("listing dupe groups for scan %d: %w", scanID, err)
	}
	defer rows.Close()

	var groups []models.DupeGroup
	for rows.Next() {
		var g models.DupeGroup
		var relationship string
		if err := rows.Scan(&g.ID, &g.RepoID, &g.Label, &g.PRCount, &g.Confidence, &relationship); err != nil {
			return nil, fmt.Errorf("scanning dupe group row: %w", err)
		}
		g.ScanID = scanID
		g.Relationship = models.Relationship(relationship)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		members, err := s.listGroupMembers(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (s *Store) listGroupMembers(groupID int64) ([]models.DupeGroupMember, error) {
	rows, err := s.db.Query(`
		SELECT group_id, pr_id, pr_number, rank, score, rationale FROM dupe_group_members
		WHERE group_id = ? ORDER BY rank`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members for group %d: %w", groupID, err)
	}
	defer rows.Close()

	var members []models.DupeGroupMember
	for rows.Next() {
		var m models.DupeGroupMember
		var rationale sql.NullString
		if err := rows.Scan(&m.GroupID, &m.PRID, &m.PRNumber, &m.Rank, &m.Score, &rationale); err != nil {
			return nil, fmt.Errorf("scanning dupe group member: %w", err)
		}
		m.Rationale = rationale.String
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Pairwise cache ------------------------------------------------------

// GetPairwiseCache looks up a cached verification result keyed by
// (repo_id, min(a,b), max(a,b), hash_a, hash_b); a hash mismatch is a
// cache miss even for an otherwise-matching pair (spec.md §3).
func (s *Store) GetPairwiseCache(repoID int64, prA, prB int, hashA, hashB string) (*models.VerifyResult, bool, error) {
	a, b, ha, hb := orderPair(prA, prB, hashA, hashB)
	var resultJSON, storedHA, storedHB string
	err := s.db.QueryRow(`
		SELECT hash_a, hash_b, result_json FROM pairwise_cache
		WHERE repo_id = ? AND pr_a = ? AND pr_b = ?`, repoID, a, b).
		Scan(&storedHA, &storedHB, &resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting pairwise cache for (%d,%d): %w", a, b, err)
	}
	if storedHA != ha || storedHB != hb {
		return nil, false, nil
	}
	var result models.VerifyResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("unmarshalling pairwise result: %w", err)
	}
	return &result, true, nil
}

// SetPairwiseCache stores a verification result, overwriting any stale
// entry for the pair regardless of its previous hashes.
func (s *Store) SetPairwiseCache(repoID int64, prA, prB int, hashA, hashB string, result models.VerifyResult, at time.Time) error {
	a, b, ha, hb := orderPair(prA, prB, hashA, hashB)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling pairwise result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO pairwise_cache (repo_id, pr_a, pr_b, hash_a, hash_b, result_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, pr_a, pr_b) DO UPDATE SET
			hash_a = excluded.hash_a, hash_b = excluded.hash_b,
			result_json = excluded.result_json, updated_at = excluded.updated_at`,
		repoID, a, b, ha, hb, string(resultJSON), at,
	)
	if err != nil {
		return fmt.Errorf("setting pairwise cache for (%d,%d): %w", a, b, err)
	}
	return nil
}

// GetRankCache looks up a cached ranking result keyed by groupKey (a
// caller-computed digest of the group's member PR numbers and their
// current content hashes), so an unchanged clique skips re-ranking on a
// repeat scan (spec.md §8 scenario S4: a no-op re-scan issues zero chat
// calls).
func (s *Store) GetRankCache(repoID int64, groupKey string) ([]models.RankResult, bool, error) {
	var resultJSON string
	err := s.db.QueryRow(`SELECT result_json FROM rank_cache WHERE repo_id = ? AND group_key = ?`, repoID, groupKey).
		Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting rank cache for group %s: %w", groupKey, err)
	}
	var results []models.RankResult
	if err := json.Unmarshal([]byte(resultJSON), &results); err != nil {
		return nil, false, fmt.Errorf("unmarshalling rank cache result: %w", err)
	}
	return results, true, nil
}

// SetRankCache stores a group's ranking result, overwriting any stale
// entry for the same groupKey.
func (s *Store) SetRankCache(repoID int64, groupKey string, results []models.RankResult, at time.Time) error {
	resultJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshalling rank cache result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO rank_cache (repo_id, group_key, result_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_id, group_key) DO UPDATE SET
			result_json = excluded.result_json, updated_at = excluded.updated_at`,
		repoID, groupKey, string(resultJSON), at,
	)
	if err != nil {
		return fmt.Errorf("setting rank cache for group %s: %w", groupKey, err)
	}
	return nil
}

// orderPair canonicalizes a pair so (a,b) and (b,a) hash to the same cache
// row, carrying each PR's hash along with it.
func orderPair(prA, prB int, hashA, hashB string) (a, b int, ha, hb string) {
	if prA <= prB {
		return prA, prB, hashA, hashB
	}
	return prB, prA, hashB, hashA
}

// --- small helpers -----------------------------------------------------

func nullStringVal(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStringToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
