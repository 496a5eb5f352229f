// Package storage is the SQLite-backed warm-cache layer: blocked
// IPs/ASNs/countries, custom rules, auto-ban state, IP reputation, and
// a generic settings table. It is read at startup to warm the
// in-memory coordinators; the running proxy does not write its own
// in-memory bans, blocks or reputation changes back to it. Write
// methods return their errors to the caller — this layer is advisory,
// not the adjudication path of record.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Egida/fortress/internal/fortress/customrules"
)

// Store wraps a single SQLite connection behind the narrow set of
// operations the rest of fortress needs.
type Store struct {
	conn *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage: path required")
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func migrate(conn *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocked_entries (
			ip_or_cidr TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS banned_ips (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			banned_at TEXT NOT NULL,
			duration_secs INTEGER NOT NULL,
			ban_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ip_reputation (
			ip TEXT PRIMARY KEY,
			score REAL NOT NULL,
			blocked INTEGER NOT NULL,
			challenged INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			categories TEXT NOT NULL,
			ban_count INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			last_decay TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blocked_asns (
			asn INTEGER PRIMARY KEY,
			name TEXT,
			action TEXT NOT NULL,
			reason TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blocked_countries (
			country_code TEXT PRIMARY KEY,
			country_name TEXT,
			action TEXT NOT NULL,
			reason TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS custom_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			priority INTEGER NOT NULL,
			conditions_json TEXT NOT NULL,
			action TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- blocked_entries ---------------------------------------------------

type BlockedEntry struct {
	IPOrCIDR  string
	Reason    string
	Source    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (s *Store) UpsertBlockedEntry(e BlockedEntry) error {
	_, err := s.conn.Exec(`INSERT INTO blocked_entries(ip_or_cidr,reason,source,created_at,expires_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(ip_or_cidr) DO UPDATE SET reason=excluded.reason,source=excluded.source,expires_at=excluded.expires_at`,
		e.IPOrCIDR, e.Reason, e.Source, e.CreatedAt.UTC().Format(time.RFC3339), nullableTime(e.ExpiresAt))
	return err
}

func (s *Store) DeleteBlockedEntry(ipOrCIDR string) error {
	_, err := s.conn.Exec(`DELETE FROM blocked_entries WHERE ip_or_cidr=?`, ipOrCIDR)
	return err
}

func (s *Store) ListBlockedEntries() ([]BlockedEntry, error) {
	rows, err := s.conn.Query(`SELECT ip_or_cidr,reason,source,created_at,expires_at FROM blocked_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockedEntry
	for rows.Next() {
		var e BlockedEntry
		var created string
		var expires sql.NullString
		if err := rows.Scan(&e.IPOrCIDR, &e.Reason, &e.Source, &created, &expires); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if expires.Valid {
			t, _ := time.Parse(time.RFC3339, expires.String)
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- banned_ips (auto-ban warm cache) -----------------------------------

type BannedIP struct {
	IP           string
	Reason       string
	BannedAt     time.Time
	DurationSecs int64
	BanCount     uint64
}

func (s *Store) UpsertBannedIP(b BannedIP) error {
	_, err := s.conn.Exec(`INSERT INTO banned_ips(ip,reason,banned_at,duration_secs,ban_count)
		VALUES(?,?,?,?,?)
		ON CONFLICT(ip) DO UPDATE SET reason=excluded.reason,banned_at=excluded.banned_at,
			duration_secs=excluded.duration_secs,ban_count=excluded.ban_count`,
		b.IP, b.Reason, b.BannedAt.UTC().Format(time.RFC3339), b.DurationSecs, b.BanCount)
	return err
}

func (s *Store) DeleteBannedIP(ip string) error {
	_, err := s.conn.Exec(`DELETE FROM banned_ips WHERE ip=?`, ip)
	return err
}

func (s *Store) ListBannedIPs() ([]BannedIP, error) {
	rows, err := s.conn.Query(`SELECT ip,reason,banned_at,duration_secs,ban_count FROM banned_ips`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BannedIP
	for rows.Next() {
		var b BannedIP
		var bannedAt string
		if err := rows.Scan(&b.IP, &b.Reason, &bannedAt, &b.DurationSecs, &b.BanCount); err != nil {
			return nil, err
		}
		b.BannedAt, _ = time.Parse(time.RFC3339, bannedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- ip_reputation warm cache -------------------------------------------

type IPReputationRow struct {
	IP         string
	Score      float64
	Blocked    uint64
	Challenged uint64
	Passed     uint64
	Categories string // comma-joined category tags
	BanCount   uint64
	FirstSeen  time.Time
	LastSeen   time.Time
	LastDecay  time.Time
}

func (s *Store) UpsertIPReputation(r IPReputationRow) error {
	_, err := s.conn.Exec(`INSERT INTO ip_reputation(ip,score,blocked,challenged,passed,categories,ban_count,first_seen,last_seen,last_decay)
		VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ip) DO UPDATE SET score=excluded.score,blocked=excluded.blocked,challenged=excluded.challenged,
			passed=excluded.passed,categories=excluded.categories,ban_count=excluded.ban_count,
			last_seen=excluded.last_seen,last_decay=excluded.last_decay`,
		r.IP, r.Score, r.Blocked, r.Challenged, r.Passed, r.Categories, r.BanCount,
		r.FirstSeen.UTC().Format(time.RFC3339), r.LastSeen.UTC().Format(time.RFC3339), r.LastDecay.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListIPReputation() ([]IPReputationRow, error) {
	rows, err := s.conn.Query(`SELECT ip,score,blocked,challenged,passed,categories,ban_count,first_seen,last_seen,last_decay FROM ip_reputation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPReputationRow
	for rows.Next() {
		var r IPReputationRow
		var first, last, decay string
		if err := rows.Scan(&r.IP, &r.Score, &r.Blocked, &r.Challenged, &r.Passed, &r.Categories, &r.BanCount, &first, &last, &decay); err != nil {
			return nil, err
		}
		r.FirstSeen, _ = time.Parse(time.RFC3339, first)
		r.LastSeen, _ = time.Parse(time.RFC3339, last)
		r.LastDecay, _ = time.Parse(time.RFC3339, decay)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- settings key/value ---------------------------------------------------

func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.conn.QueryRow(`SELECT value FROM settings WHERE key=?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.conn.Exec(`INSERT INTO settings(key,value) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- blocked_asns / blocked_countries --------------------------------------

type BlockedASN struct {
	ASN    uint32
	Name   string
	Action string // "block" | "challenge"
	Reason string
}

func (s *Store) UpsertBlockedASN(b BlockedASN) error {
	_, err := s.conn.Exec(`INSERT INTO blocked_asns(asn,name,action,reason,created_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(asn) DO UPDATE SET name=excluded.name,action=excluded.action,reason=excluded.reason`,
		b.ASN, b.Name, b.Action, b.Reason, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListBlockedASNs() ([]BlockedASN, error) {
	rows, err := s.conn.Query(`SELECT asn,name,action,reason FROM blocked_asns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlockedASN
	for rows.Next() {
		var b BlockedASN
		var name, reason sql.NullString
		if err := rows.Scan(&b.ASN, &name, &b.Action, &reason); err != nil {
			return nil, err
		}
		b.Name, b.Reason = name.String, reason.String
		out = append(out, b)
	}
	return out, rows.Err()
}

type BlockedCountry struct {
	CountryCode string
	CountryName string
	Action      string
	Reason      string
}

func (s *Store) UpsertBlockedCountry(c BlockedCountry) error {
	_, err := s.conn.Exec(`INSERT INTO blocked_countries(country_code,country_name,action,reason,created_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(country_code) DO UPDATE SET country_name=excluded.country_name,action=excluded.action,reason=excluded.reason`,
		c.CountryCode, c.CountryName, c.Action, c.Reason, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListBlockedCountries() ([]BlockedCountry, error) {
	rows, err := s.conn.Query(`SELECT country_code,country_name,action,reason FROM blocked_countries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlockedCountry
	for rows.Next() {
		var c BlockedCountry
		var name, reason sql.NullString
		if err := rows.Scan(&c.CountryCode, &name, &c.Action, &reason); err != nil {
			return nil, err
		}
		c.CountryName, c.Reason = name.String, reason.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- custom_rules: implements customrules.Source ---------------------------

// GetRules loads every custom rule row and decodes its JSON condition
// blob, satisfying the customrules.Source interface so the rule
// engine never needs to import database/sql directly.
func (s *Store) GetRules() ([]customrules.Row, error) {
	rows, err := s.conn.Query(`SELECT id,name,priority,conditions_json,action,enabled FROM custom_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []customrules.Row
	for rows.Next() {
		var id int64
		var name, conditionsJSON, action string
		var priority int32
		var enabled bool
		if err := rows.Scan(&id, &name, &priority, &conditionsJSON, &action, &enabled); err != nil {
			return nil, err
		}
		cond, err := decodeCondition(conditionsJSON)
		if err != nil {
			continue // skip malformed rows rather than fail the whole reload
		}
		out = append(out, customrules.Row{
			ID: id, Name: name, Priority: priority,
			Condition: cond, Action: action, Enabled: enabled,
		})
	}
	return out, rows.Err()
}

// InsertRule adds a new custom rule; used by the admin surface.
func (s *Store) InsertRule(name string, priority int32, conditionsJSON, action string, enabled bool) error {
	_, err := s.conn.Exec(`INSERT INTO custom_rules(name,priority,conditions_json,action,enabled,created_at)
		VALUES(?,?,?,?,?,?)`,
		name, priority, conditionsJSON, action, enabled, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) SetRuleEnabled(id int64, enabled bool) error {
	_, err := s.conn.Exec(`UPDATE custom_rules SET enabled=? WHERE id=?`, enabled, id)
	return err
}

// decodeCondition unmarshals a custom rule's stored JSON condition
// blob, e.g. {"path":"/api/*","method":"POST","header":{"x-foo":"bar"}}.
func decodeCondition(raw string) (customrules.Condition, error) {
	var cond customrules.Condition
	if err := json.Unmarshal([]byte(raw), &cond); err != nil {
		return customrules.Condition{}, err
	}
	return cond, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
