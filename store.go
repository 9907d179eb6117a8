package relay

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// durable store behind the relay. all versioned mutations go through
// conditional updates (`WHERE version = ?`) so that the version check and
// the write are one atomic storage operation. in-process locking is never
// relied on for durable state.

var ErrNotFound = errors.New("not found")
var ErrAlreadyExists = errors.New("already exists")

type SessionRecord struct {
	Id                string
	AccountId         string
	Tag               string
	Seq               int64
	Metadata          []byte
	MetadataVersion   int64
	AgentState        []byte
	AgentStateVersion int64
	Active            bool
	LastActiveAt      int64
	CreatedAt         int64
	UpdatedAt         int64
}

type MachineRecord struct {
	AccountId          string
	Id                 string
	Metadata           []byte
	MetadataVersion    int64
	DaemonState        []byte
	DaemonStateVersion int64
	Active             bool
	LastActiveAt       int64
	CreatedAt          int64
	UpdatedAt          int64
}

type KVRecord struct {
	AccountId string
	Key       string
	// nil marks a soft-deleted entry. the record and its version survive.
	Value   []byte
	Version int64
}

type ArtifactRecord struct {
	Id            string
	AccountId     string
	Header        []byte
	HeaderVersion int64
	Body          []byte
	BodyVersion   int64
	Seq           int64
	CreatedAt     int64
	UpdatedAt     int64
}

type UsageReportRecord struct {
	Id        string
	AccountId string
	SessionId string
	Key       string
	Data      []byte
	CreatedAt int64
	UpdatedAt int64
}

type ActivityWrite struct {
	AccountId string
	Id        string
	Timestamp int64
}

type Store struct {
	db *sql.DB
}

// OpenStore opens a SQLite database using the modernc.org/sqlite driver.
// Pass ":memory:" for an in-memory store.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer. one connection also keeps ":memory:"
	// stores coherent across the pool.
	db.SetMaxOpenConns(1)

	store := &Store{
		db: db,
	}
	if err := store.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *Store) bootstrap() error {
	_, err := self.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL DEFAULT 0,
			profile BLOB,
			profile_version INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata BLOB,
			metadata_version INTEGER NOT NULL DEFAULT 0,
			agent_state BLOB,
			agent_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			last_active_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (account_id, tag)
		);
		CREATE TABLE IF NOT EXISTS machines (
			account_id TEXT NOT NULL,
			id TEXT NOT NULL,
			metadata BLOB,
			metadata_version INTEGER NOT NULL DEFAULT 0,
			daemon_state BLOB,
			daemon_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			last_active_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (account_id, id)
		);
		CREATE TABLE IF NOT EXISTS kv_entries (
			account_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, key)
		);
		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			header BLOB,
			header_version INTEGER NOT NULL DEFAULT 0,
			body BLOB,
			body_version INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS usage_reports (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			data BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (account_id, session_id, key)
		);
	`)
	return err
}

func (self *Store) Close() error {
	return self.db.Close()
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// accounts

func (self *Store) EnsureAccount(ctx context.Context, accountId string) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO accounts (id) VALUES (?) ON CONFLICT (id) DO NOTHING`,
		accountId,
	)
	return err
}

// IncrementAccountSeq atomically increments the account counter and
// returns the new value. Values are pairwise distinct and strictly
// increase in the order the store serializes the increments.
func (self *Store) IncrementAccountSeq(ctx context.Context, accountId string) (int64, error) {
	var seq int64
	err := self.db.QueryRowContext(
		ctx,
		`UPDATE accounts SET seq = seq + 1 WHERE id = ? RETURNING seq`,
		accountId,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

type AccountRecord struct {
	Id             string
	Seq            int64
	Profile        []byte
	ProfileVersion int64
}

func (self *Store) GetAccount(ctx context.Context, accountId string) (*AccountRecord, error) {
	record := &AccountRecord{}
	err := self.db.QueryRowContext(
		ctx,
		`SELECT id, seq, profile, profile_version FROM accounts WHERE id = ?`,
		accountId,
	).Scan(
		&record.Id,
		&record.Seq,
		&record.Profile,
		&record.ProfileVersion,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) CompareAndSetAccountProfile(ctx context.Context, accountId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE accounts SET profile = ?, profile_version = profile_version + 1
			WHERE id = ? AND profile_version = ?`,
		value,
		accountId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) IncrementSessionSeq(ctx context.Context, sessionId string) (int64, error) {
	var seq int64
	err := self.db.QueryRowContext(
		ctx,
		`UPDATE sessions SET seq = seq + 1 WHERE id = ? RETURNING seq`,
		sessionId,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// sessions

const sessionColumns = `id, account_id, tag, seq, metadata, metadata_version,
	agent_state, agent_state_version, active, last_active_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	record := &SessionRecord{}
	err := row.Scan(
		&record.Id,
		&record.AccountId,
		&record.Tag,
		&record.Seq,
		&record.Metadata,
		&record.MetadataVersion,
		&record.AgentState,
		&record.AgentStateVersion,
		&record.Active,
		&record.LastActiveAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) CreateSession(ctx context.Context, record *SessionRecord) error {
	now := nowMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.LastActiveAt = now
	record.Active = true
	result, err := self.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, account_id, tag, metadata, agent_state, active, last_active_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (account_id, tag) DO NOTHING`,
		record.Id,
		record.AccountId,
		record.Tag,
		record.Metadata,
		record.AgentState,
		record.LastActiveAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (self *Store) GetSession(ctx context.Context, accountId string, sessionId string) (*SessionRecord, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND account_id = ?`,
		sessionId,
		accountId,
	)
	return scanSession(row)
}

func (self *Store) FindSessionByTag(ctx context.Context, accountId string, tag string) (*SessionRecord, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = ? AND tag = ?`,
		accountId,
		tag,
	)
	return scanSession(row)
}

func (self *Store) CompareAndSetSessionMetadata(ctx context.Context, accountId string, sessionId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE sessions SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
			WHERE id = ? AND account_id = ? AND metadata_version = ?`,
		value,
		nowMilli(),
		sessionId,
		accountId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) CompareAndSetSessionAgentState(ctx context.Context, accountId string, sessionId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE sessions SET agent_state = ?, agent_state_version = agent_state_version + 1, updated_at = ?
			WHERE id = ? AND account_id = ? AND agent_state_version = ?`,
		value,
		nowMilli(),
		sessionId,
		accountId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) DeleteSession(ctx context.Context, accountId string, sessionId string) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE id = ? AND account_id = ?`,
		sessionId,
		accountId,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

// UpdateSessionActivity applies one batch of liveness timestamps.
// A touched session is also flipped back to active.
func (self *Store) UpdateSessionActivity(ctx context.Context, writes []ActivityWrite) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMilli()
	for _, write := range writes {
		_, err := tx.ExecContext(
			ctx,
			`UPDATE sessions SET last_active_at = ?, active = 1, updated_at = ? WHERE id = ?`,
			write.Timestamp,
			now,
			write.Id,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *Store) ListInactiveSessions(ctx context.Context, lastActiveBefore int64) ([]*SessionRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE active = 1 AND last_active_at <= ?`,
		lastActiveBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*SessionRecord{}
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkSessionInactive flips the session to inactive only if it is still
// active, guarding against a concurrent liveness ping.
func (self *Store) MarkSessionInactive(ctx context.Context, sessionId string) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE sessions SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		nowMilli(),
		sessionId,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

// machines

const machineColumns = `account_id, id, metadata, metadata_version,
	daemon_state, daemon_state_version, active, last_active_at, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (*MachineRecord, error) {
	record := &MachineRecord{}
	err := row.Scan(
		&record.AccountId,
		&record.Id,
		&record.Metadata,
		&record.MetadataVersion,
		&record.DaemonState,
		&record.DaemonStateVersion,
		&record.Active,
		&record.LastActiveAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) CreateMachine(ctx context.Context, record *MachineRecord) error {
	now := nowMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.LastActiveAt = now
	record.Active = true
	result, err := self.db.ExecContext(
		ctx,
		`INSERT INTO machines (account_id, id, metadata, daemon_state, active, last_active_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (account_id, id) DO NOTHING`,
		record.AccountId,
		record.Id,
		record.Metadata,
		record.DaemonState,
		record.LastActiveAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (self *Store) GetMachine(ctx context.Context, accountId string, machineId string) (*MachineRecord, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT `+machineColumns+` FROM machines WHERE account_id = ? AND id = ?`,
		accountId,
		machineId,
	)
	return scanMachine(row)
}

func (self *Store) CompareAndSetMachineMetadata(ctx context.Context, accountId string, machineId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE machines SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
			WHERE account_id = ? AND id = ? AND metadata_version = ?`,
		value,
		nowMilli(),
		accountId,
		machineId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) CompareAndSetMachineDaemonState(ctx context.Context, accountId string, machineId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE machines SET daemon_state = ?, daemon_state_version = daemon_state_version + 1, updated_at = ?
			WHERE account_id = ? AND id = ? AND daemon_state_version = ?`,
		value,
		nowMilli(),
		accountId,
		machineId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) UpdateMachineActivity(ctx context.Context, writes []ActivityWrite) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMilli()
	for _, write := range writes {
		_, err := tx.ExecContext(
			ctx,
			`UPDATE machines SET last_active_at = ?, active = 1, updated_at = ? WHERE account_id = ? AND id = ?`,
			write.Timestamp,
			now,
			write.AccountId,
			write.Id,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *Store) ListInactiveMachines(ctx context.Context, lastActiveBefore int64) ([]*MachineRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT `+machineColumns+` FROM machines WHERE active = 1 AND last_active_at <= ?`,
		lastActiveBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*MachineRecord{}
	for rows.Next() {
		record, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *Store) MarkMachineInactive(ctx context.Context, accountId string, machineId string) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE machines SET active = 0, updated_at = ? WHERE account_id = ? AND id = ? AND active = 1`,
		nowMilli(),
		accountId,
		machineId,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

// kv entries

func scanKVEntry(row interface{ Scan(...any) error }) (*KVRecord, error) {
	record := &KVRecord{}
	err := row.Scan(
		&record.AccountId,
		&record.Key,
		&record.Value,
		&record.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) GetKVEntry(ctx context.Context, accountId string, key string) (*KVRecord, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT account_id, key, value, version FROM kv_entries WHERE account_id = ? AND key = ?`,
		accountId,
		key,
	)
	return scanKVEntry(row)
}

// ListKVEntries returns live (non-deleted) entries with the key prefix.
func (self *Store) ListKVEntries(ctx context.Context, accountId string, prefix string) ([]*KVRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT account_id, key, value, version FROM kv_entries
			WHERE account_id = ? AND substr(key, 1, ?) = ? AND value IS NOT NULL
			ORDER BY key`,
		accountId,
		len(prefix),
		prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*KVRecord{}
	for rows.Next() {
		record, err := scanKVEntry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type KVWrite struct {
	Key string
	// nil soft-deletes the entry
	Value []byte
	// -1 means the key must not yet exist
	ExpectedVersion int64
}

type KVWriteResult struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

type KVMismatch struct {
	Key string
	// current state, for the client-side merge path
	Version int64
	Value   []byte
}

// MutateKVEntries applies a batch of versioned writes atomically.
// Every expected version is validated first; if any mismatches, nothing is
// applied and every offending key is reported with its current state.
// A missing key has current version -1.
func (self *Store) MutateKVEntries(ctx context.Context, accountId string, writes []KVWrite) ([]KVWriteResult, []KVMismatch, error) {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// pre-validate the whole batch
	mismatches := []KVMismatch{}
	for _, write := range writes {
		var value []byte
		var version int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT value, version FROM kv_entries WHERE account_id = ? AND key = ?`,
			accountId,
			write.Key,
		).Scan(&value, &version)
		if err == sql.ErrNoRows {
			version = -1
			value = nil
		} else if err != nil {
			return nil, nil, err
		}

		if version != write.ExpectedVersion {
			mismatches = append(mismatches, KVMismatch{
				Key:     write.Key,
				Version: version,
				Value:   value,
			})
		}
	}
	if 0 < len(mismatches) {
		return nil, mismatches, nil
	}

	results := []KVWriteResult{}
	for _, write := range writes {
		if write.ExpectedVersion == -1 {
			_, err := tx.ExecContext(
				ctx,
				`INSERT INTO kv_entries (account_id, key, value, version) VALUES (?, ?, ?, 0)`,
				accountId,
				write.Key,
				write.Value,
			)
			if err != nil {
				return nil, nil, err
			}
			results = append(results, KVWriteResult{
				Key:     write.Key,
				Version: 0,
			})
		} else {
			// the version guard is redundant inside the transaction but
			// keeps the write conditional at the storage layer
			result, err := tx.ExecContext(
				ctx,
				`UPDATE kv_entries SET value = ?, version = version + 1 WHERE account_id = ? AND key = ? AND version = ?`,
				write.Value,
				accountId,
				write.Key,
				write.ExpectedVersion,
			)
			if err != nil {
				return nil, nil, err
			}
			if n, err := result.RowsAffected(); err != nil {
				return nil, nil, err
			} else if n == 0 {
				return nil, nil, errors.New("kv write lost a race inside the batch transaction")
			}
			results = append(results, KVWriteResult{
				Key:     write.Key,
				Version: write.ExpectedVersion + 1,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return results, nil, nil
}

// artifacts

const artifactColumns = `id, account_id, header, header_version, body, body_version, seq, created_at, updated_at`

func scanArtifact(row interface{ Scan(...any) error }) (*ArtifactRecord, error) {
	record := &ArtifactRecord{}
	err := row.Scan(
		&record.Id,
		&record.AccountId,
		&record.Header,
		&record.HeaderVersion,
		&record.Body,
		&record.BodyVersion,
		&record.Seq,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) CreateArtifact(ctx context.Context, record *ArtifactRecord) error {
	now := nowMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	result, err := self.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (id, account_id, header, body, seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
		record.Id,
		record.AccountId,
		record.Header,
		record.Body,
		record.Seq,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (self *Store) GetArtifact(ctx context.Context, accountId string, artifactId string) (*ArtifactRecord, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ? AND account_id = ?`,
		artifactId,
		accountId,
	)
	return scanArtifact(row)
}

func (self *Store) ListArtifacts(ctx context.Context, accountId string) ([]*ArtifactRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE account_id = ? ORDER BY seq`,
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*ArtifactRecord{}
	for rows.Next() {
		record, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *Store) CompareAndSetArtifactHeader(ctx context.Context, accountId string, artifactId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE artifacts SET header = ?, header_version = header_version + 1, updated_at = ?
			WHERE id = ? AND account_id = ? AND header_version = ?`,
		value,
		nowMilli(),
		artifactId,
		accountId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) CompareAndSetArtifactBody(ctx context.Context, accountId string, artifactId string, expectedVersion int64, value []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE artifacts SET body = ?, body_version = body_version + 1, updated_at = ?
			WHERE id = ? AND account_id = ? AND body_version = ?`,
		value,
		nowMilli(),
		artifactId,
		accountId,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

// CompareAndSetArtifactHeaderBody updates both sub-fields in one
// conditional write so a lost race on either leaves neither applied.
func (self *Store) CompareAndSetArtifactHeaderBody(ctx context.Context, accountId string, artifactId string, expectedHeaderVersion int64, header []byte, expectedBodyVersion int64, body []byte) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`UPDATE artifacts SET
				header = ?, header_version = header_version + 1,
				body = ?, body_version = body_version + 1,
				updated_at = ?
			WHERE id = ? AND account_id = ? AND header_version = ? AND body_version = ?`,
		header,
		body,
		nowMilli(),
		artifactId,
		accountId,
		expectedHeaderVersion,
		expectedBodyVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

func (self *Store) DeleteArtifact(ctx context.Context, accountId string, artifactId string) (bool, error) {
	result, err := self.db.ExecContext(
		ctx,
		`DELETE FROM artifacts WHERE id = ? AND account_id = ?`,
		artifactId,
		accountId,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return 0 < n, err
}

// usage reports

func (self *Store) UpsertUsageReport(ctx context.Context, record *UsageReportRecord) (*UsageReportRecord, error) {
	now := nowMilli()
	record.CreatedAt = now
	record.UpdatedAt = now
	saved := &UsageReportRecord{}
	err := self.db.QueryRowContext(
		ctx,
		`INSERT INTO usage_reports (id, account_id, session_id, key, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, session_id, key)
				DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
			RETURNING id, account_id, session_id, key, data, created_at, updated_at`,
		record.Id,
		record.AccountId,
		record.SessionId,
		record.Key,
		record.Data,
		record.CreatedAt,
		record.UpdatedAt,
	).Scan(
		&saved.Id,
		&saved.AccountId,
		&saved.SessionId,
		&saved.Key,
		&saved.Data,
		&saved.CreatedAt,
		&saved.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return saved, nil
}
