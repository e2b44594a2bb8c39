// Package storage keeps derived fingerprints and scan history in SQLite so
// unchanged files are not decoded again on the next run.
package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pixmatch/internal/hash"
	"pixmatch/internal/models"
	"pixmatch/internal/source"
)

// Storage handles persistence of fingerprints and scan history
type Storage struct {
	db     *sql.DB
	dbPath string
	algo   string
}

// NewStorage creates a new Storage
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Scanner workers write concurrently; one connection keeps sqlite from
	// returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, dbPath: dbPath, algo: hash.Algorithm}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Current schema version
const schemaVersion = 2

// migrations defines all schema migrations
// Each migration should be idempotent (safe to run multiple times)
var migrations = []struct {
	version     int
	description string
	up          string
}{
	{
		version:     1,
		description: "Initial schema",
		up:          "", // Handled by base schema creation
	},
	{
		version:     2,
		description: "Add exact_hash column for exact matching",
		up: `
			ALTER TABLE fingerprints ADD COLUMN exact_hash TEXT DEFAULT '';
		`,
	},
}

// init creates the database schema
func (s *Storage) init() error {
	// Create schema_version table first
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	// Create base schema
	schema := `
	CREATE TABLE IF NOT EXISTS fingerprints (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		algo TEXT NOT NULL,
		format TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		frame_count INTEGER NOT NULL,
		uncompressed_size INTEGER NOT NULL,
		has_exif INTEGER DEFAULT 0,
		hashes BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scan_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		roots TEXT NOT NULL,
		scanned_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		total_images INTEGER NOT NULL,
		total_groups INTEGER NOT NULL,
		total_duplicates INTEGER NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err = s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// migrate runs pending schema migrations
func (s *Storage) migrate() error {
	currentVersion := s.getSchemaVersion()

	for _, m := range migrations {
		if m.version <= currentVersion || m.up == "" {
			continue
		}

		// Check if migration is needed (column might already exist)
		if m.version == 2 {
			if s.columnExists("fingerprints", "exact_hash") {
				s.setSchemaVersion(m.version)
				continue
			}
		}

		// Execute migration
		if _, err := s.db.Exec(m.up); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}

		s.setSchemaVersion(m.version)
	}

	return nil
}

// getSchemaVersion returns the current schema version
func (s *Storage) getSchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// setSchemaVersion records a migration as applied
func (s *Storage) setSchemaVersion(version int) {
	s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
}

// columnExists checks if a column exists in a table
func (s *Storage) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file location
func (s *Storage) Path() string {
	return s.dbPath
}

// Get returns the cached record for c. Entries written for a different size,
// mod time or fingerprint algorithm are misses.
func (s *Storage) Get(c source.Candidate) (*models.ImageRecord, bool) {
	rec := &models.ImageRecord{
		Source:         c.Source,
		CompressedSize: c.Size,
		ModTime:        c.ModTime,
	}
	var hasExifInt int
	var blob []byte
	var exactHash sql.NullString
	err := s.db.QueryRow(`
		SELECT format, width, height, frame_count, uncompressed_size, has_exif, hashes, exact_hash
		FROM fingerprints
		WHERE key = ? AND size = ? AND mod_time = ? AND algo = ?
	`, c.Source.Key(), c.Size, c.ModTime.UnixNano(), s.algo).Scan(
		&rec.Format,
		&rec.Width,
		&rec.Height,
		&rec.FrameCount,
		&rec.UncompressedSize,
		&hasExifInt,
		&blob,
		&exactHash,
	)
	if err != nil {
		return nil, false
	}

	fp, err := decodeHashes(blob)
	if err != nil || len(fp) != rec.FrameCount {
		return nil, false
	}
	rec.Fingerprints = fp
	rec.HasExif = hasExifInt == 1
	rec.ExactHash = exactHash.String
	return rec, true
}

// Put saves or replaces the record for c
func (s *Storage) Put(c source.Candidate, rec *models.ImageRecord) error {
	hasExifInt := 0
	if rec.HasExif {
		hasExifInt = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO fingerprints
			(key, size, mod_time, algo, format, width, height, frame_count, uncompressed_size, has_exif, hashes, exact_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Source.Key(),
		c.Size,
		c.ModTime.UnixNano(),
		s.algo,
		rec.Format,
		rec.Width,
		rec.Height,
		rec.FrameCount,
		rec.UncompressedSize,
		hasExifInt,
		encodeHashes(rec.Fingerprints),
		rec.ExactHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fingerprints for %s: %w", c.Source, err)
	}
	return nil
}

// SetExactHash stores the content hash of an already cached record
func (s *Storage) SetExactHash(rec *models.ImageRecord) error {
	_, err := s.db.Exec(`
		UPDATE fingerprints SET exact_hash = ?
		WHERE key = ? AND size = ? AND mod_time = ?
	`, rec.ExactHash, rec.Key(), rec.CompressedSize, rec.ModTime.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update exact hash for %s: %w", rec.Key(), err)
	}
	return nil
}

// Prune removes the cached entries for keys
func (s *Storage) Prune(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM fingerprints WHERE key = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.Exec(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of cached fingerprint rows
func (s *Storage) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM fingerprints").Scan(&count)
	return count, err
}

// ScanRecord is one row of scan history
type ScanRecord struct {
	ID              int
	Roots           []string
	ScannedAt       time.Time
	TotalImages     int
	TotalGroups     int
	TotalDuplicates int
	Failures        int
}

// rootSeparator joins scanned roots in one column
const rootSeparator = "\n"

// RecordScan records a scan in history
func (s *Storage) RecordScan(roots []string, totalImages, totalGroups, totalDuplicates, failures int) error {
	_, err := s.db.Exec(`
		INSERT INTO scan_history (roots, scanned_at, total_images, total_groups, total_duplicates, failures)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.Join(roots, rootSeparator), time.Now().UTC().Unix(), totalImages, totalGroups, totalDuplicates, failures)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// History returns up to limit scans, newest first
func (s *Storage) History(limit int) ([]ScanRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, roots, scanned_at, total_images, total_groups, total_duplicates, failures
		FROM scan_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var roots string
		var scannedAt int64
		err := rows.Scan(
			&r.ID,
			&roots,
			&scannedAt,
			&r.TotalImages,
			&r.TotalGroups,
			&r.TotalDuplicates,
			&r.Failures,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Roots = strings.Split(roots, rootSeparator)
		r.ScannedAt = time.Unix(scannedAt, 0)
		out = append(out, r)
	}

	return out, rows.Err()
}

var errCorruptHashes = errors.New("corrupt fingerprint blob")

// encodeHashes lays out every frame's orientation hashes as little-endian
// uint64s, frame by frame.
func encodeHashes(fp models.FingerprintSet) []byte {
	buf := make([]byte, 0, len(fp)*models.NumOrientations*8)
	for _, frame := range fp {
		for _, h := range frame {
			buf = binary.LittleEndian.AppendUint64(buf, h)
		}
	}
	return buf
}

func decodeHashes(blob []byte) (models.FingerprintSet, error) {
	const frameSize = models.NumOrientations * 8
	if len(blob) == 0 || len(blob)%frameSize != 0 {
		return nil, errCorruptHashes
	}
	fp := make(models.FingerprintSet, len(blob)/frameSize)
	for i := range fp {
		for o := range fp[i] {
			off := i*frameSize + o*8
			fp[i][o] = binary.LittleEndian.Uint64(blob[off:])
		}
	}
	return fp, nil
}
