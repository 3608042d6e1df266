// Package reliability implements periodic off-box backup of the
// orchestrator's sqlite sink (spec §6 downstream), snapshotting
// the database with VACUUM INTO and shipping the compressed result to an
// S3-compatible bucket on a cron schedule.
package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // pure Go sqlite driver, for the integrity-check reopen
)

const keyPrefix = "cryptosentinel-backup-"
const keyTimeLayout = "2006-01-02-150405"
const minBackupsToKeep = 3

// objectStore is the remote upload/list/delete surface BackupService
// needs; S3Client satisfies it. Kept as an interface so tests can swap
// in a fake without talking to a real bucket.
type objectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

var _ objectStore = (*S3Client)(nil)

// BackupService snapshots the orchestrator's sqlite file and ships it to
// S3-compatible storage.
type BackupService struct {
	db       *sql.DB
	dbPath   string
	stageDir string
	s3       objectStore
	log      zerolog.Logger
}

// NewBackupService binds a BackupService to the live database connection
// (for VACUUM INTO), its on-disk path, and the remote object store.
func NewBackupService(db *sql.DB, dbPath, dataDir string, s3 objectStore, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:       db,
		dbPath:   dbPath,
		stageDir: filepath.Join(dataDir, "backup-staging"),
		s3:       s3,
		log:      log.With().Str("component", "backup").Logger(),
	}
}

// BackupInfo describes one uploaded backup.
type BackupInfo struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
}

// CreateAndUpload takes an atomic VACUUM INTO snapshot, gzips it, and
// uploads the result. The staging files are removed on return regardless
// of outcome.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()
	if err := os.MkdirAll(s.stageDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(s.stageDir)

	snapshotPath := filepath.Join(s.stageDir, "snapshot.db")
	if err := s.vacuumInto(ctx, snapshotPath); err != nil {
		return err
	}
	if err := s.verify(snapshotPath); err != nil {
		return fmt.Errorf("snapshot failed integrity check: %w", err)
	}

	checksum, err := checksumFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("checksum snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%s.db.gz", keyPrefix, time.Now().Format(keyTimeLayout))
	gzPath := filepath.Join(s.stageDir, "snapshot.db.gz")
	size, err := gzipFile(snapshotPath, gzPath)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}

	f, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("open compressed snapshot: %w", err)
	}
	defer f.Close()

	if err := s.s3.Upload(ctx, key, f); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Str("source", s.dbPath).
		Str("checksum", checksum).
		Int64("size_bytes", size).
		Dur("duration_ms", time.Since(start)).
		Msg("database backup uploaded")
	return nil
}

// vacuumInto snapshots the live database into a single fresh file,
// free of WAL/SHM artifacts, without blocking concurrent readers.
func (s *BackupService) vacuumInto(ctx context.Context, dest string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest))
	if err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

func (s *BackupService) verify(path string) error {
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned %q", result)
	}
	return nil
}

// ListBackups returns every backup currently stored remotely, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.s3.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, keyPrefix), ".db.gz")
		ts, err := time.Parse(keyTimeLayout, name)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("skipping backup with unparseable timestamp")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// RotateOldBackups deletes remote backups older than retainDays, always
// keeping at least minBackupsToKeep regardless of age. retainDays <= 0
// disables rotation entirely.
func (s *BackupService) RotateOldBackups(ctx context.Context, retainDays int) error {
	if retainDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("list backups for rotation: %w", err)
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retainDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.s3.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}
	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation complete")
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func gzipFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return 0, err
	}
	if err := gw.Close(); err != nil {
		return 0, err
	}

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Scheduler drives BackupService.CreateAndUpload (and retention rotation)
// on a cron cadence, mirroring the teacher's Hourly/Daily backup job
// wrappers generalized to a single configurable interval.
type Scheduler struct {
	backup     *BackupService
	interval   time.Duration
	retainDays int
	log        zerolog.Logger
	cron       *cron.Cron
}

// NewScheduler builds a Scheduler. An interval below one minute is
// clamped to one minute.
func NewScheduler(backup *BackupService, interval time.Duration, retainDays int, log zerolog.Logger) *Scheduler {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Scheduler{
		backup:     backup,
		interval:   interval,
		retainDays: retainDays,
		log:        log.With().Str("component", "backup-scheduler").Logger(),
	}
}

// Run starts the cron schedule and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.backup.CreateAndUpload(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduled backup failed")
			return
		}
		if err := s.backup.RotateOldBackups(ctx, s.retainDays); err != nil {
			s.log.Error().Err(err).Msg("scheduled rotation failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule backup job %q: %w", spec, err)
	}

	s.cron.Start()
	<-ctx.Done()
	s.cron.Stop()
	return nil
}
