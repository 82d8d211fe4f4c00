// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/metrics"
	"github.com/sitewarden/engine/internal/model"
)

// persist writes doc to disk via the shadow-write/fsync/rename
// protocol, grounded on original_source/webdog_bot/database.py's
// _write_to_disk. When migrating is true, a rolling backup of the
// pre-migration file is taken first and the backup retention (default
// 5) is enforced afterward.
func (s *Store) persist(doc *model.Document, migrating bool) error {
	if err := s.checkFreeSpace(); err != nil {
		return err
	}

	if migrating {
		if err := s.backupBeforeMigration(); err != nil {
			return fmt.Errorf("pre-migration backup: %w", err)
		}
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp := s.paths.Tmp()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open shadow file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write shadow file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync shadow file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close shadow file: %w", err)
	}
	if err := os.Rename(tmp, s.paths.DB); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename shadow file into place: %w", err)
	}
	return nil
}

// checkFreeSpace enforces the disk guard of SPEC_FULL.md §4.1: writes
// are refused outright once free space on the data volume drops below
// the configured floor (100MB by default).
func (s *Store) checkFreeSpace() error {
	usage, err := disk.Usage(s.paths.Dir)
	if err != nil {
		logging.Warn().Err(err).Msg("disk usage check failed, proceeding without the guard")
		return nil
	}
	floor := uint64(s.cfg.MinFreeSpaceMB) * 1024 * 1024
	if usage.Free < floor {
		return fmt.Errorf("%w: %d bytes free, floor is %d", apperr.ErrInsufficientStorage, usage.Free, floor)
	}
	return nil
}

// backupBeforeMigration copies the current on-disk file (if any) into
// the backups directory before a schema-version change is persisted,
// then prunes to the configured retention count.
func (s *Store) backupBeforeMigration() error {
	src, err := os.ReadFile(s.paths.DB)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	suffix := time.Now().UTC().Format("20060102T150405.000000000")
	dst := s.paths.BackupPath(suffix)
	if err := os.WriteFile(dst, src, 0o644); err != nil {
		return err
	}
	return s.pruneBackups()
}

// pruneBackups keeps at most cfg.MaxBackups rolling backups, evicting
// the oldest by modification time, following the original's
// _manage_backups glob-sort-pop loop.
func (s *Store) pruneBackups() error {
	pattern := filepath.Join(s.paths.BackupsDir(), filepath.Base(s.paths.DB)+".backup_*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(matches) <= s.cfg.MaxBackups {
		return nil
	}
	type backupFile struct {
		path    string
		modTime time.Time
	}
	files := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, backupFile{path: m, modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	excess := len(files) - s.cfg.MaxBackups
	for i := 0; i < excess; i++ {
		if err := os.Remove(files[i].path); err != nil {
			logging.Warn().Err(err).Str("path", files[i].path).Msg("failed to prune rolling backup")
			continue
		}
		metrics.StoreBackupsPruned.Inc()
	}
	return nil
}
