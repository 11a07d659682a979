package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

const backupPrefix = "fanbase_"

var ErrBackupUnsupported = errors.New("backups are only supported for sqlite databases")

type BackupInfo struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func backupDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "backups")
}

// Backup writes a consistent copy of the sqlite database next to it with
// VACUUM INTO and prunes all but the newest keep copies.
func Backup(db *gorm.DB, dbType, dbPath string, keep int, now time.Time) (*BackupInfo, int, error) {
	if dbType != TypeSQLite {
		return nil, 0, ErrBackupUnsupported
	}
	dir := backupDir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("failed to create backup directory: %w", err)
	}

	target := filepath.Join(dir, backupPrefix+now.Format("2006-01-02_150405")+".db")
	if err := db.Exec("VACUUM INTO ?", target).Error; err != nil {
		return nil, 0, fmt.Errorf("backup failed: %w", err)
	}
	st, err := os.Stat(target)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat backup: %w", err)
	}

	pruned, err := pruneBackups(dbPath, keep)
	if err != nil {
		return nil, 0, err
	}
	return &BackupInfo{Path: target, Size: st.Size(), CreatedAt: now}, pruned, nil
}

// ListBackups returns existing backups, newest first.
func ListBackups(dbPath string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir(dbPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Path:      filepath.Join(backupDir(dbPath), name),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	// names carry the timestamp, so lexical order is creation order
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func pruneBackups(dbPath string, keep int) (int, error) {
	if keep <= 0 {
		keep = 5
	}
	backups, err := ListBackups(dbPath)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err == nil {
			deleted++
		}
	}
	return deleted, nil
}
