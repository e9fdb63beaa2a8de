package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const maxBackups = 999

// MoveToBackup moves path into backupDir so a fresh download can take its
// place. The file keeps its name when free there; otherwise the first free
// .bak001 to .bak999 suffix is used, and the last slot is overwritten once
// all are taken. Returns the backup path, or "" when path did not exist.
func MoveToBackup(path, backupDir string) (string, error) {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	dest := filepath.Join(backupDir, filepath.Base(path))
	if exists(dest) {
		base := dest
		for i := 1; i <= maxBackups; i++ {
			dest = fmt.Sprintf("%s.bak%03d", base, i)
			if !exists(dest) {
				break
			}
			if i == maxBackups {
				if err := os.RemoveAll(dest); err != nil {
					return "", fmt.Errorf("clear backup slot: %w", err)
				}
			}
		}
	}

	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("move to backup: %w", err)
	}
	return dest, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
