package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoBackup is returned when a corrupt report has no usable .bak copy.
var ErrNoBackup = errors.New("no usable backup")

// Quarantine moves filePath into outDir/quarantine with a timestamp suffix
// and returns the new location.
func Quarantine(outDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(outDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies filePath.bak over filePath if the backup carries
// a valid header of fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := BackupPath(filePath)
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoBackup, bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoBackup, bakPath, err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores the previous report
// from its backup. The returned path is the quarantined copy.
func RecoverCorruptedFile(outDir, filePath, fileType string) (string, error) {
	quarantined, err := Quarantine(outDir, filePath)
	if err != nil {
		return "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, fileType); err != nil {
		return quarantined, err
	}
	return quarantined, nil
}
