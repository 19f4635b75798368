// Package yaml writes analysis reports and recovers them when a previous
// write was interrupted.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const tempPattern = ".vinetrace-tmp-*"

// BackupPath is where the previous good copy of a report file is kept.
func BackupPath(path string) string {
	return path + ".bak"
}

// WriteReport marshals v, which must carry a SchemaHeader of fileType, and
// replaces path with it. The file being replaced becomes the backup only when
// it is itself a valid fileType report, so a corrupt report never displaces
// the copy RestoreFromBackup would fall back to.
func WriteReport(path, fileType string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", fileType, err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("report %s: %w", filepath.Base(path), err)
	}
	if err := rotateBackup(path, fileType); err != nil {
		return err
	}
	return replace(path, content)
}

// WriteDocument replaces path with content once content parses as YAML.
// Nothing is backed up; used for configuration files.
func WriteDocument(path string, content []byte) error {
	var doc any
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("invalid yaml for %s: %w", filepath.Base(path), err)
	}
	return replace(path, content)
}

// WriteText replaces path with content as is, e.g. the markdown dashboard.
func WriteText(path string, content []byte) error {
	return replace(path, content)
}

func rotateBackup(path, fileType string) error {
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read previous report: %w", err)
	}
	if ValidateSchemaHeaderFromBytes(current, fileType) != nil {
		return nil
	}
	if err := replace(BackupPath(path), current); err != nil {
		return fmt.Errorf("back up previous report: %w", err)
	}
	return nil
}

// replace writes content beside path and renames it into place, so readers
// see either the old file or the new one.
func replace(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
