package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is stamped into every report file.
const CurrentSchemaVersion = 1

// Report file types.
const (
	FileTypeSummary    = "analysis_summary"
	FileTypeComponents = "analysis_components"
	FileTypeEntities   = "analysis_entities"
	FileTypeViews      = "analysis_views"
)

var validFileTypes = map[string]bool{
	FileTypeSummary:    true,
	FileTypeComponents: true,
	FileTypeEntities:   true,
	FileTypeViews:      true,
}

// SchemaHeader leads every report file.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version" json:"schema_version"`
	FileType      string `yaml:"file_type" json:"file_type"`
}

// NewHeader returns a header for fileType at the current schema version.
func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[header.FileType] {
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	}
	if expectedFileType != "" && header.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}
