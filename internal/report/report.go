// Package report writes the hand-off files of an analysis: the per-component
// records, the run summary, the reconciled entities, the renderer views and a
// markdown dashboard.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vinetrace/internal/dag"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/stats"
	yamlutil "github.com/msageha/vinetrace/internal/yaml"
)

// File names inside an output directory.
const (
	SummaryFile    = "summary.yaml"
	ComponentsFile = "components.yaml"
	EntitiesFile   = "entities.yaml"
	ViewsFile      = "views.yaml"
	DashboardFile  = "dashboard.md"
)

// ComponentRecord is the analysis result of one weak component.
type ComponentRecord struct {
	ComponentID         int     `yaml:"component_id" json:"component_id"`
	TaskIDs             []int   `yaml:"task_ids" json:"task_ids"`
	CriticalPathTaskIDs []int   `yaml:"critical_path_task_ids" json:"critical_path_task_ids"`
	CriticalPathLength  float64 `yaml:"critical_path_length" json:"critical_path_length"`
	Error               string  `yaml:"error,omitempty" json:"error,omitempty"`
}

// NewComponentRecord converts an analyzer result. A failed component keeps
// its task ids and carries the error text instead of a path.
func NewComponentRecord(r dag.Result) ComponentRecord {
	rec := ComponentRecord{
		ComponentID: r.Component.ID,
		TaskIDs:     r.Component.Tasks,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
		return rec
	}
	rec.CriticalPathTaskIDs = r.Path.Tasks
	rec.CriticalPathLength = r.Path.Length
	return rec
}

// Summary is the run-level digest of an analysis.
type Summary struct {
	yamlutil.SchemaHeader `yaml:",inline"`

	AnalysisID  string `yaml:"analysis_id" json:"analysis_id"`
	RunDir      string `yaml:"run_dir" json:"run_dir"`
	Fingerprint string `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty"`
	GeneratedAt string `yaml:"generated_at" json:"generated_at"`

	Stats stats.Stats `yaml:"stats" json:"stats"`

	Vertices         int   `yaml:"graph_vertices" json:"graph_vertices"`
	Edges            int   `yaml:"graph_edges" json:"graph_edges"`
	NegativeEdges    int   `yaml:"graph_negative_edges" json:"graph_negative_edges"`
	Components       int   `yaml:"components" json:"components"`
	FailedComponents []int `yaml:"failed_components,omitempty" json:"failed_components,omitempty"`

	// LongestComponent is the component with the longest critical path.
	LongestComponent    int     `yaml:"longest_component,omitempty" json:"longest_component,omitempty"`
	LongestCriticalPath float64 `yaml:"longest_critical_path,omitempty" json:"longest_critical_path,omitempty"`

	SkippedLogs []string `yaml:"skipped_logs,omitempty" json:"skipped_logs,omitempty"`
}

// Analysis is everything Write persists.
type Analysis struct {
	Summary    Summary
	Components []ComponentRecord
	Views      []dag.View
	Run        *model.Run
}

type componentsFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Components            []ComponentRecord `yaml:"components"`
}

type viewsFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Views                 []dag.View `yaml:"views"`
}

type entitiesFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Manager               *model.Manager   `yaml:"manager"`
	Tasks                 []*model.Task    `yaml:"tasks"`
	Libraries             []*model.Library `yaml:"libraries"`
	Workers               []*model.Worker  `yaml:"workers"`
	Files                 []*model.File    `yaml:"files"`
	Anomalies             []model.Anomaly  `yaml:"anomalies,omitempty"`
}

// Write stores a under dir, creating dir if needed. Every file is replaced
// atomically; the summary is written last so a present summary implies a
// complete report.
func Write(dir string, a *Analysis) error {
	if a == nil || a.Run == nil {
		return errors.New("report: nil analysis")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	a.Summary.SchemaHeader = yamlutil.NewHeader(yamlutil.FileTypeSummary)

	writes := []struct {
		name     string
		fileType string
		data     any
	}{
		{ComponentsFile, yamlutil.FileTypeComponents, componentsFile{yamlutil.NewHeader(yamlutil.FileTypeComponents), a.Components}},
		{ViewsFile, yamlutil.FileTypeViews, viewsFile{yamlutil.NewHeader(yamlutil.FileTypeViews), a.Views}},
		{EntitiesFile, yamlutil.FileTypeEntities, entitiesFile{
			SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeEntities),
			Manager:      a.Run.Manager,
			Tasks:        a.Run.TaskList(),
			Libraries:    a.Run.LibraryList(),
			Workers:      a.Run.WorkerList(),
			Files:        a.Run.FileList(),
			Anomalies:    a.Run.Anomalies,
		}},
	}
	for _, w := range writes {
		if err := yamlutil.WriteReport(filepath.Join(dir, w.name), w.fileType, w.data); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	if err := yamlutil.WriteText(filepath.Join(dir, DashboardFile), []byte(Dashboard(a))); err != nil {
		return fmt.Errorf("write %s: %w", DashboardFile, err)
	}
	if err := yamlutil.WriteReport(filepath.Join(dir, SummaryFile), yamlutil.FileTypeSummary, a.Summary); err != nil {
		return fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	return nil
}

// LoadSummary reads a summary written by Write. A corrupt summary is moved
// to the quarantine directory and its backup is read instead.
func LoadSummary(path string) (*Summary, error) {
	s, err := readSummary(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return s, err
	}
	if _, rerr := yamlutil.RecoverCorruptedFile(filepath.Dir(path), path, yamlutil.FileTypeSummary); rerr != nil {
		return nil, fmt.Errorf("%w (recovery: %v)", err, rerr)
	}
	return readSummary(path)
}

func readSummary(path string) (*Summary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeSummary); err != nil {
		return nil, fmt.Errorf("summary %s: %w", path, err)
	}
	var s Summary
	if err := yamlv3.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &s, nil
}

// LoadComponents reads the component records written by Write.
func LoadComponents(path string) ([]ComponentRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read components: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeComponents); err != nil {
		return nil, fmt.Errorf("components %s: %w", path, err)
	}
	var f componentsFile
	if err := yamlv3.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse components: %w", err)
	}
	return f.Components, nil
}
