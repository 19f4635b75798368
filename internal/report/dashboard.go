package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/vinetrace/internal/model"
)

// maxDashboardComponents bounds the component table; runs can have
// thousands of single-task components.
const maxDashboardComponents = 20

// Dashboard renders a markdown digest of a.
func Dashboard(a *Analysis) string {
	s := a.Summary
	m := s.Stats.Manager

	var sb strings.Builder
	sb.WriteString("# Run Analysis\n\n")
	fmt.Fprintf(&sb, "Run: `%s`  \nAnalysis: `%s`  \nGenerated: %s\n\n", s.RunDir, s.AnalysisID, s.GeneratedAt)

	sb.WriteString("## Manager\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|-------|------:|\n")
	fmt.Fprintf(&sb, "| lifetime_s | %.2f |\n", m.Lifetime)
	fmt.Fprintf(&sb, "| tasks_submitted | %d |\n", m.TasksSubmitted)
	fmt.Fprintf(&sb, "| tasks_done | %d |\n", m.TasksDone)
	fmt.Fprintf(&sb, "| tasks_failed_on_manager | %d |\n", m.TasksFailedOnManager)
	fmt.Fprintf(&sb, "| tasks_failed_on_worker | %d |\n", m.TasksFailedOnWorker)
	fmt.Fprintf(&sb, "| max_task_try_count | %d |\n", m.MaxTaskTryCount)
	fmt.Fprintf(&sb, "| total_workers | %d |\n", m.TotalWorkers)
	fmt.Fprintf(&sb, "| max_concurrent_workers | %d |\n", m.MaxConcurrentWorkers)
	if m.Failed {
		sb.WriteString("\n_Manager END not observed; the run ended abnormally._\n")
	}

	sb.WriteString("\n## Categories\n\n")
	sb.WriteString("| Category | Submitted | Done | Workers |\n")
	sb.WriteString("|----------|----------:|-----:|--------:|\n")
	for _, c := range s.Stats.Categories {
		fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n", c.Category, c.Submitted, c.Done, c.Workers)
	}

	sb.WriteString("\n## Critical Paths\n\n")
	if len(a.Components) == 0 {
		sb.WriteString("_No done tasks_\n")
	} else {
		comps := append([]ComponentRecord(nil), a.Components...)
		sort.SliceStable(comps, func(i, j int) bool {
			return comps[i].CriticalPathLength > comps[j].CriticalPathLength
		})
		sb.WriteString("| Component | Tasks | Path | Length (s) |\n")
		sb.WriteString("|----------:|------:|-----:|-----------:|\n")
		for i, c := range comps {
			if i == maxDashboardComponents {
				fmt.Fprintf(&sb, "\n_%d more components in %s_\n", len(comps)-i, ComponentsFile)
				break
			}
			if c.Error != "" {
				fmt.Fprintf(&sb, "| %d | %d | error | %s |\n", c.ComponentID, len(c.TaskIDs), c.Error)
				continue
			}
			fmt.Fprintf(&sb, "| %d | %d | %d | %.4f |\n", c.ComponentID, len(c.TaskIDs), len(c.CriticalPathTaskIDs), c.CriticalPathLength)
		}
	}

	if len(s.Stats.Anomalies) > 0 {
		sb.WriteString("\n## Anomalies\n\n")
		kinds := make([]string, 0, len(s.Stats.Anomalies))
		for k := range s.Stats.Anomalies {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&sb, "- %s: %d\n", k, s.Stats.Anomalies[model.AnomalyKind(k)])
		}
	}
	return sb.String()
}
