package correlate

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/model"
)

// TaskGraph attaches file lists to task attempts and producer/consumer lists
// to files from the task-graph log, whose edges look like
//
//	"task-3" -> "file-out.dat";
//	"file-out.dat" -> "task-4";
//
// A file no earlier pass announced is fatal, except on the final line of the
// log, which a manager that did not finish may have left half written.
func (c *Correlator) TaskGraph(run *model.Run, s *logstream.Stream) error {
	last := s.LastContentLine()
	c.watchProgress(s)

	edges := 0
	truncated := false
	err := s.Each(func(l logstream.Line) error {
		if truncated {
			return nil
		}
		src, dst, ok := parseEdge(l.Text)
		if !ok {
			return nil
		}

		var (
			taskNode, fileNode string
			produces           bool
		)
		switch {
		case strings.HasPrefix(src, "task"):
			taskNode, fileNode, produces = src, dst, true
		case strings.HasPrefix(dst, "task"):
			taskNode, fileNode = dst, src
		default:
			return nil
		}

		taskID, name, err := parseNodes(taskNode, fileNode)
		if err != nil {
			c.anomaly(run, model.AnomalyMalformedLine, s.Name, l.No, "%v", err)
			return nil
		}
		task, ok := run.CurrentTask(taskID)
		if !ok {
			c.anomaly(run, model.AnomalyUnknownReference, s.Name, l.No, "edge references unknown task %d", taskID)
			return nil
		}

		f, ok := run.Files[name]
		if !ok {
			switch {
			case !run.FilesAnnounced:
				f = run.EnsureFile(name, 0)
			case l.No == last:
				c.anomaly(run, model.AnomalyUnknownReference, s.Name, l.No, "file %s unknown on final line, run looks unfinished", name)
				truncated = true
				return nil
			default:
				return &LineError{Log: s.Name, Line: l.No, Err: fmt.Errorf("%w %s (task %d)", ErrUnknownFile, name, taskID)}
			}
		}

		edges++
		if produces {
			task.OutputFiles = appendUnique(task.OutputFiles, name)
			f.Producers = appendUniqueInt(f.Producers, taskID)
		} else {
			task.InputFiles = appendUnique(task.InputFiles, name)
			f.Consumers = appendUniqueInt(f.Consumers, taskID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Only files produced by some task are dependencies; the rest came from
	// the manager.
	for _, task := range run.Tasks {
		task.InputFiles = slices.DeleteFunc(task.InputFiles, func(name string) bool {
			f, ok := run.Files[name]
			return !ok || !f.Produced()
		})
	}
	c.log(model.LogLevelInfo, "taskgraph correlated log=%s edges=%d truncated=%t", s.Name, edges, truncated)
	return nil
}

// parseEdge splits `"a" -> "b";` into its endpoints.
func parseEdge(text string) (string, string, bool) {
	left, right, ok := strings.Cut(text, "->")
	if !ok {
		return "", "", false
	}
	left = strings.Trim(strings.TrimSpace(left), `"`)
	right = strings.TrimSpace(right)
	right = strings.TrimSpace(strings.TrimSuffix(right, ";"))
	right = strings.Trim(right, `"`)
	if left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

// parseNodes extracts the task id from "task-<id>" and the filename from
// "<kind>-<name>".
func parseNodes(taskNode, fileNode string) (int, string, error) {
	_, idText, ok := strings.Cut(taskNode, "-")
	if !ok {
		return 0, "", fmt.Errorf("task node %q has no id", taskNode)
	}
	taskID, err := strconv.Atoi(idText)
	if err != nil {
		return 0, "", fmt.Errorf("task node %q: %w", taskNode, err)
	}
	_, name, ok := strings.Cut(fileNode, "-")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("file node %q has no name", fileNode)
	}
	return taskID, name, nil
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func appendUniqueInt(list []int, v int) []int {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
