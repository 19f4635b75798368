package dag

import (
	"sort"
	"strconv"

	"github.com/msageha/vinetrace/internal/model"
)

// Node kinds of a View.
const (
	NodeTask = "task"
	NodeFile = "file"
)

// ViewNode is a task or file in a rendered component.
type ViewNode struct {
	ID             string `yaml:"id" json:"id"`
	Kind           string `yaml:"kind" json:"kind"`
	TaskID         int    `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	File           string `yaml:"file,omitempty" json:"file,omitempty"`
	IsRecoveryTask bool   `yaml:"is_recovery_task,omitempty" json:"is_recovery_task,omitempty"`
}

// ViewEdge connects a task to an output file or an input file to a task.
type ViewEdge struct {
	From     string  `yaml:"from" json:"from"`
	To       string  `yaml:"to" json:"to"`
	Weight   float64 `yaml:"weight" json:"weight"`
	Recovery bool    `yaml:"recovery,omitempty" json:"recovery,omitempty"`
}

// Omission records an input file left out of a View because no producer
// finished before the consumer started.
type Omission struct {
	TaskID int    `yaml:"task_id" json:"task_id"`
	File   string `yaml:"file" json:"file"`
}

// View is the adjacency of one component with file nodes, as handed to a
// renderer.
type View struct {
	ComponentID int        `yaml:"component_id" json:"component_id"`
	Nodes       []ViewNode `yaml:"nodes" json:"nodes"`
	Edges       []ViewEdge `yaml:"edges" json:"edges"`
	Omitted     []Omission `yaml:"omitted,omitempty" json:"omitted,omitempty"`
}

func taskNodeID(id int) string { return "task-" + strconv.Itoa(id) }

func fileNodeID(name string) string { return "file-" + name }

// View builds the renderer adjacency of comp. An input edge is weighted by the
// wait since the last producer that finished before the consumer started;
// output edges carry the producing task's execution time.
func (g *Graph) View(comp Component, run *model.Run) View {
	v := View{ComponentID: comp.ID}
	files := make(map[string]bool)

	for _, id := range comp.Tasks {
		vx := g.vertices[g.index[id]]
		task := vx.task
		v.Nodes = append(v.Nodes, ViewNode{
			ID:             taskNodeID(id),
			Kind:           NodeTask,
			TaskID:         id,
			IsRecoveryTask: task.IsRecoveryTask,
		})

		for _, name := range task.InputFiles {
			producer := g.lastProducerBefore(run, name, task.TimeWorkerStart)
			if producer == nil {
				v.Omitted = append(v.Omitted, Omission{TaskID: id, File: name})
				continue
			}
			files[name] = true
			v.Edges = append(v.Edges, ViewEdge{
				From:     fileNodeID(name),
				To:       taskNodeID(id),
				Weight:   g.round(task.TimeWorkerStart - producer.TimeWorkerEnd),
				Recovery: task.IsRecoveryTask || producer.IsRecoveryTask,
			})
		}
		for _, name := range task.OutputFiles {
			files[name] = true
			v.Edges = append(v.Edges, ViewEdge{
				From:     taskNodeID(id),
				To:       fileNodeID(name),
				Weight:   vx.weight,
				Recovery: task.IsRecoveryTask,
			})
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Nodes = append(v.Nodes, ViewNode{ID: fileNodeID(name), Kind: NodeFile, File: name})
	}
	return v
}

// lastProducerBefore returns the last producer of name, in production order,
// whose execution ended no later than start.
func (g *Graph) lastProducerBefore(run *model.Run, name string, start float64) *model.Task {
	f, ok := run.Files[name]
	if !ok {
		return nil
	}
	var found *model.Task
	for _, id := range f.Producers {
		i, ok := g.index[id]
		if !ok {
			continue
		}
		if p := g.vertices[i].task; p.TimeWorkerEnd <= start {
			found = p
		}
	}
	return found
}
