// Package dag builds the task dependency graph of a run and analyses it.
//
// Vertices are tasks that reached done; an edge P->C exists when C consumed a
// file P produced. Vertices and edges live in flat slices and refer to each
// other by index.
package dag

import (
	"math"
	"sort"

	"github.com/msageha/vinetrace/internal/model"
)

// Options control graph construction.
type Options struct {
	// Precision is the number of decimals weights are rounded to.
	Precision int
}

type vertex struct {
	taskID int
	weight float64
	task   *model.Task
	out    []int // edge indices
	in     []int // edge indices
}

type edge struct {
	from, to int // vertex indices
	weight   float64
}

// Edge is a dependency between two tasks.
type Edge struct {
	From   int     `yaml:"from" json:"from"`
	To     int     `yaml:"to" json:"to"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Component is a weakly connected set of tasks, ordered by task id.
type Component struct {
	ID    int   `yaml:"component_id" json:"component_id"`
	Tasks []int `yaml:"task_ids" json:"task_ids"`
}

// Graph is an immutable dependency graph. It is safe for concurrent reads.
type Graph struct {
	vertices   []vertex
	edges      []edge
	index      map[int]int    // task id -> vertex index
	edgeIndex  map[[2]int]int // (from, to) vertex indices -> edge index
	components []Component
	precision  int
	negative   int
}

// Build constructs the graph from the done attempts of run and partitions it
// into weak components. Each done attempt gets its component id in GraphID.
func Build(run *model.Run, opts Options) *Graph {
	g := &Graph{
		index:     make(map[int]int),
		edgeIndex: make(map[[2]int]int),
		precision: opts.Precision,
	}

	for _, t := range run.TaskList() {
		if !t.IsDone() {
			continue
		}
		// TaskList is ordered by try id, so a later done attempt wins.
		if i, ok := g.index[t.TaskID]; ok {
			g.vertices[i].task = t
			g.vertices[i].weight = g.round(t.TimeWorkerEnd - t.TimeWorkerStart)
			continue
		}
		g.index[t.TaskID] = len(g.vertices)
		g.vertices = append(g.vertices, vertex{
			taskID: t.TaskID,
			weight: g.round(t.TimeWorkerEnd - t.TimeWorkerStart),
			task:   t,
		})
	}

	consumers := make(map[string][]int)
	for i := range g.vertices {
		for _, name := range g.vertices[i].task.InputFiles {
			consumers[name] = append(consumers[name], i)
		}
	}
	for p := range g.vertices {
		producer := g.vertices[p].task
		for _, name := range producer.OutputFiles {
			for _, c := range consumers[name] {
				consumer := g.vertices[c].task
				g.addEdge(p, c, g.round(consumer.TimeWorkerStart-producer.TimeWorkerEnd))
			}
		}
	}

	g.components = g.weakComponents()
	for _, comp := range g.components {
		for _, id := range comp.Tasks {
			g.vertices[g.index[id]].task.GraphID = comp.ID
		}
	}
	return g
}

func (g *Graph) round(v float64) float64 {
	p := math.Pow(10, float64(g.precision))
	return math.Round(v*p) / p
}

// addEdge adds from->to once; later calls for the same pair are ignored.
func (g *Graph) addEdge(from, to int, weight float64) {
	key := [2]int{from, to}
	if _, ok := g.edgeIndex[key]; ok {
		return
	}
	e := len(g.edges)
	g.edges = append(g.edges, edge{from: from, to: to, weight: weight})
	g.edgeIndex[key] = e
	g.vertices[from].out = append(g.vertices[from].out, e)
	g.vertices[to].in = append(g.vertices[to].in, e)
	if weight < 0 {
		g.negative++
	}
}

// weakComponents partitions vertices by an undirected depth-first traversal.
// Seeds are taken in ascending task id order.
func (g *Graph) weakComponents() []Component {
	visited := make([]bool, len(g.vertices))
	var out []Component
	for seed := range g.vertices {
		if visited[seed] {
			continue
		}
		var tasks []int
		stack := []int{seed}
		visited[seed] = true
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			tasks = append(tasks, g.vertices[v].taskID)
			for _, e := range g.vertices[v].out {
				if to := g.edges[e].to; !visited[to] {
					visited[to] = true
					stack = append(stack, to)
				}
			}
			for _, e := range g.vertices[v].in {
				if from := g.edges[e].from; !visited[from] {
					visited[from] = true
					stack = append(stack, from)
				}
			}
		}
		sort.Ints(tasks)
		out = append(out, Component{ID: len(out) + 1, Tasks: tasks})
	}
	return out
}

// NumVertices returns the number of tasks in the graph.
func (g *Graph) NumVertices() int { return len(g.vertices) }

// NumEdges returns the number of deduplicated dependencies.
func (g *Graph) NumEdges() int { return len(g.edges) }

// NegativeEdges counts edges whose consumer started before its producer
// finished.
func (g *Graph) NegativeEdges() int { return g.negative }

// Components returns the weak components ordered by their smallest task id.
func (g *Graph) Components() []Component { return g.components }

// Weight returns the execution time of a task vertex.
func (g *Graph) Weight(taskID int) (float64, bool) {
	i, ok := g.index[taskID]
	if !ok {
		return 0, false
	}
	return g.vertices[i].weight, true
}

// EdgeWeight returns the wait between producer and consumer.
func (g *Graph) EdgeWeight(from, to int) (float64, bool) {
	fi, ok1 := g.index[from]
	ti, ok2 := g.index[to]
	if !ok1 || !ok2 {
		return 0, false
	}
	e, ok := g.edgeIndex[[2]int{fi, ti}]
	if !ok {
		return 0, false
	}
	return g.edges[e].weight, true
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = Edge{From: g.vertices[e.from].taskID, To: g.vertices[e.to].taskID, Weight: e.weight}
	}
	return out
}
