package dag

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// CriticalPath is the heaviest path through one component.
type CriticalPath struct {
	Tasks         []int     `yaml:"task_ids" json:"task_ids"`
	VertexWeights []float64 `yaml:"vertex_weights" json:"vertex_weights"`
	EdgeWeights   []float64 `yaml:"edge_weights" json:"edge_weights"`
	Length        float64   `yaml:"length" json:"length"`
}

// CriticalPath computes the longest path of comp on its induced subgraph with
// Kahn's algorithm. longest[v] starts at the weight of v and is relaxed as
// longest[u] + weight(v) + weight(u,v). Among vertices sharing the maximum the
// smallest task id ends the path.
//
// A component that cannot be fully sorted yields a *CycleError.
func (g *Graph) CriticalPath(comp Component) (CriticalPath, error) {
	n := len(comp.Tasks)
	if n == 0 {
		return CriticalPath{}, nil
	}

	// Component-local scratch, indexed by position in comp.Tasks.
	pos := make(map[int]int, n)
	for i, id := range comp.Tasks {
		pos[g.index[id]] = i
	}
	inDegree := make([]int, n)
	longest := make([]float64, n)
	pred := make([]int, n)
	for i, id := range comp.Tasks {
		v := g.index[id]
		longest[i] = g.vertices[v].weight
		pred[i] = -1
		for _, e := range g.vertices[v].in {
			if _, ok := pos[g.edges[e].from]; ok {
				inDegree[i]++
			}
		}
	}

	queue := make([]int, 0, n)
	for i := range comp.Tasks {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		sorted++
		for _, e := range g.vertices[g.index[comp.Tasks[u]]].out {
			ed := g.edges[e]
			v, ok := pos[ed.to]
			if !ok {
				continue
			}
			if cand := longest[u] + g.vertices[ed.to].weight + ed.weight; cand > longest[v] {
				longest[v] = cand
				pred[v] = u
			}
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	if sorted < n {
		return CriticalPath{}, &CycleError{
			ComponentID: comp.ID,
			Path:        g.findCyclePath(comp, pos, inDegree),
			Remaining:   n - sorted,
		}
	}

	// comp.Tasks is ascending, so the first maximum has the smallest id.
	end := 0
	for i := 1; i < n; i++ {
		if longest[i] > longest[end] {
			end = i
		}
	}
	var rev []int
	for cur := end; cur >= 0; cur = pred[cur] {
		rev = append(rev, cur)
	}

	cp := CriticalPath{Tasks: make([]int, 0, len(rev))}
	for i := len(rev) - 1; i >= 0; i-- {
		id := comp.Tasks[rev[i]]
		cp.Tasks = append(cp.Tasks, id)
		cp.VertexWeights = append(cp.VertexWeights, g.vertices[g.index[id]].weight)
		cp.Length += g.vertices[g.index[id]].weight
	}
	for i := 0; i+1 < len(cp.Tasks); i++ {
		w, _ := g.EdgeWeight(cp.Tasks[i], cp.Tasks[i+1])
		cp.EdgeWeights = append(cp.EdgeWeights, w)
		cp.Length += w
	}
	cp.Length = g.round(cp.Length)
	return cp, nil
}

// findCyclePath walks the vertices the sort could not release and returns one
// cycle among them.
func (g *Graph) findCyclePath(comp Component, pos map[int]int, inDegree []int) []int {
	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // finished
	)
	color := make([]int, len(comp.Tasks))
	parent := make([]int, len(comp.Tasks))
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, e := range g.vertices[g.index[comp.Tasks[u]]].out {
			v, ok := pos[g.edges[e].to]
			if !ok {
				continue
			}
			if color[v] == gray {
				cycle = []int{comp.Tasks[v]}
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, comp.Tasks[cur])
				}
				cycle = append(cycle, comp.Tasks[v])
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
			}
		}
		color[u] = black
		return false
	}

	for i := range comp.Tasks {
		if inDegree[i] > 0 && color[i] == white {
			if dfs(i) {
				return cycle
			}
		}
	}
	return nil
}

// Result is the analysis of one component.
type Result struct {
	Component Component
	Path      CriticalPath
	Err       error
}

// Analyze computes every component's critical path concurrently with at most
// limit goroutines (GOMAXPROCS when limit <= 0). A failing component keeps its
// error in its Result and does not stop the others; the returned error is set
// only when ctx ends first.
func (g *Graph) Analyze(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(g.components))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, comp := range g.components {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := g.CriticalPath(comp)
			results[i] = Result{Component: comp, Path: path, Err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
