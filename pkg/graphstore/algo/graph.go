// Package algo implements the in-memory graph algorithms: BFS shortest
// path, PageRank, and node embedding. A Graph is built fresh per call
// from persisted entities and relationships; nothing here touches
// storage.
package algo

import (
	"github.com/loomgraph/loom/pkg/common"

	"github.com/loomgraph/loom/pkg/logger"
)

// Graph is an index-based adjacency representation of one vector store's
// entities and relationships. Immutable after Build.
type Graph struct {
	nodes     []common.Entity
	edges     []common.Relationship
	nodeIndex map[string]int // entity ID -> index into nodes
	out       [][]int        // node index -> outgoing edge indices
	in        [][]int        // node index -> incoming edge indices
}

// Build constructs a Graph from persisted rows. Relationships referencing
// unknown entities are skipped and logged; they cannot occur through the
// store's write path but may appear in partially deleted data.
func Build(entities []common.Entity, relationships []common.Relationship) *Graph {
	g := &Graph{
		nodes:     entities,
		nodeIndex: make(map[string]int, len(entities)),
		out:       make([][]int, len(entities)),
		in:        make([][]int, len(entities)),
	}
	for i, entity := range entities {
		g.nodeIndex[entity.ID] = i
	}

	g.edges = make([]common.Relationship, 0, len(relationships))
	for _, rel := range relationships {
		src, okS := g.nodeIndex[rel.SourceEntityID]
		tgt, okT := g.nodeIndex[rel.TargetEntityID]
		if !okS || !okT {
			logger.Warn("[Graph] Skipping edge with unknown endpoint",
				"edge", rel.ID, "source", rel.SourceEntityID, "target", rel.TargetEntityID)
			continue
		}
		edgeIdx := len(g.edges)
		g.edges = append(g.edges, rel)
		g.out[src] = append(g.out[src], edgeIdx)
		g.in[tgt] = append(g.in[tgt], edgeIdx)
	}
	return g
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// HasNode reports whether the entity exists in the graph.
func (g *Graph) HasNode(entityID string) bool {
	_, ok := g.nodeIndex[entityID]
	return ok
}

// HasEdge reports whether a directed edge from source to target exists.
func (g *Graph) HasEdge(sourceEntityID, targetEntityID string) bool {
	src, ok := g.nodeIndex[sourceEntityID]
	if !ok {
		return false
	}
	for _, edgeIdx := range g.out[src] {
		if g.edges[edgeIdx].TargetEntityID == targetEntityID {
			return true
		}
	}
	return false
}

// NodeDegree returns the total degree (in plus out) of the entity, 0 for
// unknown nodes.
func (g *Graph) NodeDegree(entityID string) int {
	idx, ok := g.nodeIndex[entityID]
	if !ok {
		return 0
	}
	return len(g.out[idx]) + len(g.in[idx])
}

// EdgeDegree returns the combined degree of an edge's endpoints, the
// ranking heuristic weight of the connection.
func (g *Graph) EdgeDegree(sourceEntityID, targetEntityID string) int {
	return g.NodeDegree(sourceEntityID) + g.NodeDegree(targetEntityID)
}

// ShortestPath returns the edges of an unweighted shortest path from
// source to target over the directed graph, empty when either endpoint is
// unknown or no path exists.
func (g *Graph) ShortestPath(sourceEntityID, targetEntityID string) []common.Relationship {
	src, okS := g.nodeIndex[sourceEntityID]
	tgt, okT := g.nodeIndex[targetEntityID]
	if !okS || !okT {
		return nil
	}
	if src == tgt {
		return []common.Relationship{}
	}

	// BFS recording the edge that first reached each node.
	via := make([]int, len(g.nodes))
	for i := range via {
		via[i] = -1
	}
	visited := make([]bool, len(g.nodes))
	visited[src] = true
	queue := []int{src}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edgeIdx := range g.out[current] {
			next := g.nodeIndex[g.edges[edgeIdx].TargetEntityID]
			if visited[next] {
				continue
			}
			visited[next] = true
			via[next] = edgeIdx
			if next == tgt {
				return g.tracePath(src, tgt, via)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func (g *Graph) tracePath(src, tgt int, via []int) []common.Relationship {
	path := make([]common.Relationship, 0)
	current := tgt
	for current != src {
		edgeIdx := via[current]
		if edgeIdx < 0 {
			return nil
		}
		path = append(path, g.edges[edgeIdx])
		current = g.nodeIndex[g.edges[edgeIdx].SourceEntityID]
	}
	// Reverse into source-to-target order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
