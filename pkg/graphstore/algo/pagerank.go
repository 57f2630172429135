package algo

import (
	"context"
	"math"
)

const (
	pageRankDamping   = 0.85
	pageRankTolerance = 1e-6
	pageRankMaxRounds = 100
)

// PageRank computes classic iterative PageRank over the graph: damping
// 0.85, uniform teleport, dangling nodes redistribute their mass
// uniformly over all nodes. Iteration stops when the total absolute score
// delta drops below 1e-6 or after 100 rounds. Deterministic for a fixed
// node and edge set; an empty graph yields an empty map. Cancellation is
// checked at every iteration boundary.
func (g *Graph) PageRank(ctx context.Context) (map[string]float64, error) {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}, nil
	}

	scores := make([]float64, n)
	next := make([]float64, n)
	initial := 1.0 / float64(n)
	for i := range scores {
		scores[i] = initial
	}

	teleport := (1.0 - pageRankDamping) / float64(n)
	for round := 0; round < pageRankMaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		danglingMass := 0.0
		for i := range next {
			next[i] = 0
		}
		for i := range g.nodes {
			outDegree := len(g.out[i])
			if outDegree == 0 {
				danglingMass += scores[i]
				continue
			}
			share := scores[i] / float64(outDegree)
			for _, edgeIdx := range g.out[i] {
				target := g.nodeIndex[g.edges[edgeIdx].TargetEntityID]
				next[target] += share
			}
		}

		danglingShare := danglingMass / float64(n)
		delta := 0.0
		for i := range next {
			next[i] = teleport + pageRankDamping*(next[i]+danglingShare)
			delta += math.Abs(next[i] - scores[i])
		}
		scores, next = next, scores

		if delta < pageRankTolerance {
			break
		}
	}

	result := make(map[string]float64, n)
	for i, node := range g.nodes {
		result[node.ID] = scores[i]
	}
	return result, nil
}
