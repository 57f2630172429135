package algo

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/loomgraph/loom/pkg/common"
)

// Node embedding algorithm names accepted by EmbedNodes.
const (
	EmbedAlgorithmPageRank = "pagerank"
	EmbedAlgorithmNode2Vec = "node2vec"
)

// EmbedNodesParams configures the node2vec-style embedding. Zero values
// fall back to defaults. The same seed over the same graph produces the
// same vectors.
type EmbedNodesParams struct {
	Dimensions   int
	WalkLength   int
	WalksPerNode int
	WindowSize   int
	LearningRate float64
	Seed         int64
}

func (p *EmbedNodesParams) applyDefaults() {
	if p.Dimensions <= 0 {
		p.Dimensions = 64
	}
	if p.WalkLength <= 0 {
		p.WalkLength = 20
	}
	if p.WalksPerNode <= 0 {
		p.WalksPerNode = 10
	}
	if p.WindowSize <= 0 {
		p.WindowSize = 3
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.025
	}
}

// EmbedNodes produces a per-node embedding vector. "pagerank" returns the
// PageRank score as a one-dimensional embedding. "node2vec" runs seeded
// random walks per node and pulls the vectors of co-occurring nodes
// together within a context window, then L2-normalizes. The walk scheme
// is a ranking heuristic: nodes that share neighborhoods end up with
// closer vectors. Cancellation is checked at walk boundaries.
func (g *Graph) EmbedNodes(ctx context.Context, algorithm string, params EmbedNodesParams) (map[string][]float32, error) {
	switch algorithm {
	case EmbedAlgorithmPageRank:
		scores, err := g.PageRank(ctx)
		if err != nil {
			return nil, err
		}
		result := make(map[string][]float32, len(scores))
		for id, score := range scores {
			result[id] = []float32{float32(score)}
		}
		return result, nil
	case EmbedAlgorithmNode2Vec:
		return g.node2vec(ctx, params)
	default:
		return nil, fmt.Errorf("unknown node embedding algorithm %q", algorithm)
	}
}

func (g *Graph) node2vec(ctx context.Context, params EmbedNodesParams) (map[string][]float32, error) {
	params.applyDefaults()
	n := len(g.nodes)
	if n == 0 {
		return map[string][]float32{}, nil
	}

	rng := rand.New(rand.NewSource(params.Seed))

	vectors := make([][]float64, n)
	for i := range vectors {
		vectors[i] = make([]float64, params.Dimensions)
		for d := range vectors[i] {
			vectors[i][d] = rng.Float64() - 0.5
		}
	}

	for start := 0; start < n; start++ {
		for w := 0; w < params.WalksPerNode; w++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			walk := g.randomWalk(rng, start, params.WalkLength)
			trainWalk(vectors, walk, params.WindowSize, params.LearningRate)
		}
	}

	result := make(map[string][]float32, n)
	for i, node := range g.nodes {
		vec := make([]float32, params.Dimensions)
		for d, x := range vectors[i] {
			vec[d] = float32(x)
		}
		common.NormalizeL2(vec)
		result[node.ID] = vec
	}
	return result, nil
}

// randomWalk follows outgoing edges uniformly at random, stopping early
// at sinks.
func (g *Graph) randomWalk(rng *rand.Rand, start int, length int) []int {
	walk := make([]int, 1, length)
	walk[0] = start
	current := start
	for len(walk) < length {
		outEdges := g.out[current]
		if len(outEdges) == 0 {
			break
		}
		edgeIdx := outEdges[rng.Intn(len(outEdges))]
		current = g.nodeIndex[g.edges[edgeIdx].TargetEntityID]
		walk = append(walk, current)
	}
	return walk
}

// trainWalk pulls the vectors of nodes co-occurring within the window a
// small step towards each other.
func trainWalk(vectors [][]float64, walk []int, window int, lr float64) {
	for i, center := range walk {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window
		if hi >= len(walk) {
			hi = len(walk) - 1
		}
		for j := lo; j <= hi; j++ {
			if j == i || walk[j] == center {
				continue
			}
			a, b := vectors[center], vectors[walk[j]]
			for d := range a {
				diff := b[d] - a[d]
				a[d] += lr * diff
				b[d] -= lr * diff
			}
		}
	}
}
