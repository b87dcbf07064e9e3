package analysis

import (
	"math"
	"sort"

	"github.com/allsmog/revgraph/internal/types"
)

// ClusterMethod selects the clustering algorithm.
type ClusterMethod string

const (
	// MethodDBSCAN is density-based clustering. Points in no dense region
	// are labeled noise.
	MethodDBSCAN ClusterMethod = "dbscan"

	// MethodKMeans partitions into a fixed number of clusters.
	MethodKMeans ClusterMethod = "kmeans"
)

// NoiseLabel marks DBSCAN points that belong to no cluster.
const NoiseLabel = -1

// ClusterParams configure a clustering run. Epsilon and MinSamples apply
// to DBSCAN; K and MaxIterations apply to KMeans.
type ClusterParams struct {
	Method        ClusterMethod
	Epsilon       float64
	MinSamples    int
	K             int
	MaxIterations int
}

// DefaultClusterParams returns the CLI defaults for the given method.
func DefaultClusterParams(method ClusterMethod) ClusterParams {
	return ClusterParams{
		Method:        method,
		Epsilon:       0.3,
		MinSamples:    2,
		K:             8,
		MaxIterations: 50,
	}
}

// Validate checks method and parameter ranges.
func (p ClusterParams) Validate() error {
	switch p.Method {
	case MethodDBSCAN:
		if p.Epsilon <= 0 {
			return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
				"epsilon must be positive, got %v", p.Epsilon)
		}
		if p.MinSamples < 1 {
			return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
				"min samples must be at least 1, got %d", p.MinSamples)
		}
	case MethodKMeans:
		if p.K < 1 {
			return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
				"k must be at least 1, got %d", p.K)
		}
		if p.MaxIterations < 1 {
			return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
				"max iterations must be at least 1, got %d", p.MaxIterations)
		}
	default:
		return types.NewErrorf(types.CLUSTERING_INVALID_METHOD,
			"unknown clustering method %q", p.Method)
	}
	return nil
}

// Point is one entity to cluster: an identifier plus its vector.
type Point struct {
	ID     string
	Vector []float64
}

// Cluster is one group in a clustering result.
type Cluster struct {
	// Label is the cluster label. NoiseLabel holds DBSCAN noise points.
	Label int

	// Members are the point IDs assigned to this cluster, sorted.
	Members []string

	// Representative is the member closest to the cluster centroid. Empty
	// for the noise cluster.
	Representative string
}

// ClusterResult is the outcome of one clustering run.
type ClusterResult struct {
	Method   ClusterMethod
	Clusters []Cluster
}

// ClusterPoints groups points by vector proximity. Runs are deterministic
// for a given input ordering. Fewer than two points yield a single cluster
// without invoking the algorithm.
func ClusterPoints(points []Point, params ClusterParams) (ClusterResult, error) {
	if err := params.Validate(); err != nil {
		return ClusterResult{}, err
	}

	if len(points) < 2 {
		result := ClusterResult{Method: params.Method}
		if len(points) == 1 {
			result.Clusters = []Cluster{{
				Label:          0,
				Members:        []string{points[0].ID},
				Representative: points[0].ID,
			}}
		}
		return result, nil
	}

	var labels []int
	switch params.Method {
	case MethodDBSCAN:
		labels = dbscan(points, params.Epsilon, params.MinSamples)
	case MethodKMeans:
		labels = kmeans(points, params.K, params.MaxIterations)
	}

	return ClusterResult{Method: params.Method, Clusters: buildClusters(points, labels)}, nil
}

// dbscan labels points by density reachability using cosine distance.
// Core points need at least minSamples neighbors (self included) within
// epsilon. Non-reachable points get NoiseLabel.
func dbscan(points []Point, epsilon float64, minSamples int) []int {
	const unvisited = -2
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if cosineDistance(points[i].Vector, points[j].Vector) <= epsilon {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbors(i)
		if len(seeds) < minSamples {
			labels[i] = NoiseLabel
			continue
		}

		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == NoiseLabel {
				labels[j] = cluster // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			expanded := neighbors(j)
			if len(expanded) >= minSamples {
				seeds = append(seeds, expanded...)
			}
		}
		cluster++
	}
	return labels
}

// kmeans partitions points into k clusters with Lloyd's algorithm.
// Centroids are seeded from evenly spaced input points so runs are
// deterministic.
func kmeans(points []Point, k, maxIterations int) []int {
	n := len(points)
	if k > n {
		k = n
	}
	dim := len(points[0].Vector)

	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		src := points[c*n/k].Vector
		centroids[c] = append([]float64(nil), src...)
	}

	labels := make([]int, n)
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c := range centroids {
				if d := euclideanDistance(p.Vector, centroids[c]); d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			counts[labels[i]]++
			for d, v := range p.Vector {
				sums[labels[i]][d] += v
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // empty cluster keeps its centroid
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}
	return labels
}

// buildClusters groups labeled points, picks representatives, and
// renumbers non-noise clusters densely in order of first appearance.
func buildClusters(points []Point, labels []int) []Cluster {
	members := make(map[int][]int)
	order := make([]int, 0)
	for i, label := range labels {
		if _, seen := members[label]; !seen {
			order = append(order, label)
		}
		members[label] = append(members[label], i)
	}
	sort.Slice(order, func(i, j int) bool {
		// Noise sorts last; real clusters keep first-appearance order.
		if order[i] == NoiseLabel {
			return false
		}
		if order[j] == NoiseLabel {
			return true
		}
		return indexOfFirst(labels, order[i]) < indexOfFirst(labels, order[j])
	})

	out := make([]Cluster, 0, len(order))
	next := 0
	for _, label := range order {
		idxs := members[label]
		ids := make([]string, len(idxs))
		for i, idx := range idxs {
			ids[i] = points[idx].ID
		}
		sort.Strings(ids)

		c := Cluster{Members: ids}
		if label == NoiseLabel {
			c.Label = NoiseLabel
		} else {
			c.Label = next
			next++
			c.Representative = representative(points, idxs)
		}
		out = append(out, c)
	}
	return out
}

// representative returns the ID of the member closest to the centroid.
func representative(points []Point, idxs []int) string {
	dim := len(points[idxs[0]].Vector)
	centroid := make([]float64, dim)
	for _, idx := range idxs {
		for d, v := range points[idx].Vector {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(idxs))
	}

	bestID := ""
	bestDist := math.Inf(1)
	for _, idx := range idxs {
		d := euclideanDistance(points[idx].Vector, centroid)
		if d < bestDist || (d == bestDist && points[idx].ID < bestID) {
			bestID = points[idx].ID
			bestDist = d
		}
	}
	return bestID
}

func indexOfFirst(labels []int, label int) int {
	for i, l := range labels {
		if l == label {
			return i
		}
	}
	return len(labels)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosineDistance(a, b []float64) float64 {
	return 1 - CosineSimilarity(a, b)
}

func euclideanDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
