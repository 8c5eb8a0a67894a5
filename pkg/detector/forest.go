// Package detector embeds the anomaly scorer consulted for every metric
// event: an isolation forest over standard-scaled single-feature values,
// persisted to disk as a JSON artifact.
package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
)

const (
	numTrees      = 100
	maxSampleSize = 256
	contamination = 0.1
	randomSeed    = 42

	// ModelVersion tags persisted detection results.
	ModelVersion = "if_v1"
)

// eulerGamma is the Euler-Mascheroni constant used in the average
// unsuccessful-search path length of a binary search tree.
const eulerGamma = 0.5772156649015329

// treeNode is one node of an isolation tree. Leaves have Size > 0 and no
// children; internal nodes split at Split.
type treeNode struct {
	Split float64   `json:"split"`
	Left  *treeNode `json:"left,omitempty"`
	Right *treeNode `json:"right,omitempty"`
	Size  int       `json:"size,omitempty"`
}

// scaler standardizes values to zero mean and unit variance.
type scaler struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func (s *scaler) fit(data []float64) {
	n := float64(len(data))
	var sum float64
	for _, v := range data {
		sum += v
	}
	s.Mean = sum / n

	var ss float64
	for _, v := range data {
		d := v - s.Mean
		ss += d * d
	}
	s.Std = math.Sqrt(ss / n)
	if s.Std == 0 {
		s.Std = 1
	}
}

func (s *scaler) transform(v float64) float64 {
	return (v - s.Mean) / s.Std
}

// forest is the fitted isolation forest. Offset is the contamination
// quantile of the training scores: samples scoring below it are
// anomalies.
type forest struct {
	Trees      []*treeNode `json:"trees"`
	SampleSize int         `json:"sample_size"`
	Offset     float64     `json:"offset"`
}

// model is the serializable artifact: scorer, feature scaler and the
// fitted flag, mirroring what the retrain job persists.
type model struct {
	Scaler scaler  `json:"scaler"`
	Forest *forest `json:"forest,omitempty"`
	Fitted bool    `json:"is_fitted"`
}

// fit trains scaler and forest on the raw values. The seed is fixed so a
// bootstrap fit is reproducible across restarts.
func (m *model) fit(data []float64) {
	if len(data) == 0 {
		return
	}
	m.Scaler.fit(data)

	scaled := make([]float64, len(data))
	for i, v := range data {
		scaled[i] = m.Scaler.transform(v)
	}

	rng := rand.New(rand.NewPCG(randomSeed, randomSeed))
	sampleSize := min(maxSampleSize, len(scaled))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	f := &forest{
		Trees:      make([]*treeNode, numTrees),
		SampleSize: sampleSize,
	}
	for i := range f.Trees {
		sample := subsample(rng, scaled, sampleSize)
		f.Trees[i] = buildTree(rng, sample, 0, maxDepth)
	}

	// Offset: the contamination quantile of training scores. Everything
	// scoring below it at predict time is an anomaly.
	scores := make([]float64, len(scaled))
	for i, v := range scaled {
		scores[i] = f.score(v)
	}
	f.Offset = quantile(scores, contamination)

	m.Forest = f
	m.Fitted = true
}

// predict returns -1 for anomaly, +1 for normal. An unfitted model
// treats everything as normal.
func (m *model) predict(raw float64) int {
	if !m.Fitted || m.Forest == nil {
		return 1
	}
	if m.Forest.score(m.Scaler.transform(raw)) < m.Forest.Offset {
		return -1
	}
	return 1
}

// score returns the anomaly score for a raw value; lower means more
// anomalous. An unfitted model scores everything as zero.
func (m *model) score(raw float64) float64 {
	if !m.Fitted || m.Forest == nil {
		return 0
	}
	return m.Forest.score(m.Scaler.transform(raw))
}

// score computes -s(x) where s is the canonical isolation-forest anomaly
// score 2^(-E[h(x)]/c(ψ)); the result lies in [-1, 0).
func (f *forest) score(v float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, v, 0)
	}
	avg := total / float64(len(f.Trees))
	return -math.Exp2(-avg / avgPathLength(f.SampleSize))
}

func buildTree(rng *rand.Rand, sample []float64, depth, maxDepth int) *treeNode {
	if len(sample) <= 1 || depth >= maxDepth {
		return &treeNode{Size: len(sample)}
	}
	lo, hi := sample[0], sample[0]
	for _, v := range sample[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return &treeNode{Size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range sample {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &treeNode{
		Split: split,
		Left:  buildTree(rng, left, depth+1, maxDepth),
		Right: buildTree(rng, right, depth+1, maxDepth),
	}
}

func pathLength(n *treeNode, v float64, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(depth) + avgPathLength(n.Size)
	}
	if v < n.Split {
		return pathLength(n.Left, v, depth+1)
	}
	return pathLength(n.Right, v, depth+1)
}

// avgPathLength is c(n), the average path length of an unsuccessful
// search in a BST of n nodes; the normalization term of the score.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}

func subsample(rng *rand.Rand, data []float64, size int) []float64 {
	if size >= len(data) {
		return data
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = data[rng.IntN(len(data))]
	}
	return out
}

// quantile returns the q-quantile (0..1) of values, nearest-rank.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// load reads the artifact from path.
func load(path string) (*model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m model
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	return &m, nil
}

// save persists the artifact atomically: write to a temp file in the
// same directory, then rename over the target.
func (m *model) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model dir: %w", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model artifact: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace model artifact: %w", err)
	}
	return nil
}
