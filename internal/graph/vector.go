package graph

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0.0 for zero-norm vectors or mismatched lengths.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	na := float32(math.Sqrt(float64(normA)))
	nb := float32(math.Sqrt(float64(normB)))
	if na == 0 || nb == 0 {
		return 0.0
	}

	return dot / (na * nb)
}

// MeanVector returns the component-wise mean of the given vectors.
// Returns nil for empty input. Vectors shorter than the first are
// zero-padded for the missing components.
func MeanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	mean := make([]float32, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(len(vecs)))
	}
	return mean
}

// NodeVector pairs a node id with its embedding, the unit candidate
// similarity queries operate on.
type NodeVector struct {
	NodeID    string
	Embedding []float32
}

// RankBySimilarity scores candidates against target, drops the excluded id
// and anything below minSimilarity, and returns the top-N by descending
// similarity. This is the reference ranking every backend must match.
func RankBySimilarity(target []float32, candidates []NodeVector, excludeID string, minSimilarity float32, topN int) []SimilarNode {
	var results []SimilarNode
	for _, c := range candidates {
		if c.NodeID == excludeID {
			continue
		}
		sim := CosineSimilarity(target, c.Embedding)
		if sim >= minSimilarity {
			results = append(results, SimilarNode{NodeID: c.NodeID, Similarity: sim})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results
}

// EncodeVector converts a []float32 to a little-endian byte slice,
// 4 bytes per component, for BLOB storage.
func EncodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte slice back to []float32.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}
