package graph

import (
	"math"
	"testing"
)

func almostEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0},
		{"mismatched lengths", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); !almostEqual(got, tt.want) {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMeanVector(t *testing.T) {
	got := MeanVector([][]float32{{1, 2}, {3, 4}})
	if len(got) != 2 || !almostEqual(got[0], 2) || !almostEqual(got[1], 3) {
		t.Errorf("MeanVector = %v, want [2 3]", got)
	}

	if MeanVector(nil) != nil {
		t.Error("MeanVector(nil) should be nil")
	}
}

func TestRankBySimilarity(t *testing.T) {
	target := []float32{1, 0}
	candidates := []NodeVector{
		{NodeID: "base", Embedding: []float32{1, 0}},
		{NodeID: "close", Embedding: []float32{0.9, 0.1}},
		{NodeID: "far", Embedding: []float32{-1, 0}},
	}

	got := RankBySimilarity(target, candidates, "base", -1, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].NodeID != "close" || got[1].NodeID != "far" {
		t.Errorf("ranking order wrong: %+v", got)
	}
	if got[0].Similarity <= 0.99 {
		t.Errorf("similarity to close candidate = %v, want > 0.99", got[0].Similarity)
	}

	// minSimilarity filters, limit truncates.
	got = RankBySimilarity(target, candidates, "base", 0.5, 10)
	if len(got) != 1 || got[0].NodeID != "close" {
		t.Errorf("minSimilarity filter failed: %+v", got)
	}
	got = RankBySimilarity(target, candidates, "", -1, 1)
	if len(got) != 1 {
		t.Errorf("limit truncation failed: %+v", got)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	decoded, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("component %d: %v != %v", i, decoded[i], vec[i])
		}
	}
}

func TestDecodeVectorRejectsBadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob length not divisible by 4")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alpha", "alpha"},
		{"Hello, World!", "hello-world"},
		{"  spaced   out  ", "spaced-out"},
		{"état Über", "état-über"},
		{"!!!", "node"},
		{"v1.2.3", "v1-2-3"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
