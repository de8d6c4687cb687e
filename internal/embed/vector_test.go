package embed

import (
	"context"
	"math"
	"reflect"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	original := []float32{0.1, -0.5, 3.14, 0, 42.5}

	encoded := EncodeVector(original)
	if len(encoded) != len(original)*4 {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(original)*4)
	}

	decoded, err := DecodeVector(encoded)
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Errorf("round-trip mismatch: %v != %v", original, decoded)
	}
}

func TestDecodeVector_InvalidLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated vector data")
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero_vector", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"length_mismatch", []float32{1}, []float32{1, 2}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "chef knife japanese steel")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	v2, err := e.Embed(ctx, "chef knife japanese steel")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Error("same text produced different vectors")
	}

	// Overlapping texts should be closer than disjoint ones.
	related, _ := e.Embed(ctx, "chef knife german steel")
	unrelated, _ := e.Embed(ctx, "wireless gaming headset")
	if CosineSimilarity(v1, related) <= CosineSimilarity(v1, unrelated) {
		t.Error("token overlap did not increase similarity")
	}
}

func TestNoOpEmbedder(t *testing.T) {
	e := NewNoOpEmbedder(16)
	v, err := e.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(v) != 16 || e.Dimension() != 16 {
		t.Errorf("dimension mismatch: vector %d, Dimension() %d", len(v), e.Dimension())
	}
	for _, x := range v {
		if x != 0 {
			t.Fatal("no-op vector is not all zeros")
		}
	}
}
