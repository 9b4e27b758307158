package embeddings

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/sageloop/sage/internal/db"
)

// countingProvider returns deterministic vectors and counts Embed calls.
type countingProvider struct {
	calls int
}

func (p *countingProvider) Model() string     { return "counting-v1" }
func (p *countingProvider) Dimensions() int   { return 3 }
func (p *countingProvider) IsAvailable() bool { return true }
func (p *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func newTestService(t *testing.T, p Provider) *Service {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, p)
}

func TestEmbedCachesByContent(t *testing.T) {
	p := &countingProvider{}
	svc := newTestService(t, p)

	first, err := svc.EmbedOne(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls)
	}

	second, err := svc.EmbedOne(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Errorf("cache hit must not call the provider, got %d calls", p.calls)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Errorf("cached vector differs: %v vs %v", first, second)
	}
}

func TestEmbedMixedCacheHits(t *testing.T) {
	p := &countingProvider{}
	svc := newTestService(t, p)

	if _, err := svc.EmbedOne(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	vecs, err := svc.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || vecs[0] == nil || vecs[1] == nil {
		t.Fatalf("got %v", vecs)
	}
	// The second call embeds only the uncached text.
	if p.calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.calls)
	}
}

func TestEmbedWithoutProvider(t *testing.T) {
	svc := newTestService(t, nil)
	if svc.HasProvider() {
		t.Error("no provider configured")
	}
	if _, err := svc.EmbedOne(context.Background(), "x"); err == nil {
		t.Error("expected error without a provider")
	}
	if svc.Dimensions() != 0 || svc.Model() != "" {
		t.Error("provider-less service must report zero dimensions and empty model")
	}
}

func TestSetProvider(t *testing.T) {
	svc := newTestService(t, nil)
	svc.SetProvider(&countingProvider{})
	if !svc.HasProvider() {
		t.Error("provider not installed")
	}
	if svc.Dimensions() != 3 {
		t.Errorf("dimensions = %d", svc.Dimensions())
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %f", got)
	}
	if got := CosineSimilarity(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: %f", got)
	}
	neg := []float32{-1, 0, 0}
	if got := CosineSimilarity(a, neg); math.Abs(got+1) > 1e-9 {
		t.Errorf("opposite vectors: %f", got)
	}
	if got := CosineSimilarity(a, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths must score 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vectors must score 0, got %f", got)
	}
}
