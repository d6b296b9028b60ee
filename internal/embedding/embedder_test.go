package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"pinedocs/internal/index"
	"pinedocs/internal/qc"
)

// fakeEngine returns deterministic vectors keyed on text length. failOn
// makes a specific text fail; shortFor makes a text return the wrong
// dimensionality.
type fakeEngine struct {
	dims     int
	failOn   string
	shortFor string

	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if text == f.failOn {
		return nil, errors.New("backend refused")
	}
	dims := f.dims
	if text == f.shortFor {
		dims = f.dims - 1
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i)*0.01
	}
	return vec, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return f.dims }
func (f *fakeEngine) Name() string    { return "fake:test" }

func testChunks(n int) []index.Chunk {
	chunks := make([]index.Chunk, n)
	for i := range chunks {
		chunks[i] = index.Chunk{
			ChunkID:      "reference:a1:var_" + string(rune('a'+i)),
			DocType:      "reference",
			PineVersion:  "v6",
			CanonicalURL: "https://www.tradingview.com/pine-script-reference/v6",
			SymbolType:   "var",
			Text:         strings.Repeat("x", i+1),
		}
	}
	return chunks
}

func TestBuildEmbedsEveryChunk(t *testing.T) {
	engine := &fakeEngine{dims: 8}
	chunks := testChunks(5)

	records, err := Build(context.Background(), engine, "v6_run1", chunks, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	for i, rec := range records {
		if rec.ChunkID != chunks[i].ChunkID {
			t.Errorf("record %d chunk id = %q, want %q", i, rec.ChunkID, chunks[i].ChunkID)
		}
		if rec.IndexID != "v6_run1" {
			t.Errorf("record %d index id = %q", i, rec.IndexID)
		}
		if rec.Model != "fake:test" || rec.Dims != 8 {
			t.Errorf("record %d model/dims = %q/%d", i, rec.Model, rec.Dims)
		}
		if len(rec.Vector) != 8 {
			t.Errorf("record %d vector has %d dims", i, len(rec.Vector))
		}
	}
	if engine.calls != 5 {
		t.Fatalf("engine called %d times, want 5", engine.calls)
	}
}

func TestBuildFailsOnBackendError(t *testing.T) {
	chunks := testChunks(4)
	engine := &fakeEngine{dims: 8, failOn: chunks[2].Text}

	_, err := Build(context.Background(), engine, "v6_run1", chunks, 2)
	if err == nil {
		t.Fatal("expected failure when a chunk cannot be embedded")
	}
	if !strings.Contains(err.Error(), chunks[2].ChunkID) {
		t.Fatalf("error does not name the failing chunk: %v", err)
	}
}

func TestBuildDimensionGate(t *testing.T) {
	chunks := testChunks(3)
	engine := &fakeEngine{dims: 8, shortFor: chunks[1].Text}

	_, err := Build(context.Background(), engine, "v6_run1", chunks, 1)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "dimension_mismatch") {
		t.Fatalf("expected dimension_mismatch gate, got %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	sim, err := CosineSimilarity(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sim-1) > 1e-9 {
		t.Fatalf("self similarity = %v, want 1", sim)
	}

	sim, err = CosineSimilarity(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sim) > 1e-9 {
		t.Fatalf("orthogonal similarity = %v, want 0", sim)
	}

	if _, err := CosineSimilarity(a, []float32{1, 2}); err == nil {
		t.Fatal("mismatched lengths must error")
	}

	sim, err = CosineSimilarity([]float32{0, 0, 0}, b)
	if err != nil || sim != 0 {
		t.Fatalf("zero vector similarity = %v, %v", sim, err)
	}
}
