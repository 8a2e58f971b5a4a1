package vector

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNew_Memory(t *testing.T) {
	idx, err := New("memory", 3)
	if err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	if err := idx.Add(ctx, [][]float32{{1, 0, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if idx.Size() != 1 || idx.Type() != IndexTypeMemory {
		t.Errorf("Size=%d Type=%s", idx.Size(), idx.Type())
	}
}

func TestNew_Empty(t *testing.T) {
	idx, err := New("", 3)
	if err != nil {
		t.Fatalf("New(''): %v", err)
	}
	defer idx.Close()
	if idx.Size() != 0 {
		t.Errorf("Size=%d, want 0", idx.Size())
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := New("unknown", 3); err == nil {
		t.Error("expected error for unknown index type")
	}
	if _, err := Open("unknown", "x"); err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNew_InvalidDimension(t *testing.T) {
	if _, err := New("memory", 0); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New("chromem", -1); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestFilePath(t *testing.T) {
	tests := map[IndexType]string{
		IndexTypeMemory:  "x_index.vec",
		IndexTypeFAISS:   "x_index.faiss",
		IndexTypeChromem: "x_index.chromem",
	}
	for typ, want := range tests {
		if got := FilePath(typ, "x_index"); got != want {
			t.Errorf("FilePath(%s) = %s, want %s", typ, got, want)
		}
	}
}

func TestIsFAISSAvailable(t *testing.T) {
	t.Logf("FAISS available: %v", IsFAISSAvailable())
}

func TestNew_FAISS(t *testing.T) {
	if !IsFAISSAvailable() {
		t.Skip("FAISS not available (build with -tags=faiss)")
	}
	ctx := context.Background()
	idx, err := New("faiss", 3)
	if err != nil {
		t.Fatalf("New(faiss): %v", err)
	}
	defer idx.Close()
	if err := idx.Add(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	results, err := idx.Search(ctx, []float32{0, 1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ID != 1 {
		t.Errorf("unexpected results %+v", results)
	}

	base := filepath.Join(t.TempDir(), "f_index")
	if err := idx.Save(base); err != nil {
		t.Fatal(err)
	}
	loaded, err := Open("faiss", base)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Close()
	if loaded.Size() != 2 || loaded.Dimensions() != 3 {
		t.Errorf("loaded size=%d dims=%d", loaded.Size(), loaded.Dimensions())
	}
}
