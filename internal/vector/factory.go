package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search. Good for small datasets (<50k vectors).
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS uses a FAISS IndexFlatIP. Requires the FAISS library and -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
	// IndexTypeChromem uses an embedded chromem-go collection.
	IndexTypeChromem IndexType = "chromem"
)

// New creates an empty index of the given type for vectors of the given width.
// Supported types: "memory" (default), "faiss", "chromem".
func New(indexType string, dimensions int) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypeFAISS:
		return NewFAISSIndex(dimensions)
	case IndexTypeChromem:
		return NewChromemIndex(dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, faiss, chromem)", indexType)
	}
}

// Open loads an index previously written with Save(base).
func Open(indexType string, base string) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return OpenMemoryIndex(base)
	case IndexTypeFAISS:
		return OpenFAISSIndex(base)
	case IndexTypeChromem:
		return OpenChromemIndex(base)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, faiss, chromem)", indexType)
	}
}

// FilePath returns the file an index of the given type is saved to for base.
func FilePath(indexType IndexType, base string) string {
	switch indexType {
	case IndexTypeFAISS:
		return base + ".faiss"
	case IndexTypeChromem:
		return base + ".chromem"
	default:
		return base + ".vec"
	}
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
// This is determined by the build tag -tags=faiss.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
