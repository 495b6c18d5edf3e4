// Package vector abstracts the similarity-search collaborator used to find
// candidate analyses for reuse. The production deployment points this at an
// external index; MemoryIndex serves tests and single-process mode.
package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Document is an indexed analysis description.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Hit is one search result.
type Hit struct {
	ID         string
	Similarity float64
	Metadata   map[string]any
}

// Index is the similarity-search collaborator.
type Index interface {
	Save(ctx context.Context, doc Document) error
	Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Hit, error)
}

// MemoryIndex is a bag-of-words cosine index. Good enough for tests and
// small single-process deployments; not a substitute for real embeddings.
type MemoryIndex struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
}

type memoryDoc struct {
	vector   map[string]float64
	norm     float64
	metadata map[string]any
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]*memoryDoc)}
}

// Save indexes a document, replacing any prior version under the same id.
func (m *MemoryIndex) Save(ctx context.Context, doc Document) error {
	vec := termVector(doc.Text)

	meta := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		meta[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = &memoryDoc{vector: vec, norm: norm(vec), metadata: meta}
	return nil
}

// Search returns up to topK documents with cosine similarity at or above
// minSimilarity, best first.
func (m *MemoryIndex) Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Hit, error) {
	qv := termVector(query)
	qn := norm(qv)
	if qn == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []Hit
	for id, doc := range m.docs {
		if doc.norm == 0 {
			continue
		}
		var dot float64
		for term, w := range qv {
			dot += w * doc.vector[term]
		}
		sim := dot / (qn * doc.norm)
		if sim >= minSimilarity {
			hits = append(hits, Hit{ID: id, Similarity: sim, Metadata: doc.metadata})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func termVector(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		term = strings.Trim(term, ".,!?;:\"'()")
		if term != "" {
			vec[term]++
		}
	}
	return vec
}

func norm(vec map[string]float64) float64 {
	var sum float64
	for _, w := range vec {
		sum += w * w
	}
	return math.Sqrt(sum)
}

var _ Index = (*MemoryIndex)(nil)
