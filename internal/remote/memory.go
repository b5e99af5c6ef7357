package remote

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used in tests and offline development.
// FailPushes makes every write fail so retry behavior can be exercised.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]map[string]map[string]any
	FailPushes bool
	SetCalls   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]map[string]any)}
}

func (s *MemoryStore) Set(_ context.Context, collection, docID string, data map[string]any, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetCalls++
	if s.FailPushes {
		return context.DeadlineExceeded
	}
	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.data[collection] = coll
	}
	if merge {
		existing, ok := coll[docID]
		if !ok {
			existing = make(map[string]any)
			coll[docID] = existing
		}
		for k, v := range data {
			existing[k] = v
		}
		return nil
	}
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	coll[docID] = copied
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPushes {
		return context.DeadlineExceeded
	}
	delete(s.data[collection], docID)
	return nil
}

func (s *MemoryStore) ReadAll(_ context.Context, collection string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.data[collection]
	docs := make([]Document, 0, len(coll))
	for id, data := range coll {
		copied := make(map[string]any, len(data))
		for k, v := range data {
			copied[k] = v
		}
		docs = append(docs, Document{ID: id, Data: copied})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Doc returns the stored document, for assertions.
func (s *MemoryStore) Doc(collection, docID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][docID]
	return doc, ok
}
