package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process RecordStore. Records keep insertion order so
// paging is stable.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	order   []string
	records map[string]Document
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (m *MemoryStore) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{records: make(map[string]Document)}
		m.collections[name] = c
	}
	return c
}

// List returns one page of records matching filter
func (m *MemoryStore) List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || perPage < 1 {
		return nil, fmt.Errorf("invalid page %d / perPage %d", page, perPage)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Document
	if c, ok := m.collections[collection]; ok {
		for _, id := range c.order {
			if doc := c.records[id]; filter.Matches(doc) {
				matched = append(matched, doc)
			}
		}
	}

	res := &ListResult{Page: page, PerPage: perPage, TotalItems: len(matched)}
	start := (page - 1) * perPage
	if start >= len(matched) {
		res.Items = []Document{}
		return res, nil
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}

	for _, doc := range matched[start:end] {
		cp, err := toDocument(doc)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, cp)
	}
	return res, nil
}

// GetOne returns a record by id
func (m *MemoryStore) GetOne(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	doc, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return toDocument(doc)
}

// Create stores a new record, assigning an id when fields has none
func (m *MemoryStore) Create(ctx context.Context, collection string, fields Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := toDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	if doc.ID() == "" {
		doc["id"] = uuid.New().String()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	doc["created"] = now
	doc["updated"] = now

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	if _, exists := c.records[doc.ID()]; exists {
		return nil, fmt.Errorf("%s/%s already exists", collection, doc.ID())
	}
	c.records[doc.ID()] = doc
	c.order = append(c.order, doc.ID())

	return toDocument(doc)
}

// Update merges fields into an existing record
func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patch, err := toDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	doc, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}

	for k, v := range patch {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	doc["updated"] = time.Now().UTC().Format(time.RFC3339Nano)

	return toDocument(doc)
}

// Count returns the number of records in a collection
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.collections[collection]; ok {
		return len(c.order)
	}
	return 0
}
