package main

import (
	"context"
	"sync"
	"sync/atomic"
)

// faultyStore wraps a MemoryStore and fails selected operations
type faultyStore struct {
	*MemoryStore

	mu          sync.Mutex
	failCreate  map[string]error // collection -> error
	failUpdate  error
	failList    map[string]error
	failGetOne  map[string]error // collection -> error
	failCreateN map[string]int // fail only the nth create (1-based) in a collection
	creates     map[string]int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: NewMemoryStore(),
		failCreate:  make(map[string]error),
		failList:    make(map[string]error),
		failGetOne:  make(map[string]error),
		failCreateN: make(map[string]int),
		creates:     make(map[string]int),
	}
}

func (f *faultyStore) List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error) {
	f.mu.Lock()
	err := f.failList[collection]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.List(ctx, collection, filter, page, perPage)
}

func (f *faultyStore) GetOne(ctx context.Context, collection, id string) (Document, error) {
	f.mu.Lock()
	err := f.failGetOne[collection]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.GetOne(ctx, collection, id)
}

func (f *faultyStore) Create(ctx context.Context, collection string, fields Document) (Document, error) {
	f.mu.Lock()
	f.creates[collection]++
	n := f.creates[collection]
	err := f.failCreate[collection]
	if nth, ok := f.failCreateN[collection]; ok && nth != n {
		err = nil
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.Create(ctx, collection, fields)
}

func (f *faultyStore) Update(ctx context.Context, collection, id string, fields Document) (Document, error) {
	if f.failUpdate != nil {
		return nil, f.failUpdate
	}
	return f.MemoryStore.Update(ctx, collection, id, fields)
}

// barrierStore holds the first n geometry lookups until all n have arrived,
// so n concurrent first votes all see an empty store
type barrierStore struct {
	*MemoryStore
	n       int32
	arrived atomic.Int32
	release chan struct{}
}

func newBarrierStore(n int) *barrierStore {
	return &barrierStore{
		MemoryStore: NewMemoryStore(),
		n:           int32(n),
		release:     make(chan struct{}),
	}
}

func (b *barrierStore) List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error) {
	res, err := b.MemoryStore.List(ctx, collection, filter, page, perPage)
	if collection != CollectionGeometries {
		return res, err
	}

	// Every lookup reads the store before any caller may go on to create
	switch k := b.arrived.Add(1); {
	case k < b.n:
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case k == b.n:
		close(b.release)
	}
	return res, err
}

// stubRoads is a RoadDataClient returning a canned response
type stubRoads struct {
	mu    sync.Mutex
	resp  *RoadDataResponse
	err   error
	calls []Point
}

func (s *stubRoads) QueryNearby(ctx context.Context, location Point, radiusMeters float64) (*RoadDataResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, location)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubRoads) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func wayElement(id int64, coords ...LatLon) RoadElement {
	return RoadElement{
		Type:     "way",
		ID:       id,
		Geometry: coords,
		Tags:     map[string]string{"highway": "residential"},
	}
}
