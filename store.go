package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Document is a record as exchanged with a record store
type Document map[string]interface{}

// ID returns the record id or "" when missing
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// ListResult is one page of a List call
type ListResult struct {
	Items      []Document
	Page       int
	PerPage    int
	TotalItems int
}

// RecordStore is the keyed document store holding votes and way caches
type RecordStore interface {
	List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error)
	GetOne(ctx context.Context, collection, id string) (Document, error)
	Create(ctx context.Context, collection string, fields Document) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) (Document, error)
}

// FieldMatch is a single exact equality test
type FieldMatch struct {
	Field string
	Value interface{}
}

// Filter is a conjunction of exact field equalities. An empty filter matches everything.
type Filter []FieldMatch

// Eq starts a filter with one equality
func Eq(field string, value interface{}) Filter {
	return Filter{{Field: field, Value: value}}
}

// And adds another equality to the filter
func (f Filter) And(field string, value interface{}) Filter {
	out := make(Filter, len(f), len(f)+1)
	copy(out, f)
	return append(out, FieldMatch{Field: field, Value: value})
}

// Matches reports whether doc satisfies every equality
func (f Filter) Matches(doc Document) bool {
	for _, m := range f {
		v, ok := doc[m.Field]
		if !ok || !valuesEqual(v, m.Value) {
			return false
		}
	}
	return true
}

// String renders the filter in PocketBase filter syntax
func (f Filter) String() string {
	parts := make([]string, 0, len(f))
	for _, m := range f {
		parts = append(parts, fmt.Sprintf("%s = %s", m.Field, filterLiteral(m.Value)))
	}
	return strings.Join(parts, " && ")
}

func filterLiteral(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return strconv.Quote(fmt.Sprint(v))
}

// valuesEqual compares two scalar values, treating all numbers as float64
func valuesEqual(a, b interface{}) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// toDocument converts a typed record into a Document via its JSON form
func toDocument(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeDocument decodes doc into out. Extra backend fields are ignored,
// wrong types are rejected.
func decodeDocument(doc Document, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func requireFields(doc Document, kind string, fields ...string) error {
	for _, f := range fields {
		if _, ok := doc[f]; !ok {
			return fmt.Errorf("invalid %s record %q: missing field %s", kind, doc.ID(), f)
		}
	}
	return nil
}

func decodeGeometry(doc Document) (*GeometryRecord, error) {
	if err := requireFields(doc, "geometry", "id", "latitude", "longitude"); err != nil {
		return nil, err
	}
	var rec GeometryRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("invalid geometry record %q: %w", doc.ID(), err)
	}
	return &rec, nil
}

func decodeProperties(doc Document) (*PropertiesRecord, error) {
	if err := requireFields(doc, "properties", "id", "score"); err != nil {
		return nil, err
	}
	var rec PropertiesRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("invalid properties record %q: %w", doc.ID(), err)
	}
	return &rec, nil
}

func decodeFeature(doc Document) (*FeatureRecord, error) {
	if err := requireFields(doc, "feature", "id", "geometry", "properties"); err != nil {
		return nil, err
	}
	var rec FeatureRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("invalid feature record %q: %w", doc.ID(), err)
	}
	if rec.Geometry == "" || rec.Properties == "" {
		return nil, fmt.Errorf("invalid feature record %q: empty geometry or properties reference", rec.ID)
	}
	return &rec, nil
}

func decodeWay(doc Document) (*WayRecord, error) {
	if err := requireFields(doc, "way", "id", "geometry", "featuresId"); err != nil {
		return nil, err
	}
	var rec WayRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("invalid way record %q: %w", doc.ID(), err)
	}
	return &rec, nil
}

// ErrPageLimit is reported by PageIterator when MaxPages full pages were read
var ErrPageLimit = errors.New("page limit reached before a short page")

// PageIterator walks a collection page by page. It stops after the first
// page holding fewer than PerPage items, after MaxPages pages, or when the
// context is cancelled. Reset starts over from the first page.
type PageIterator struct {
	store      RecordStore
	collection string
	filter     Filter
	perPage    int
	maxPages   int

	page  int
	items []Document
	done  bool
	err   error
}

// NewPageIterator creates an iterator over collection
func NewPageIterator(store RecordStore, collection string, filter Filter, perPage, maxPages int) *PageIterator {
	if perPage <= 0 {
		perPage = 100
	}
	if maxPages <= 0 {
		maxPages = 1000
	}
	return &PageIterator{
		store:      store,
		collection: collection,
		filter:     filter,
		perPage:    perPage,
		maxPages:   maxPages,
	}
}

// Next fetches the next page. It returns false when iteration is over;
// Err then tells whether it ended cleanly.
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.finish(err)
		return false
	}
	if it.page >= it.maxPages {
		it.finish(ErrPageLimit)
		return false
	}

	it.page++
	res, err := it.store.List(ctx, it.collection, it.filter, it.page, it.perPage)
	if err != nil {
		it.finish(fmt.Errorf("list %s page %d: %w", it.collection, it.page, err))
		return false
	}

	it.items = res.Items
	if len(res.Items) < it.perPage {
		it.done = true
	}
	return len(res.Items) > 0 || !it.done
}

func (it *PageIterator) finish(err error) {
	it.done = true
	it.items = nil
	it.err = err
}

// Items returns the current page
func (it *PageIterator) Items() []Document {
	return it.items
}

// Page returns the number of the current page
func (it *PageIterator) Page() int {
	return it.page
}

// Err returns the error that ended iteration, if any
func (it *PageIterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to the first page
func (it *PageIterator) Reset() {
	it.page = 0
	it.items = nil
	it.done = false
	it.err = nil
}
