package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PocketBaseStore is a RecordStore backed by the PocketBase records REST API
type PocketBaseStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewPocketBaseStore creates a store for the PocketBase instance at baseURL.
// token is sent as the Authorization header when set.
func NewPocketBaseStore(baseURL, token string, client *http.Client) *PocketBaseStore {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &PocketBaseStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type pocketBaseList struct {
	Page       int        `json:"page"`
	PerPage    int        `json:"perPage"`
	TotalItems int        `json:"totalItems"`
	TotalPages int        `json:"totalPages"`
	Items      []Document `json:"items"`
}

func (p *PocketBaseStore) recordsURL(collection string) string {
	return fmt.Sprintf("%s/api/collections/%s/records", p.baseURL, url.PathEscape(collection))
}

// List returns one page of records matching filter
func (p *PocketBaseStore) List(ctx context.Context, collection string, filter Filter, page, perPage int) (*ListResult, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(perPage))
	if len(filter) > 0 {
		q.Set("filter", "("+filter.String()+")")
	}

	var out pocketBaseList
	if err := p.do(ctx, http.MethodGet, p.recordsURL(collection)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if out.Items == nil {
		out.Items = []Document{}
	}
	return &ListResult{
		Items:      out.Items,
		Page:       out.Page,
		PerPage:    out.PerPage,
		TotalItems: out.TotalItems,
	}, nil
}

// GetOne returns a record by id
func (p *PocketBaseStore) GetOne(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	if err := p.do(ctx, http.MethodGet, p.recordsURL(collection)+"/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Create creates a record; PocketBase assigns the id
func (p *PocketBaseStore) Create(ctx context.Context, collection string, fields Document) (Document, error) {
	var doc Document
	if err := p.do(ctx, http.MethodPost, p.recordsURL(collection), fields, &doc); err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	return doc, nil
}

// Update patches a record
func (p *PocketBaseStore) Update(ctx context.Context, collection, id string, fields Document) (Document, error) {
	var doc Document
	if err := p.do(ctx, http.MethodPatch, p.recordsURL(collection)+"/"+url.PathEscape(id), fields, &doc); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (p *PocketBaseStore) do(ctx context.Context, method, u string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Message)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
