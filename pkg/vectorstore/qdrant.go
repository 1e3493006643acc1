package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

// Qdrant talks to the Qdrant REST API.
type Qdrant struct {
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client

	mu      sync.Mutex
	ensured bool
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// NewQdrant returns a Qdrant client for cfg.URL.
func NewQdrant(cfg Config) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, errors.New("qdrant url is required")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Qdrant{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: collection,
		dimension:  dimension,
		client:     httpjson.NewClient(httpjson.Options{Timeout: 30 * time.Second, RetryMax: cfg.RetryMax}),
	}, nil
}

// EnsureCollection runs once per process after the first success.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}

	err := httpjson.Do(ctx, q.client, http.MethodGet, q.collectionURL(), q.header(), nil, nil)
	var statusErr *httpjson.StatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		create := map[string]interface{}{
			"vectors": map[string]interface{}{"size": q.dimension, "distance": "Cosine"},
		}
		if err := httpjson.Do(ctx, q.client, http.MethodPut, q.collectionURL(), q.header(), create, nil); err != nil {
			return fmt.Errorf("qdrant create collection %s: %w", q.collection, err)
		}
		for _, field := range IndexedFields {
			index := map[string]interface{}{"field_name": field, "field_schema": "keyword"}
			if err := httpjson.Do(ctx, q.client, http.MethodPut, q.collectionURL()+"/index?wait=true", q.header(), index, nil); err != nil {
				return fmt.Errorf("qdrant index %s: %w", field, err)
			}
		}
	default:
		return fmt.Errorf("qdrant get collection %s: %w", q.collection, err)
	}
	q.ensured = true
	return nil
}

// Upsert writes points and waits for the operation to be applied.
func (q *Qdrant) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: make([]qdrantPoint, 0, len(points))}
	for _, p := range points {
		if len(p.Vector) != q.dimension {
			return fmt.Errorf("point %s has %d dimensions, collection expects %d", p.ID, len(p.Vector), q.dimension)
		}
		body.Points = append(body.Points, qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
	}
	if err := httpjson.Do(ctx, q.client, http.MethodPut, q.collectionURL()+"/points?wait=true", q.header(), body, nil); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) collectionURL() string {
	return q.baseURL + "/collections/" + q.collection
}

func (q *Qdrant) header() http.Header {
	header := http.Header{}
	if q.apiKey != "" {
		header.Set("api-key", q.apiKey)
	}
	return header
}
