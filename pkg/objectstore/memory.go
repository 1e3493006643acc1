package objectstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and local runs.
type Memory struct {
	bucket string

	mu      sync.Mutex
	objects map[string]Object
	seq     int64
}

// NewMemory returns an empty in-memory store.
func NewMemory(bucket string) *Memory {
	if bucket == "" {
		bucket = "memory"
	}
	return &Memory{bucket: bucket, objects: make(map[string]Object)}
}

func (m *Memory) Bucket() string { return m.bucket }

func (m *Memory) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, body, contentType)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	obj.Body = append([]byte(nil), obj.Body...)
	return &obj, nil
}

func (m *Memory) PutIfMatch(_ context.Context, key string, body []byte, contentType, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.objects[key]
	if !ok || current.Version != version {
		return ErrPreconditionFailed
	}
	m.store(key, body, contentType)
	return nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) store(key string, body []byte, contentType string) {
	m.seq++
	m.objects[key] = Object{
		Key:         key,
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		Version:     strconv.FormatInt(m.seq, 10),
	}
}
