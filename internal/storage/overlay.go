package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Overlay is a copy-on-write wrapper used for dry runs: reads fall through
// to the base store, writes and deletes stay in memory. The base is never
// modified, so a dry run exercises the full pipeline without touching the
// lake.
type Overlay struct {
	base ObjectStore

	mu      sync.RWMutex
	objects map[string][]byte
	deleted map[string]bool
}

func NewOverlay(base ObjectStore) *Overlay {
	return &Overlay{
		base:    base,
		objects: make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (s *Overlay) Put(ctx context.Context, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	s.objects[key] = buf
	delete(s.deleted, key)
	return nil
}

func (s *Overlay) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	body, ok := s.objects[key]
	deleted := s.deleted[key]
	s.mu.RUnlock()
	if deleted {
		return nil, NewNotFound(key)
	}
	if ok {
		return body, nil
	}
	return s.base.Get(ctx, key)
}

func (s *Overlay) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	s.mu.RLock()
	body, ok := s.objects[key]
	deleted := s.deleted[key]
	s.mu.RUnlock()
	if deleted {
		return ObjectInfo{}, NewNotFound(key)
	}
	if ok {
		return ObjectInfo{Key: key, Size: int64(len(body)), LastModified: time.Now()}, nil
	}
	return s.base.Stat(ctx, key)
}

func (s *Overlay) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := s.base.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string]ObjectInfo, len(infos))
	for _, info := range infos {
		if !s.deleted[info.Key] {
			merged[info.Key] = info
		}
	}
	for key, body := range s.objects {
		if strings.HasPrefix(key, prefix) {
			merged[key] = ObjectInfo{Key: key, Size: int64(len(body)), LastModified: time.Now()}
		}
	}

	out := make([]ObjectInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Overlay) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted[key] = true
	return nil
}
