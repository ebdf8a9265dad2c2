package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps the whole key space in one JSON document on disk. Every
// mutation rewrites the document atomically.
type FileBackend struct {
	path string

	mu   sync.RWMutex
	data map[string][]byte
}

// NewFileBackend opens (or creates on first write) the document at path.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	data, err := loadDocument(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &FileBackend{path: path, data: data}, nil
}

// Get returns a copy of the value stored at key.
func (f *FileBackend) Get(key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores value at key and flushes the document.
func (f *FileBackend) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := saveDocument(f.path, f.data); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

// Delete removes key and flushes the document.
func (f *FileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := saveDocument(f.path, f.data); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

// Keys lists keys starting with prefix, sorted.
func (f *FileBackend) Keys(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return keysWithPrefix(f.data, prefix), nil
}

// Compile-time assertion that FileBackend implements Backend.
var _ Backend = (*FileBackend)(nil)
