package objstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// Memory is an in-memory Store for tests and the CLI.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// FailNext, when set, makes the next operation return a transient
	// error. Used to exercise retry paths.
	FailNext bool
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) key(bucket, path string) string {
	return bucket + "/" + path
}

func (m *Memory) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return errs.Newf(errs.KindTransient, "objstore: injected transient failure")
	}
	return nil
}

// Read returns a stored object.
func (m *Memory) Read(_ context.Context, bucket, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	obj, ok := m.objects[m.key(bucket, path)]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "objstore: %s not found", URI(bucket, path))
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Write stores an object, overwriting any prior version.
func (m *Memory) Write(_ context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return "", err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[m.key(bucket, path)] = memObject{data: cp, contentType: contentType}
	return URI(bucket, path), nil
}

// Copy duplicates an object.
func (m *Memory) Copy(_ context.Context, srcBucket, srcPath, dstBucket, dstPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return "", err
	}
	src, ok := m.objects[m.key(srcBucket, srcPath)]
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "objstore: %s not found", URI(srcBucket, srcPath))
	}
	cp := make([]byte, len(src.data))
	copy(cp, src.data)
	m.objects[m.key(dstBucket, dstPath)] = memObject{data: cp, contentType: src.contentType}
	return URI(dstBucket, dstPath), nil
}

// Delete removes an object; missing objects are ignored.
func (m *Memory) Delete(_ context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.key(bucket, path))
	return nil
}

// Exists reports whether an object is present. Test helper.
func (m *Memory) Exists(bucket, path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[m.key(bucket, path)]
	return ok
}

// ContentType returns the stored content type. Test helper.
func (m *Memory) ContentType(bucket, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[m.key(bucket, path)]
	if !ok {
		return "", fmt.Errorf("objstore: %s not found", URI(bucket, path))
	}
	return obj.contentType, nil
}

// List returns the keys currently stored under bucket. Test helper.
func (m *Memory) List(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	prefix := bucket + "/"
	for k := range m.objects {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			keys = append(keys, rest)
		}
	}
	return keys
}
