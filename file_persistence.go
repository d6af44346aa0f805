package mq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Compile-time check that FilePersistence implements Persistence
var _ Persistence = (*FilePersistence)(nil)

const persistExt = ".msg"

// FilePersistence is a file-per-key Persistence: every key becomes one file
// under baseDir/<clientID>/, holding the raw blob. It survives process
// restarts, which MemoryStore does not.
//
// File organization:
//
//	baseDir/
//	  clientID/
//	    s-12.msg
//	    sc-12.msg
//	    r-7.msg
//
// All operations are synchronous and guarded by a single mutex, so one
// FilePersistence value may back at most one Client at a time.
//
// Example:
//
//	store := mq.NewFilePersistence("/var/lib/mqtt")
//	client, err := mq.Dial("tcp://localhost:1883",
//	    mq.WithClientID("sensor-1"),
//	    mq.WithCleanSession(false),
//	    mq.WithStore(store))
type FilePersistence struct {
	base string
	perm os.FileMode

	mu  sync.Mutex
	dir string // set by Open
}

// NewFilePersistence creates a file-backed Persistence rooted at baseDir.
// The directory for the client is created on Open.
func NewFilePersistence(baseDir string, opts ...FileStoreOption) *FilePersistence {
	cfg := &fileStoreConfig{permissions: 0644}
	for _, opt := range opts {
		opt(cfg)
	}
	return &FilePersistence{base: baseDir, perm: cfg.permissions}
}

func (f *FilePersistence) Open(clientID, serverURI string, _ context.Context) error {
	if clientID == "" {
		return fmt.Errorf("clientID cannot be empty")
	}
	if strings.Contains(clientID, "..") || strings.Contains(clientID, string(filepath.Separator)) {
		return fmt.Errorf("clientID contains invalid characters")
	}

	dir := filepath.Join(f.base, clientID)
	if err := os.MkdirAll(dir, f.perm|0111); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	f.mu.Lock()
	f.dir = dir
	f.mu.Unlock()
	return nil
}

// Close releases the binding to the client directory. Persisted files are
// left in place for a later Open.
func (f *FilePersistence) Close() error {
	f.mu.Lock()
	f.dir = ""
	f.mu.Unlock()
	return nil
}

func (f *FilePersistence) path(key string) string {
	return filepath.Join(f.dir, key+persistExt)
}

func (f *FilePersistence) opened() error {
	if f.dir == "" {
		return fmt.Errorf("mq: file persistence is not open")
	}
	return nil
}

func (f *FilePersistence) Put(key string, buffers ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opened(); err != nil {
		return err
	}

	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	blob := make([]byte, 0, total)
	for _, b := range buffers {
		blob = append(blob, b...)
	}
	return os.WriteFile(f.path(key), blob, f.perm)
}

func (f *FilePersistence) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opened(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.path(key))
}

func (f *FilePersistence) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opened(); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FilePersistence) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opened(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, persistExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, persistExt))
	}
	return keys, nil
}

func (f *FilePersistence) ContainsKey(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dir == "" {
		return false
	}
	_, err := os.Stat(f.path(key))
	return err == nil
}

func (f *FilePersistence) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opened(); err != nil {
		return err
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to read store directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), persistExt) {
			continue
		}
		_ = os.Remove(filepath.Join(f.dir, entry.Name()))
	}
	return nil
}
