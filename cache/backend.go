// Package cache holds the page property store: named cohorts of properties
// per page key, persisted through a pluggable byte backend.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/redis/go-redis/v9"
)

// Backend stores opaque blobs by key.
//
// Implementations must be thread-safe!
type Backend interface {
	// Get returns the blob stored under key. The boolean is false if there
	// is no such key; this is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the blob, replacing any previous value.
	Put(ctx context.Context, key string, bytes []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

type MemBackend struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemBackend() MemBackend {
	return MemBackend{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	b, ok := m.db[key]
	return b, ok, nil
}

func (m MemBackend) Put(_ context.Context, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = append([]byte(nil), bytes...)
	return nil
}

func (m MemBackend) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteBackend opens (and creates if needed) the given file as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteBackend(filename string) (SQLiteBackend, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteBackend{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS properties (
		key TEXT PRIMARY KEY,
		updated_at INTEGER,
		bytes BLOB
	)`)
	if err != nil {
		return SQLiteBackend{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return SQLiteBackend{}, err
	}
	return SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM properties WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteBackend) Put(ctx context.Context, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO properties (key, updated_at, bytes) VALUES (?, ?, ?)",
		key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteBackend) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM properties WHERE key = ?", key)
	return err
}

func (s SQLiteBackend) Close() error {
	return s.db.Close()
}

// RedisBackend keeps blobs in redis, optionally expiring them after TTL.
type RedisBackend struct {
	rclient *redis.Client
	prefix  string
	ttl     time.Duration
}

func NewRedisBackend(rclient *redis.Client, prefix string, ttl time.Duration) RedisBackend {
	return RedisBackend{
		rclient: rclient,
		prefix:  prefix,
		ttl:     ttl,
	}
}

func (r RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rclient.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r RedisBackend) Put(ctx context.Context, key string, bytes []byte) error {
	return r.rclient.Set(ctx, r.prefix+key, bytes, r.ttl).Err()
}

func (r RedisBackend) Delete(ctx context.Context, key string) error {
	return r.rclient.Del(ctx, r.prefix+key).Err()
}
