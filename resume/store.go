// Package resume persists upload resume tokens across process restarts.
// One record is kept per file identity; a record is removed only after the
// transfer completed successfully, so an interrupted upload can rejoin its
// server-side session on the next attempt.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Entry is the resume token for one file identity: the server-side session ID
// and the chunk size the session was opened with. A resumed negotiation must
// send back the same chunk size, otherwise the server treats it as a new file.
type Entry struct {
	UploadID  string `json:"upload_id"`
	ChunkSize int64  `json:"chunk_size"`
}

// Store is a durable key-value store for resume tokens. There is no expiry:
// a stale token is detected downstream when the server no longer recognizes
// the upload ID and hands out a fresh session.
type Store struct {
	db        *leveldb.DB
	writeOpts *opt.WriteOptions
}

// NewStore opens (or creates) the store in the given directory.
func NewStore(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if leveldberrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}

	return &Store{
		db:        db,
		writeOpts: &opt.WriteOptions{Sync: true},
	}, nil
}

// Get returns the entry stored under key. The second return value is false
// when no entry exists.
func (s *Store) Get(key string) (Entry, bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read resume entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode resume entry: %w", err)
	}

	return entry, true, nil
}

// Put stores entry under key with a synced write. The token must survive a
// crash right after session negotiation.
func (s *Store) Put(key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode resume entry: %w", err)
	}

	return s.db.Put([]byte(key), data, s.writeOpts)
}

// Clear removes the entry stored under key. Clearing a missing key is not an
// error.
func (s *Store) Clear(key string) error {
	return s.db.Delete([]byte(key), s.writeOpts)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
