package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"relay/internal/types"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMarkers   = []byte("event_markers")
	bucketAppState  = []byte("app_state")
	keyAppState     = []byte("state")
)

// Store is the local persisted state the engine survives reloads with: a
// bounded snapshot per session, a per-session last-absorbed-event-id marker,
// and the small app-state pointer record.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("snapshot db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketMarkers, bucketAppState} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) PutSnapshot(snap *types.Snapshot) error {
	if s == nil || snap == nil || strings.TrimSpace(snap.SessionID) == "" {
		return errors.New("snapshot with session id is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.SessionID), data)
	})
}

func (s *Store) GetSnapshot(sessionID string) (*types.Snapshot, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return nil, false, nil
	}
	var snap *types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(sessionID))
		if len(data) == 0 {
			return nil
		}
		decoded := &types.Snapshot{}
		if err := json.Unmarshal(data, decoded); err != nil {
			return err
		}
		snap = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return snap, snap != nil, nil
}

// DeleteSession clears every record scoped to the session: its snapshot and
// its event marker.
func (s *Store) DeleteSession(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Delete([]byte(sessionID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMarkers).Delete([]byte(sessionID))
	})
}

func (s *Store) SetLastEventID(sessionID string, eventID int64) error {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMarkers).Put([]byte(sessionID), []byte(strconv.FormatInt(eventID, 10)))
	})
}

func (s *Store) LastEventID(sessionID string) (int64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return 0, nil
	}
	var eventID int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMarkers).Get([]byte(sessionID))
		if len(data) == 0 {
			return nil
		}
		parsed, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil
		}
		eventID = parsed
		return nil
	})
	return eventID, err
}

func (s *Store) AppState() (*types.AppState, error) {
	if s == nil {
		return &types.AppState{}, nil
	}
	state := &types.AppState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAppState).Get(keyAppState)
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return &types.AppState{}, err
	}
	return state, nil
}

func (s *Store) PutAppState(state *types.AppState) error {
	if s == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppState).Put(keyAppState, data)
	})
}
