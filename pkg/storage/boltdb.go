package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/shoalstack/shoal/pkg/types"
)

var (
	// Bucket names
	bucketFleet = []byte("fleet")
	bucketNodes = []byte("nodes")
	bucketLocks = []byte("locks")
)

// nodeKeySep joins node name and key in the nodes bucket. Node names
// must not contain it.
const nodeKeySep = "/"

// BoltStore implements Store on a local bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shoal.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFleet, bucketNodes, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) bucketAndKey(scope Scope, node, key string) ([]byte, string, error) {
	switch scope {
	case ScopeFleet:
		return bucketFleet, key, nil
	case ScopeNode:
		if node == "" {
			return nil, "", fmt.Errorf("node scope requires a node name")
		}
		if strings.Contains(node, nodeKeySep) {
			return nil, "", fmt.Errorf("invalid node name %q", node)
		}
		return bucketNodes, node + nodeKeySep + key, nil
	default:
		return nil, "", fmt.Errorf("unknown scope %q", scope)
	}
}

func (s *BoltStore) Get(scope Scope, node, key string) (string, error) {
	bucket, k, err := s.bucketAndKey(scope, node, key)
	if err != nil {
		return "", err
	}
	var value string
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(k))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, scope, key)
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (s *BoltStore) Put(scope Scope, node, key, value string) error {
	bucket, k, err := s.bucketAndKey(scope, node, key)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(k), []byte(value))
	})
}

func (s *BoltStore) Delete(scope Scope, node, key string) error {
	bucket, k, err := s.bucketAndKey(scope, node, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(k))
	})
}

func (s *BoltStore) GetObject(scope Scope, node, key string, out any) error {
	value, err := s.Get(scope, node, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *BoltStore) PutObject(scope Scope, node, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", scope, key, err)
	}
	return s.Put(scope, node, key, string(data))
}

func (s *BoltStore) ListNodeKey(key string) (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			node, entryKey, ok := strings.Cut(string(k), nodeKeySep)
			if !ok || entryKey != key {
				return nil
			}
			result[node] = string(v)
			return nil
		})
	})
	return result, err
}

func (s *BoltStore) DeleteNodeData(node string) error {
	prefix := []byte(node + nodeKeySep)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AcquireLock(rec LockRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(rec.Name)); data != nil {
			var cur LockRecord
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			if cur.Holder != rec.Holder {
				return fmt.Errorf("%w: %s held by %s", types.ErrLockHeld, rec.Name, cur.Holder)
			}
			// Re-acquire by the current holder keeps the original record.
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) ReleaseLock(name, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var cur LockRecord
		if err := json.Unmarshal(data, &cur); err != nil {
			return err
		}
		if cur.Holder != holder {
			return fmt.Errorf("%w: %s held by %s", ErrNotLockHolder, name, cur.Holder)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) BreakLock(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(name))
	})
}

func (s *BoltStore) GetLock(name string) (*LockRecord, error) {
	var rec *LockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(name))
		if data == nil {
			return nil
		}
		rec = &LockRecord{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

func (s *BoltStore) Export() (*Snapshot, error) {
	snap := &Snapshot{
		Fleet: make(map[string]string),
		Nodes: make(map[string]map[string]string),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFleet).ForEach(func(k, v []byte) error {
			snap.Fleet[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			node, key, ok := strings.Cut(string(k), nodeKeySep)
			if !ok {
				return fmt.Errorf("malformed node entry %q", k)
			}
			if snap.Nodes[node] == nil {
				snap.Nodes[node] = make(map[string]string)
			}
			snap.Nodes[node][key] = string(v)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var rec LockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.Locks = append(snap.Locks, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) Import(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFleet, bucketNodes, bucketLocks} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		fleet := tx.Bucket(bucketFleet)
		for k, v := range snap.Fleet {
			if err := fleet.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		nodes := tx.Bucket(bucketNodes)
		for node, entries := range snap.Nodes {
			for k, v := range entries {
				if err := nodes.Put([]byte(node+nodeKeySep+k), []byte(v)); err != nil {
					return err
				}
			}
		}
		locks := tx.Bucket(bucketLocks)
		for _, rec := range snap.Locks {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := locks.Put([]byte(rec.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}
