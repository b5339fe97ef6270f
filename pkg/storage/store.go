package storage

import (
	"errors"
	"time"
)

// Scope selects which namespace of the fleet store a key lives in.
type Scope string

const (
	// ScopeFleet entries are shared by every member. Only the
	// coordinator may write them; all members read them.
	ScopeFleet Scope = "fleet"

	// ScopeNode entries belong to a single member's namespace. Only the
	// owning member writes them; all members read them.
	ScopeNode Scope = "node"
)

var (
	// ErrKeyNotFound distinguishes an absent key from a read failure.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotLockHolder is returned when releasing a lock held by a
	// different node.
	ErrNotLockHolder = errors.New("lock held by a different node")
)

// LockRecord is the persisted state of a fleet-wide mutual-exclusion
// lock. AcquiredAt is set by the coordinator when the acquire command
// is proposed, so every replica stores the same record.
type LockRecord struct {
	Name       string
	Holder     string
	Token      string
	AcquiredAt time.Time
}

// Snapshot is a full copy of the store, used by the consensus layer to
// compact its log and to catch up joining members.
type Snapshot struct {
	Fleet map[string]string
	Nodes map[string]map[string]string
	Locks []LockRecord
}

// Store is the materialized, eventually-consistent fleet configuration
// every member holds a local copy of. Writes reach it only through the
// consensus log; reads are local. Values are strings, with Get/PutObject
// layering JSON on top for structured entries such as the role plan.
type Store interface {
	Get(scope Scope, node, key string) (string, error)
	Put(scope Scope, node, key, value string) error
	Delete(scope Scope, node, key string) error

	GetObject(scope Scope, node, key string, out any) error
	PutObject(scope Scope, node, key string, value any) error

	// ListNodeKey returns node name -> value for every member that has
	// published the given node-scope key.
	ListNodeKey(key string) (map[string]string, error)

	// DeleteNodeData drops a departed member's entire namespace.
	DeleteNodeData(node string) error

	// AcquireLock is idempotent for the current holder and fails with
	// types.ErrLockHeld while another node holds the lock.
	AcquireLock(rec LockRecord) error
	ReleaseLock(name, holder string) error
	// BreakLock force-releases regardless of holder, for healing after
	// a holder left the fleet mid-operation.
	BreakLock(name string) error
	GetLock(name string) (*LockRecord, error)

	Export() (*Snapshot, error)
	Import(snap *Snapshot) error

	Close() error
}
