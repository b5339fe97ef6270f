package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/shoalstack/shoal/pkg/storage"
)

// Command is one state change in the consensus log. Data carries the
// op-specific payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Op names understood by the FSM.
const (
	opPut            = "put"
	opDelete         = "delete"
	opDeleteNodeData = "delete_node_data"
	opAcquireLock    = "acquire_lock"
	opReleaseLock    = "release_lock"
	opBreakLock      = "break_lock"
)

type entryPayload struct {
	Scope storage.Scope `json:"scope"`
	Node  string        `json:"node,omitempty"`
	Key   string        `json:"key"`
	Value string        `json:"value,omitempty"`
}

type lockPayload struct {
	Record storage.LockRecord `json:"record"`
}

type releaseLockPayload struct {
	Name   string `json:"name"`
	Holder string `json:"holder,omitempty"`
}

// FleetFSM applies committed commands to the local fleet store. Every
// member runs one, which is what makes the store an eventually
// consistent copy of the same state everywhere.
type FleetFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFleetFSM creates an FSM over the given store.
func NewFleetFSM(store storage.Store) *FleetFSM {
	return &FleetFSM{store: store}
}

// Apply applies a committed log entry. The return value travels back to
// the proposer through ApplyFuture.Response, so state-level rejections
// (a contended lock) surface as errors there.
func (f *FleetFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPut:
		var p entryPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.Put(p.Scope, p.Node, p.Key, p.Value)

	case opDelete:
		var p entryPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.Delete(p.Scope, p.Node, p.Key)

	case opDeleteNodeData:
		var node string
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.DeleteNodeData(node)

	case opAcquireLock:
		var p lockPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.AcquireLock(p.Record)

	case opReleaseLock:
		var p releaseLockPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.ReleaseLock(p.Name, p.Holder)

	case opBreakLock:
		var p releaseLockPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.BreakLock(p.Name)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot exports the full store for log compaction.
func (f *FleetFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export store: %w", err)
	}
	return &fleetSnapshot{snap: snap}, nil
}

// Restore replaces the local store with a snapshot, used when a member
// rejoins after falling behind the log.
func (f *FleetFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Import(&snap)
}

type fleetSnapshot struct {
	snap *storage.Snapshot
}

func (s *fleetSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fleetSnapshot) Release() {}

// command builders used by the Plane.

func newPutCommand(scope storage.Scope, node, key, value string) (Command, error) {
	return marshalCommand(opPut, entryPayload{Scope: scope, Node: node, Key: key, Value: value})
}

func newDeleteCommand(scope storage.Scope, node, key string) (Command, error) {
	return marshalCommand(opDelete, entryPayload{Scope: scope, Node: node, Key: key})
}

func newDeleteNodeDataCommand(node string) (Command, error) {
	return marshalCommand(opDeleteNodeData, node)
}

func newAcquireLockCommand(rec storage.LockRecord) (Command, error) {
	return marshalCommand(opAcquireLock, lockPayload{Record: rec})
}

func newReleaseLockCommand(name, holder string) (Command, error) {
	return marshalCommand(opReleaseLock, releaseLockPayload{Name: name, Holder: holder})
}

func newBreakLockCommand(name string) (Command, error) {
	return marshalCommand(opBreakLock, releaseLockPayload{Name: name})
}

func marshalCommand(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}
