// Package handle implements the process-scoped handle table (spec §4.4,
// C4): small integer IDs mapping to global, typed, ref-counted kernel
// objects, with an optional global path namespace and per-object activity
// bits.
//
// The path namespace is backed by an in-memory badger database, the same
// transactional "fail if already present" pattern the teacher's resource
// store (pkg/resource/store) uses to register objects under a unique key.
package handle

import (
	"encoding/binary"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"

	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// ID identifies a handle-table entry.
type ID uint64

// Type tags the kind of object a handle refers to; callers own their own
// type constant space (e.g. the process/thread/space/shm packages each
// define their own Type values).
type Type uint32

// Destructor runs exactly once, when an object's refcount reaches zero.
type Destructor func(payload any)

// Watcher receives activity notifications for handles it subscribed to,
// implemented by internal/kernel/handleset.
type Watcher interface {
	Notify(id ID, bits uint64)
}

type watchEntry struct {
	watcher Watcher
	mask    uint64
}

type object struct {
	mu        sync.Mutex
	typ       Type
	payload   any
	destructor Destructor
	refcount  int32
	destroyed bool
	pending   uint64
	watchers  []watchEntry
}

// Table is the handle table for one process (or, for simplicity in this
// model, for the whole simulated kernel — callers that need per-process
// isolation construct one Table per process).
type Table struct {
	mu      sync.RWMutex
	objects map[ID]*object
	nextID  ID

	paths *badger.DB
	log   logr.Logger
}

// New opens a Table with an in-memory path namespace.
func New(log logr.Logger) (*Table, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.DeviceError, err)
	}
	return &Table{
		objects: make(map[ID]*object),
		paths:   db,
		log:     log,
	}, nil
}

// Close releases the path namespace database.
func (t *Table) Close() error {
	return t.paths.Close()
}

// Create allocates a new handle for a freshly constructed object with
// refcount 1 (spec §4.4 create()).
func (t *Table) Create(typ Type, payload any, destructor Destructor) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.objects[id] = &object{typ: typ, payload: payload, destructor: destructor, refcount: 1}
	return id
}

// Wrap registers a new alias ID for an already-existing object, incrementing
// its refcount (spec §4.4 wrap()). Used when a handle is duplicated into
// another process's table view of the same global object.
func (t *Table) Wrap(existing ID) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[existing]
	if !ok {
		return 0, kerrors.Newf(kerrors.NotFound, "wrap: handle %d not found", existing)
	}

	obj.mu.Lock()
	if obj.destroyed {
		obj.mu.Unlock()
		return 0, kerrors.Newf(kerrors.NotFound, "wrap: handle %d already destroyed", existing)
	}
	obj.refcount++
	obj.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.objects[id] = obj
	return id, nil
}

// Lookup returns the type and payload for a live handle.
func (t *Table) Lookup(id ID) (Type, any, error) {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return 0, nil, kerrors.Newf(kerrors.NotFound, "lookup: handle %d not found", id)
	}
	return obj.typ, obj.payload, nil
}

// Destroy decrements the handle's object refcount; at zero, the destructor
// runs exactly once. Destroying an already-destroyed (or unknown) handle
// returns NotFound rather than panicking.
func (t *Table) Destroy(id ID) error {
	t.mu.Lock()
	obj, ok := t.objects[id]
	if !ok {
		t.mu.Unlock()
		return kerrors.Newf(kerrors.NotFound, "destroy: handle %d not found", id)
	}
	delete(t.objects, id)
	t.mu.Unlock()

	obj.mu.Lock()
	obj.refcount--
	runDtor := obj.refcount <= 0 && !obj.destroyed
	if runDtor {
		obj.destroyed = true
	}
	dtor, payload := obj.destructor, obj.payload
	obj.mu.Unlock()

	if runDtor && dtor != nil {
		dtor(payload)
	}
	return nil
}

// SetPath atomically registers path as id's global name, failing with
// AlreadyExists if path is already taken (spec §4.4).
func (t *Table) SetPath(id ID, path string) error {
	t.mu.RLock()
	_, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "set_path: handle %d not found", id)
	}

	pathKey := pathKey(path)
	idKey := idPathKey(id)
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, uint64(id))

	return t.paths.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pathKey); err == nil {
			return kerrors.Newf(kerrors.AlreadyExists, "set_path: %q already registered", path)
		} else if err != badger.ErrKeyNotFound {
			return kerrors.Wrap(kerrors.DeviceError, err)
		}
		if err := txn.Set(pathKey, idBytes); err != nil {
			return kerrors.Wrap(kerrors.DeviceError, err)
		}
		return txn.Set(idKey, []byte(path))
	})
}

// FindByPath resolves a previously registered path to its handle.
func (t *Table) FindByPath(path string) (ID, error) {
	var id ID
	err := t.paths.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path))
		if err == badger.ErrKeyNotFound {
			return kerrors.Newf(kerrors.NotFound, "find_by_path: %q not registered", path)
		} else if err != nil {
			return kerrors.Wrap(kerrors.DeviceError, err)
		}
		return item.Value(func(val []byte) error {
			id = ID(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	return id, err
}

// MarkActivity OR-s bits into id's pending activity word and notifies every
// watcher whose subscription mask intersects bits (spec §4.4 mark_activity()).
func (t *Table) MarkActivity(id ID, bits uint64) error {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "mark_activity: handle %d not found", id)
	}

	obj.mu.Lock()
	obj.pending |= bits
	watchers := append([]watchEntry(nil), obj.watchers...)
	obj.mu.Unlock()

	for _, w := range watchers {
		if w.mask&bits != 0 {
			w.watcher.Notify(id, bits)
		}
	}
	return nil
}

// Watch subscribes w to id's activity bits matching mask, returning an
// unsubscribe function. Used by internal/kernel/handleset to implement
// ctrl(add).
func (t *Table) Watch(id ID, w Watcher, mask uint64) (func(), error) {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "watch: handle %d not found", id)
	}

	obj.mu.Lock()
	obj.watchers = append(obj.watchers, watchEntry{watcher: w, mask: mask})
	obj.mu.Unlock()

	return func() {
		obj.mu.Lock()
		defer obj.mu.Unlock()
		for i, e := range obj.watchers {
			if e.watcher == w {
				obj.watchers = append(obj.watchers[:i], obj.watchers[i+1:]...)
				break
			}
		}
	}, nil
}

// PendingBits returns id's current activity word.
func (t *Table) PendingBits(id ID) (uint64, error) {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return 0, kerrors.Newf(kerrors.NotFound, "pending_bits: handle %d not found", id)
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.pending, nil
}

// ClearBits clears bits from id's activity word, used by handleset to
// implement poll_mask's edge semantics on delivery.
func (t *Table) ClearBits(id ID, bits uint64) error {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "clear_bits: handle %d not found", id)
	}
	obj.mu.Lock()
	obj.pending &^= bits
	obj.mu.Unlock()
	return nil
}

// RefCount reports id's object's current refcount, for tests.
func (t *Table) RefCount(id ID) (int32, error) {
	t.mu.RLock()
	obj, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return 0, kerrors.Newf(kerrors.NotFound, "refcount: handle %d not found", id)
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.refcount, nil
}

func pathKey(path string) []byte   { return append([]byte("path:"), path...) }
func idPathKey(id ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return append([]byte("idpath:"), b...)
}
