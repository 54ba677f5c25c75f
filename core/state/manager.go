package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/storage"
)

var errNilManager = errors.New("state: manager not configured")

// Manager provides journaled key/value access to engine state. Every mutation
// happens inside an atomic unit (see Atomic); reads outside a unit only ever
// observe committed data.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager persisting to the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var kvPrefix = []byte("kv:")

func kvKey(key []byte) []byte {
	hashed := ethcrypto.Keccak256(key)
	buf := make([]byte, 0, len(kvPrefix)+len(hashed))
	buf = append(buf, kvPrefix...)
	return append(buf, hashed...)
}

type unitKey struct{ m *Manager }

type entry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    entry
	existed bool
}

// unit is the write overlay of one in-flight atomic unit.
type unit struct {
	dirty   map[string]entry
	journal []journalEntry
	hooks   []func()
}

type snapshot struct {
	journal int
	hooks   int
}

func (u *unit) snapshot() snapshot {
	return snapshot{journal: len(u.journal), hooks: len(u.hooks)}
}

func (u *unit) revert(s snapshot) {
	for i := len(u.journal) - 1; i >= s.journal; i-- {
		j := u.journal[i]
		if j.existed {
			u.dirty[j.key] = j.prev
		} else {
			delete(u.dirty, j.key)
		}
	}
	u.journal = u.journal[:s.journal]
	u.hooks = u.hooks[:s.hooks]
}

func (u *unit) set(key []byte, e entry) {
	k := string(key)
	prev, existed := u.dirty[k]
	u.journal = append(u.journal, journalEntry{key: k, prev: prev, existed: existed})
	u.dirty[k] = e
}

func (u *unit) ops() []storage.Op {
	keys := make([]string, 0, len(u.dirty))
	for k := range u.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]storage.Op, 0, len(keys))
	for _, k := range keys {
		e := u.dirty[k]
		if e.deleted {
			ops = append(ops, storage.Op{Key: []byte(k)})
			continue
		}
		ops = append(ops, storage.Op{Key: []byte(k), Value: e.value})
	}
	return ops
}

func (m *Manager) unitFrom(ctx context.Context) *unit {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{m: m}).(*unit)
	return u
}

// InUnit reports whether ctx is executing inside an atomic unit of m.
func (m *Manager) InUnit(ctx context.Context) bool {
	return m.unitFrom(ctx) != nil
}

// Atomic executes fn as one serializable unit. All writes performed through
// the supplied context are buffered and flushed to the database in a single
// batch when fn returns nil; any error discards them. Calls made with a
// context that is already inside a unit of the same manager join that unit
// under a nested snapshot, so a failing inner call only unwinds its own
// writes.
func (m *Manager) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if m == nil || m.db == nil {
		return errNilManager
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if u := m.unitFrom(ctx); u != nil {
		snap := u.snapshot()
		if err := fn(ctx); err != nil {
			u.revert(snap)
			return err
		}
		return nil
	}

	hooks, err := m.runUnit(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (m *Manager) runUnit(ctx context.Context, fn func(ctx context.Context) error) ([]func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &unit{dirty: make(map[string]entry)}
	if err := fn(context.WithValue(ctx, unitKey{m: m}, u)); err != nil {
		return nil, err
	}
	if ops := u.ops(); len(ops) > 0 {
		if err := m.db.Write(ops); err != nil {
			return nil, fmt.Errorf("state: commit: %w", err)
		}
	}
	return u.hooks, nil
}

// OnCommit schedules fn to run once the outermost unit enclosing ctx has been
// committed. Hooks registered by a reverted (nested) unit are dropped. Outside
// a unit the hook runs immediately.
func (m *Manager) OnCommit(ctx context.Context, fn func()) {
	if fn == nil {
		return
	}
	if u := m.unitFrom(ctx); u != nil {
		u.hooks = append(u.hooks, fn)
		return
	}
	fn()
}

func (m *Manager) read(ctx context.Context, key []byte) ([]byte, bool, error) {
	if u := m.unitFrom(ctx); u != nil {
		if e, ok := u.dirty[string(key)]; ok {
			if e.deleted {
				return nil, false, nil
			}
			return e.value, true, nil
		}
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) write(ctx context.Context, key []byte, e entry) error {
	if u := m.unitFrom(ctx); u != nil {
		u.set(key, e)
		return nil
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		m.unitFrom(ctx).set(key, e)
		return nil
	})
}

// KVPut stores the RLP encoding of value under key.
func (m *Manager) KVPut(ctx context.Context, key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errNilManager
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(ctx, kvKey(key), entry{value: encoded})
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(ctx context.Context, key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errNilManager
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.read(ctx, kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key from state.
func (m *Manager) KVDelete(ctx context.Context, key []byte) error {
	if m == nil || m.db == nil {
		return errNilManager
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.write(ctx, kvKey(key), entry{deleted: true})
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(ctx context.Context, key []byte, value []byte) error {
	if m == nil || m.db == nil {
		return errNilManager
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, ok, err := m.read(ctx, hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if ok && len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.write(ctx, hashed, entry{value: encoded})
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(ctx context.Context, key []byte, out interface{}) error {
	if m == nil || m.db == nil {
		return errNilManager
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.read(ctx, kvKey(key))
	if err != nil {
		return err
	}
	if !ok || len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
