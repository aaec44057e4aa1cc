// Package capstore implements the per-Activity capability table: insertion,
// derivation (parent/child edges), cross-activity obtain, and recursive
// revocation (spec section 4.2).
//
// Grounded on pkg/resource/store/store.go's badger-backed store with
// derived-edge indices (there: subject/object/predicate relationship
// triples; here: parent/child capability-derivation edges). The graph
// structure — selector, parent link, children list, flags — is persisted
// in badger the same way the teacher persists its relationship index.
// Unlike the teacher, the kernel object a capability references
// (*kobj.Activity, *kobj.MemGate, ...) is not persisted: those are live,
// mutex-guarded runtime objects that exist only inside this kernel
// process, not serializable records, so they're kept in an in-memory map
// alongside the badger-backed graph metadata.
package capstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

var capNS = []byte("cap")

// record is the gob-encoded graph metadata persisted per capability.
type record struct {
	Act        tcu.ActId
	Sel        CapSel
	Kind       kobj.Kind
	HasParent  bool
	ParentAct  tcu.ActId
	ParentSel  CapSel
	KeepOnDrop bool
	IsRange    bool
	RangeLen   uint32
}

// Store is the kernel-wide capability table, indexed by (ActId, CapSel).
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	logger logr.Logger

	objects map[capKey]*Capability
}

// New opens an in-memory badger-backed Store. The capability graph is
// process-lifetime state (SPEC_FULL section A), matching the teacher's use
// of `badger.DefaultOptions("").WithInMemory(true)`.
func New(logger logr.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("capstore: open: %w", err)
	}
	return &Store{
		db:      db,
		logger:  logger.WithName("capstore"),
		objects: make(map[capKey]*Capability),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func capKeyBytes(ns []byte, k capKey) []byte {
	var buf bytes.Buffer
	buf.Write(ns)
	buf.WriteByte('/')
	binary.Write(&buf, binary.BigEndian, k.act)
	buf.WriteByte('/')
	binary.Write(&buf, binary.BigEndian, k.sel)
	return buf.Bytes()
}

func encodeRecord(r record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

// Insert places obj at (act, sel), failing Exists if the slot is occupied.
// The caller is responsible for charging KernelMemory before calling this
// (spec section 4.2: "Uses KernelMemory quota").
func (s *Store) Insert(act tcu.ActId, sel CapSel, obj kobj.Object, keepOnDrop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := capKey{act: act, sel: sel}
	if _, exists := s.objects[key]; exists {
		return kerr.NewError(kerr.Exists)
	}

	newCap := &Capability{Sel: sel, Act: act, Object: obj, KeepOnDrop: keepOnDrop}
	if err := s.persist(newCap); err != nil {
		return err
	}
	s.objects[key] = newCap
	return nil
}

// InsertAsChild places obj at (act, sel) as the leftmost child of
// (act, parentSel). Fails InvArgs if the parent doesn't exist or is a
// range capability (spec section 4.2: "validates parent belongs to same
// activity and is not a range cap").
func (s *Store) InsertAsChild(act tcu.ActId, sel CapSel, obj kobj.Object, parentSel CapSel, keepOnDrop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := capKey{act: act, sel: sel}
	if _, exists := s.objects[key]; exists {
		return kerr.NewError(kerr.Exists)
	}

	pkey := capKey{act: act, sel: parentSel}
	parent, ok := s.objects[pkey]
	if !ok {
		return kerr.NewError(kerr.InvArgs)
	}
	if parent.IsRange {
		return kerr.NewError(kerr.InvArgs)
	}

	child := &Capability{
		Sel: sel, Act: act, Object: obj,
		parent: &pkey, KeepOnDrop: keepOnDrop,
	}
	if err := s.persist(child); err != nil {
		return err
	}
	parent.children = append([]capKey{key}, parent.children...)
	if err := s.persist(parent); err != nil {
		return err
	}
	s.objects[key] = child
	return nil
}

// Obtain copies the capability at (srcAct, srcSel) into (dstAct, dstSel),
// optionally as a child of the source (spec section 4.2's `obtain`). The
// source and destination may belong to different activities; this is how a
// capability crosses an activity boundary.
func (s *Store) Obtain(dstAct tcu.ActId, dstSel CapSel, srcAct tcu.ActId, srcSel CapSel, asChild bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcKey := capKey{act: srcAct, sel: srcSel}
	src, ok := s.objects[srcKey]
	if !ok {
		return kerr.NewError(kerr.InvArgs)
	}

	dstKey := capKey{act: dstAct, sel: dstSel}
	if _, exists := s.objects[dstKey]; exists {
		return kerr.NewError(kerr.Exists)
	}

	dst := &Capability{Sel: dstSel, Act: dstAct, Object: src.Object, IsRange: src.IsRange, RangeLen: src.RangeLen}
	if asChild {
		dst.parent = &srcKey
	}
	if err := s.persist(dst); err != nil {
		return err
	}
	if asChild {
		src.children = append(src.children, dstKey)
		if err := s.persist(src); err != nil {
			return err
		}
	}
	s.objects[dstKey] = dst
	return nil
}

// SetCharge records that amount was charged against kmem when the
// capability at (act, sel) was created, so Revoke's destroy callback can
// return it. Called by syscall handlers right after a successful Insert
// or InsertAsChild; never by Obtain, which copies a reference rather than
// creating a freshly charged object.
func (s *Store) SetCharge(act tcu.ActId, sel CapSel, kmem *kobj.KernelMemory, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.objects[capKey{act: act, sel: sel}]
	if !ok {
		return kerr.NewError(kerr.InvArgs)
	}
	c.ChargeKMem = kmem
	c.ChargeAmount = amount
	return nil
}

// Get returns the capability at (act, sel).
func (s *Store) Get(act tcu.ActId, sel CapSel) (*Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.objects[capKey{act: act, sel: sel}]
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return c, nil
}

// RevokeResult reports what a Revoke call released, so the caller can
// return freed KernelMemory to the right budget and invalidate EPs.
type RevokeResult struct {
	Released []*Capability
}

// Revoke walks the subtree rooted at (act, sel) with an explicit work list
// — never recursion, so an arbitrarily deep derivation chain can't blow the
// kernel stack (spec section 9) — in DFS post-order, invoking destroy on
// each node before removing it. If ownOnly is set the root itself survives
// (spec section 4.2: "own_only omits the root").
//
// destroy is called with s.mu released: a node's teardown may itself
// re-enter the store (e.g. revoking an Activity capability forces the
// activity's own RevokeAll of its whole table) or block on a TileMux/
// Service round trip (spec section 9: "handlers that await TileMux or
// service replies must not hold capability-table locks across awaits").
// Holding the lock across that call would both deadlock the re-entrant
// case and stall every other capability-table operation kernel-wide for
// the duration of the await, so the subtree is snapshotted under a short
// lock, destroyed unlocked, and each node is removed under its own short
// lock once its destroy completes.
func (s *Store) Revoke(act tcu.ActId, sel CapSel, ownOnly bool, destroy func(*Capability) error) (*RevokeResult, error) {
	order, err := s.snapshotSubtree(act, sel)
	if err != nil {
		return nil, err
	}

	result := &RevokeResult{}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if ownOnly && n.Act == act && n.Sel == sel {
			continue
		}
		if destroy != nil {
			if err := destroy(n); err != nil {
				return result, err
			}
		}
		s.mu.Lock()
		s.remove(n)
		s.mu.Unlock()
		result.Released = append(result.Released, n)
	}
	return result, nil
}

// snapshotSubtree returns the subtree rooted at (act, sel) in pre-order
// (root first): push the whole subtree depth-first, replay reversed by the
// caller to get post-order. Caller must not hold s.mu.
func (s *Store) snapshotSubtree(act tcu.ActId, sel CapSel) ([]*Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootKey := capKey{act: act, sel: sel}
	root, ok := s.objects[rootKey]
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}

	var stack []*Capability
	var order []*Capability
	stack = append(stack, root)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		for _, ck := range n.children {
			if child, ok := s.objects[ck]; ok {
				stack = append(stack, child)
			}
		}
	}
	return order, nil
}

// RevokeAll revokes every capability act's table owns that has no parent
// (every root of a derivation tree act holds), used when an Activity is
// torn down entirely rather than a single selector being revoked.
func (s *Store) RevokeAll(act tcu.ActId, destroy func(*Capability) error) (*RevokeResult, error) {
	s.mu.Lock()
	var roots []CapSel
	for key, c := range s.objects {
		if key.act == act && c.parent == nil {
			roots = append(roots, key.sel)
		}
	}
	s.mu.Unlock()

	total := &RevokeResult{}
	for _, sel := range roots {
		res, err := s.Revoke(act, sel, false, destroy)
		if res != nil {
			total.Released = append(total.Released, res.Released...)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// remove deletes n from the in-memory table, its persisted record, and its
// parent's children list. Caller must hold s.mu.
func (s *Store) remove(n *Capability) {
	key := keyOf(n)
	delete(s.objects, key)
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(capKeyBytes(capNS, key))
	})
	if n.parent != nil {
		if parent, ok := s.objects[*n.parent]; ok {
			for i, ck := range parent.children {
				if ck == key {
					parent.children = append(parent.children[:i], parent.children[i+1:]...)
					break
				}
			}
			_ = s.persist(parent)
		}
	}
}

// persist writes c's graph metadata to badger. Caller must hold s.mu.
func (s *Store) persist(c *Capability) error {
	r := record{
		Act: c.Act, Sel: c.Sel, KeepOnDrop: c.KeepOnDrop,
		IsRange: c.IsRange, RangeLen: c.RangeLen,
	}
	if c.Object != nil {
		r.Kind = c.Object.Kind()
	}
	if c.parent != nil {
		r.HasParent = true
		r.ParentAct = c.parent.act
		r.ParentSel = c.parent.sel
	}
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("capstore: encode: %w", err)
	}
	key := capKeyBytes(capNS, keyOf(c))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}
