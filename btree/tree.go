package btree

import (
	"errors"

	"github.com/intellect4all/txfs/page"
	"github.com/intellect4all/txfs/pagecache"
)

// ErrNotFound is returned by Get/Delete when the key is absent.
var ErrNotFound = errors.New("btree: key not found")

// minOccupancy is the low-water mark below which a node attempts to merge
// or redistribute with a sibling rather than sit under-full. Grounded on
// original_source/CompoundFs/InnerNode.h's "redistribute when not
// mergeable" policy; the exact fraction is not load-bearing for
// correctness, only for how eagerly nodes compact.
const minOccupancy = payloadSize / 4

// Tree is a B-tree keyed by arbitrary byte strings, built directly on top
// of a pagecache.Cache: every node read/write goes through the cache's
// Read/New/Dirty page classification, so tree mutations participate in the
// cache's commit and rollback protocol without the tree needing to know
// anything about pages, logs, or locks. Grounded on
// original_source/CompoundFs/BTree.h/.cpp.
type Tree struct {
	cache *pagecache.Cache
	root  page.Index
	freed []page.Index
}

// Open wraps an existing root page as a Tree.
func Open(cache *pagecache.Cache, root page.Index) *Tree {
	return &Tree{cache: cache, root: root}
}

// Create allocates a fresh, empty leaf as the tree's root.
func Create(cache *pagecache.Cache) *Tree {
	id, buf := cache.NewPage()
	newLeaf(buf)
	cache.MakeDirty(id)
	return &Tree{cache: cache, root: id}
}

// Root returns the tree's current root page, to be persisted by the
// caller (typically into a folder/commit-block entry).
func (t *Tree) Root() page.Index { return t.root }

// TakeFreed drains the set of pages this tree has determined are no longer
// reachable (merged-away siblings, a collapsed root) since the last call.
// The caller — normally engine.FileSystem — is responsible for handing
// these to the free store; Tree itself has no notion of reclamation
// because that would entangle it with freestore's own transaction
// lifecycle. Grounded on SPEC_FULL.md's engine composition-root section.
func (t *Tree) TakeFreed() []page.Index {
	freed := t.freed
	t.freed = nil
	return freed
}

func (t *Tree) free(id page.Index) { t.freed = append(t.freed, id) }

// Get returns a copy of the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	id := t.root
	for {
		buf, err := t.cache.GetPage(id)
		if err != nil {
			return nil, err
		}
		switch readNodeType(buf) {
		case typeLeaf:
			v, ok := wrapLeaf(buf).get(key)
			if !ok {
				return nil, ErrNotFound
			}
			return append([]byte(nil), v...), nil
		case typeInner:
			id = wrapInner(buf).findChild(key)
		default:
			return nil, errors.New("btree: corrupt node type")
		}
	}
}

// InsertOutcome classifies the result of Insert/InsertWithPolicy, matching
// spec.md §4.2's Inserted | Replaced{old} | Unchanged{cursor} result type.
type InsertOutcome int

const (
	// Inserted means key was previously absent and now holds value.
	Inserted InsertOutcome = iota
	// Replaced means key existed and replacePolicy(old) allowed the
	// overwrite; Old holds the value that was replaced.
	Replaced
	// Unchanged means key existed and replacePolicy(old) returned false;
	// the tree was not mutated and Cursor denotes the existing entry.
	Unchanged
	// NotFound is Rename's outcome when the source key does not exist.
	NotFound
)

// InsertResult reports what Insert/InsertWithPolicy did.
type InsertResult struct {
	Outcome InsertOutcome
	Old     []byte
	Cursor  *Cursor
}

// AlwaysReplace is the replace_policy every unconditional Insert call uses:
// an existing key is always overwritten.
func AlwaysReplace([]byte) bool { return true }

// Insert adds or unconditionally overwrites the value stored under key.
func (t *Tree) Insert(key, value []byte) error {
	_, err := t.InsertWithPolicy(key, value, AlwaysReplace)
	return err
}

// InsertWithPolicy is Insert's full form: when key already exists,
// replacePolicy(old) decides whether the overwrite proceeds. Same-size
// replacement is rewritten in place; a different-size replacement (or a
// brand new key) goes through remove+insert.
func (t *Tree) InsertWithPolicy(key, value []byte, replacePolicy func(old []byte) bool) (InsertResult, error) {
	if len(key) > maxKeyValueSize {
		return InsertResult{}, ErrKeyTooLarge
	}
	if len(value) > maxKeyValueSize {
		return InsertResult{}, ErrValueTooLarge
	}

	leafID, buf, err := t.descendToLeaf(key)
	if err != nil {
		return InsertResult{}, err
	}
	l := wrapLeaf(buf)
	var old []byte
	existed := false
	if i, found := l.find(key); found {
		_, oldValue := l.entryAt(i)
		old = append([]byte(nil), oldValue...)
		existed = true
		if !replacePolicy(old) {
			cur, _ := t.Begin(key)
			return InsertResult{Outcome: Unchanged, Old: old, Cursor: cur}, nil
		}
		if len(value) == len(old) {
			l.replaceSameSize(i, value)
			t.cache.MakeDirty(leafID)
			return InsertResult{Outcome: Replaced, Old: old}, nil
		}
	}

	promotedKey, newChild, split, err := t.insertRec(t.root, key, value)
	if err != nil {
		return InsertResult{}, err
	}
	if split {
		rootID, rootBuf := t.cache.NewPage()
		newRoot := newInner(rootBuf, t.root)
		newRoot.insertSeparator(promotedKey, newChild)
		t.cache.MakeDirty(rootID)
		t.root = rootID
	}
	if existed {
		// Different-size replacement: insertRec's leaf.insert already did
		// the remove+insert dance.
		return InsertResult{Outcome: Replaced, Old: old}, nil
	}
	return InsertResult{Outcome: Inserted}, nil
}

// descendToLeaf walks from root to the leaf that would contain key,
// without mutating anything, for the fast same-size-replace check.
func (t *Tree) descendToLeaf(key []byte) (page.Index, []byte, error) {
	id := t.root
	for {
		buf, err := t.cache.GetPage(id)
		if err != nil {
			return 0, nil, err
		}
		if readNodeType(buf) == typeLeaf {
			return id, buf, nil
		}
		id = wrapInner(buf).findChild(key)
	}
}

func (t *Tree) insertRec(id page.Index, key, value []byte) (promotedKey []byte, newChild page.Index, split bool, err error) {
	buf, err := t.cache.GetPage(id)
	if err != nil {
		return nil, 0, false, err
	}
	switch readNodeType(buf) {
	case typeLeaf:
		l := wrapLeaf(buf)
		if l.insert(key, value) {
			t.cache.MakeDirty(id)
			return nil, 0, false, nil
		}
		t.cache.MakeDirty(id)
		rightID, rightBuf := t.cache.NewPage()
		right := newLeaf(rightBuf)
		promoted := l.splitInto(right, rightID)
		right.setPrev(id)
		if oldNext := right.next(); oldNext != page.Invalid {
			if nbuf, err := t.cache.GetPage(oldNext); err == nil {
				wrapLeaf(nbuf).setPrev(rightID)
				t.cache.MakeDirty(oldNext)
			}
		}
		t.cache.MakeDirty(rightID)
		if compareBytes(key, promoted) < 0 {
			l.insert(key, value)
		} else {
			right.insert(key, value)
		}
		return promoted, rightID, true, nil

	case typeInner:
		in := wrapInner(buf)
		childID := in.findChild(key)
		promoted, newChildID, childSplit, err := t.insertRec(childID, key, value)
		if err != nil || !childSplit {
			return nil, 0, false, err
		}
		t.cache.MakeDirty(id)
		if in.insertSeparator(promoted, newChildID) {
			return nil, 0, false, nil
		}
		rightID, rightBuf := t.cache.NewPage()
		right := newInner(rightBuf, 0)
		promoted2 := in.splitInto(right)
		t.cache.MakeDirty(rightID)
		if compareBytes(promoted, promoted2) < 0 {
			in.insertSeparator(promoted, newChildID)
		} else {
			right.insertSeparator(promoted, newChildID)
		}
		return promoted2, rightID, true, nil

	default:
		return nil, 0, false, errors.New("btree: corrupt node type")
	}
}

// Remove deletes key, returning its prior value. Removing from a leaf that
// falls below minOccupancy triggers a merge or redistribution with a
// sibling, using the parent's separator key, per spec.md §4.2; underflow
// propagates upward and a root that collapses to a single child is
// replaced by that child.
func (t *Tree) Remove(key []byte) ([]byte, error) {
	value, _, err := t.removeRec(t.root, key)
	if err != nil {
		return nil, err
	}
	rootBuf, err := t.cache.GetPage(t.root)
	if err == nil && readNodeType(rootBuf) == typeInner {
		root := wrapInner(rootBuf)
		if root.empty() {
			oldRoot := t.root
			t.root = root.leftmost()
			t.free(oldRoot)
		}
	}
	return value, nil
}

// removeRec deletes key from the subtree rooted at id, reports the value
// that was removed, and reports whether the subtree root is now
// under-occupied (so the caller, one level up, can repair it).
func (t *Tree) removeRec(id page.Index, key []byte) (value []byte, underflow bool, err error) {
	buf, err := t.cache.GetPage(id)
	if err != nil {
		return nil, false, err
	}

	if readNodeType(buf) == typeLeaf {
		l := wrapLeaf(buf)
		v, ok := l.get(key)
		if !ok {
			return nil, false, ErrNotFound
		}
		value = append([]byte(nil), v...)
		l.remove(key)
		t.cache.MakeDirty(id)
		return value, l.usedBytes() < leafHeaderSize+minOccupancy, nil
	}

	n := wrapInner(buf)
	childIdx, childID := n.findChildIndex(key)
	value, childUnderflow, err := t.removeRec(childID, key)
	if err != nil {
		return nil, false, err
	}
	t.cache.MakeDirty(id)
	if !childUnderflow {
		return value, false, nil
	}

	// Re-fetch: the recursive call may have caused cache evictions that
	// diverted this page's buffer to a new slot.
	buf, err = t.cache.GetPage(id)
	if err != nil {
		return value, false, err
	}
	n = wrapInner(buf)

	childBuf, err := t.cache.GetPage(childID)
	if err != nil {
		return value, false, err
	}
	kind := readNodeType(childBuf)

	if childIdx < n.count() {
		// A right sibling exists: try to fold it into the underflowed
		// child (or redistribute with it).
		siblingID := n.childAt(childIdx + 1)
		siblingBuf, err := t.cache.GetPage(siblingID)
		if err != nil {
			return value, false, err
		}
		sep := append([]byte(nil), n.keyAt(childIdx)...)
		merged, err := t.mergeOrRedistribute(kind, childID, childBuf, siblingID, siblingBuf, sep, n)
		if err != nil {
			return value, false, err
		}
		if merged {
			n.removeSeparator(sep)
			t.free(siblingID)
		}
		t.cache.MakeDirty(id)
		return value, n.usedBytes() < innerHeaderSize+minOccupancy, nil
	}

	if childIdx > 0 {
		// No right sibling; fold the underflowed child into its left
		// sibling instead.
		siblingID := n.childAt(childIdx - 1)
		siblingBuf, err := t.cache.GetPage(siblingID)
		if err != nil {
			return value, false, err
		}
		sep := append([]byte(nil), n.keyAt(childIdx-1)...)
		merged, err := t.mergeOrRedistribute(kind, siblingID, siblingBuf, childID, childBuf, sep, n)
		if err != nil {
			return value, false, err
		}
		if merged {
			n.removeSeparator(sep)
			t.free(childID)
		}
		t.cache.MakeDirty(id)
		return value, n.usedBytes() < innerHeaderSize+minOccupancy, nil
	}

	// Sole child (n has no separators at all) — nothing to merge with
	// here; propagate the underflow so a higher level (or Remove's root
	// check) can decide what to do.
	return value, n.empty(), nil
}

// mergeOrRedistribute repairs the underflowed pair (leftID, rightID),
// which are adjacent siblings under parent n separated by sep. It merges
// rightID into leftID when they fit in one page, otherwise redistributes
// entries between them and rewrites sep's key in n. Returns true if a
// merge happened (the caller must then remove sep from n and free
// rightID).
func (t *Tree) mergeOrRedistribute(kind nodeType, leftID page.Index, leftBuf []byte, rightID page.Index, rightBuf []byte, sep []byte, n inner) (merged bool, err error) {
	switch kind {
	case typeLeaf:
		left, right := wrapLeaf(leftBuf), wrapLeaf(rightBuf)
		if left.canMergeWith(right) {
			left.mergeFrom(right)
			t.cache.MakeDirty(leftID)
			if nxt := left.next(); nxt != page.Invalid {
				if nbuf, err := t.cache.GetPage(nxt); err == nil {
					wrapLeaf(nbuf).setPrev(leftID)
					t.cache.MakeDirty(nxt)
				}
			}
			return true, nil
		}
		newSep := left.redistributeWith(right)
		t.cache.MakeDirty(leftID)
		t.cache.MakeDirty(rightID)
		n.removeSeparator(sep)
		n.insertSeparator(newSep, rightID)
		return false, nil

	case typeInner:
		left, right := wrapInner(leftBuf), wrapInner(rightBuf)
		if left.canMergeWith(right, sep) {
			left.mergeFrom(sep, right)
			t.cache.MakeDirty(leftID)
			return true, nil
		}
		newSep := left.redistributeWith(sep, right)
		t.cache.MakeDirty(leftID)
		t.cache.MakeDirty(rightID)
		n.removeSeparator(sep)
		n.insertSeparator(newSep, rightID)
		return false, nil

	default:
		return false, errors.New("btree: corrupt node type")
	}
}

// Rename moves the value stored under old to new, atomically within the
// tree: NotFound if old is absent, Unchanged if new already exists
// (nothing is mutated), Inserted otherwise.
func (t *Tree) Rename(oldKey, newKey []byte) (InsertOutcome, error) {
	if _, err := t.Get(newKey); err == nil {
		return Unchanged, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	value, err := t.Remove(oldKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NotFound, nil
		}
		return 0, err
	}
	if err := t.Insert(newKey, value); err != nil {
		return 0, err
	}
	return Inserted, nil
}

// Cursor yields key/value pairs across the whole tree in ascending key
// order by walking the leaf linked list, never re-descending from root. A
// cursor pins its current leaf against eviction for its lifetime; Close
// must be called to release the pin.
type Cursor struct {
	cache *pagecache.Cache
	id    page.Index
	idx   uint16
	buf   []byte
}

// First returns a Cursor positioned at the first leaf entry of the tree.
func (t *Tree) First() (*Cursor, error) {
	return t.Begin(nil)
}

// Begin returns a Cursor positioned at the first entry whose key is >= key
// (a lower-bound cursor), or an exhausted cursor if no such entry exists.
func (t *Tree) Begin(key []byte) (*Cursor, error) {
	id := t.root
	for {
		buf, err := t.cache.GetPage(id)
		if err != nil {
			return nil, err
		}
		if readNodeType(buf) == typeLeaf {
			l := wrapLeaf(buf)
			idx, _ := l.find(key)
			if len(key) == 0 {
				idx = 0
			}
			if idx >= l.count() {
				if nxt := l.next(); nxt != page.Invalid {
					nbuf, err := t.cache.GetPage(nxt)
					if err != nil {
						return nil, err
					}
					id, buf, idx = nxt, nbuf, 0
				}
			}
			t.cache.Pin(id)
			return &Cursor{cache: t.cache, id: id, idx: idx, buf: buf}, nil
		}
		id = wrapInner(buf).findChild(key)
	}
}

// Close releases the cursor's pin on its current leaf, if any.
func (c *Cursor) Close() {
	if c == nil || c.buf == nil {
		return
	}
	c.cache.Unpin(c.id)
}

// Valid reports whether the cursor currently denotes an entry.
func (c *Cursor) Valid() bool {
	if c == nil || c.buf == nil {
		return false
	}
	return c.idx < wrapLeaf(c.buf).count()
}

// Key and Value return the entry the cursor currently denotes.
func (c *Cursor) Key() []byte {
	k, _ := wrapLeaf(c.buf).entryAt(c.idx)
	return k
}

func (c *Cursor) Value() []byte {
	_, v := wrapLeaf(c.buf).entryAt(c.idx)
	return v
}

// Next advances the cursor, crossing into the next leaf page when the
// current one is exhausted and moving the eviction pin along with it.
func (c *Cursor) Next() error {
	c.idx++
	if c.idx < wrapLeaf(c.buf).count() {
		return nil
	}
	next := wrapLeaf(c.buf).next()
	oldID := c.id
	if next == page.Invalid {
		c.cache.Unpin(oldID)
		c.buf = nil
		return nil
	}
	buf, err := c.cache.GetPage(next)
	if err != nil {
		return err
	}
	c.cache.Pin(next)
	c.cache.Unpin(oldID)
	c.id, c.buf, c.idx = next, buf, 0
	return nil
}
