package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// DiskStore is the on-disk prefix cache backend (§4.4): filesystem-backed
// via badger (one logical entry per token-sequence hash), survives process
// restart, bounded by byte capacity with LRU eviction. The token-sequence
// trie used for longest-common-prefix lookup lives in memory only — it is
// rebuilt from badger's persisted metadata on open, so restart cost is one
// scan, not a rebuild of the cached states themselves.
type DiskStore struct {
	db       *badger.DB
	mu       sync.Mutex
	root     *diskNode
	order    *list.List // *diskEntry, front = most recently used
	capacity int64
	used     int64
}

type diskNode struct {
	parent   *diskNode
	viaToken int32
	children map[int32]*diskNode
	entry    *diskEntry
}

type diskEntry struct {
	key  []int32
	hash string
	size int64
	node *diskNode
	elem *list.Element
}

type diskMeta struct {
	Tokens []int32 `json:"tokens"`
	Size   int64   `json:"size"`
}

// NewDiskStore opens (creating if needed) a badger database at dir.
func NewDiskStore(dir string, capacityBytes int64) (*DiskStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening disk prefix cache at %s: %w", dir, err)
	}
	s := &DiskStore{
		db:       db,
		root:     &diskNode{children: map[int32]*diskNode{}},
		order:    list.New(),
		capacity: capacityBytes,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func metaKey(hash string) []byte  { return []byte("meta:" + hash) }
func stateKey(hash string) []byte { return []byte("state:" + hash) }

func hashTokens(key []int32) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, t := range key {
		binary.BigEndian.PutUint32(buf, uint32(t))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rebuildIndex scans all persisted metadata and reconstructs the in-memory
// trie and LRU order. Badger iterates keys in lexical order, which is not
// insertion order, so recency information from a previous process is not
// recoverable — entries are re-inserted oldest-first by hash order, which
// is an acceptable approximation since the alternative (no index at all)
// would make every post-restart lookup a cache miss.
func (s *DiskStore) rebuildIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("meta:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			hash := string(item.Key()[len(prefix):])
			var meta diskMeta
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				continue
			}
			s.insertIndex(meta.Tokens, hash, meta.Size)
		}
		return nil
	})
}

func (s *DiskStore) insertIndex(key []int32, hash string, size int64) {
	node := s.root
	for _, tok := range key {
		child, ok := node.children[tok]
		if !ok {
			child = &diskNode{parent: node, viaToken: tok, children: map[int32]*diskNode{}}
			node.children[tok] = child
		}
		node = child
	}
	if node.entry != nil {
		s.used -= node.entry.size
		s.order.Remove(node.entry.elem)
	}
	e := &diskEntry{key: append([]int32(nil), key...), hash: hash, size: size, node: node}
	e.elem = s.order.PushFront(e)
	node.entry = e
	s.used += size
}

func (s *DiskStore) LongestPrefix(_ context.Context, seq []int32) (Item, int, bool) {
	s.mu.Lock()
	node := s.root
	depth := 0
	for depth < len(seq) {
		child, ok := node.children[seq[depth]]
		if !ok {
			break
		}
		node = child
		depth++
	}
	if depth == 0 {
		s.mu.Unlock()
		return Item{}, 0, false
	}
	e := findAnyDiskEntry(node)
	if e == nil {
		s.mu.Unlock()
		return Item{}, 0, false
	}
	s.order.MoveToFront(e.elem)
	key, hash := e.key, e.hash
	s.mu.Unlock()

	var state []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return Item{}, 0, false
	}
	return Item{Tokens: key, State: state}, depth, true
}

func findAnyDiskEntry(n *diskNode) *diskEntry {
	if n.entry != nil {
		return n.entry
	}
	for _, c := range n.children {
		if e := findAnyDiskEntry(c); e != nil {
			return e
		}
	}
	return nil
}

func (s *DiskStore) Put(_ context.Context, key []int32, state []byte) error {
	hash := hashTokens(key)
	meta := diskMeta{Tokens: key, Size: int64(len(state))}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding cache metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(hash), state); err != nil {
			return err
		}
		return txn.Set(metaKey(hash), metaBytes)
	})
	if err != nil {
		return fmt.Errorf("writing disk prefix cache entry: %w", err)
	}

	s.mu.Lock()
	s.insertIndex(key, hash, int64(len(state)))
	s.evictIfNeeded()
	s.mu.Unlock()
	return nil
}

func (s *DiskStore) evictIfNeeded() {
	for s.capacity > 0 && s.used > s.capacity && s.order.Len() > 0 {
		back := s.order.Back()
		e := back.Value.(*diskEntry)
		s.order.Remove(back)
		s.used -= e.size
		s.removeFromTrie(e.node)

		hash := e.hash
		_ = s.db.Update(func(txn *badger.Txn) error {
			_ = txn.Delete(stateKey(hash))
			return txn.Delete(metaKey(hash))
		})
	}
}

func (s *DiskStore) removeFromTrie(node *diskNode) {
	node.entry = nil
	for node != nil && node != s.root && node.entry == nil && len(node.children) == 0 {
		parent := node.parent
		delete(parent.children, node.viaToken)
		node = parent
	}
}

func (s *DiskStore) Close() error { return s.db.Close() }

var _ Store = (*DiskStore)(nil)
