package cache

import "fmt"

// handle is index of node in recencyList arena.
type handle int32

const (
	// Fake nodes. Real nodes are between them.
	// fakeHead <-> node_0 <-> ... <-> node_(n-1) <-> fakeTail
	// Such structure prevent bound checks in code.

	// fakeHead is bottom of list. fakeHead.next is least recently used key.
	fakeHead handle = iota
	// fakeTail is top of list. fakeTail.prev is most recently used key.
	fakeTail
	firstNode
)

type recencyNode[K comparable] struct {
	key  K
	prev handle
	next handle
}

// recencyList is doubly linked list of keys ordered from least to most recently used.
// Nodes live in arena and are addressed by handles. Released handles are reused,
// so list doesn't allocate in steady state.
//
// Pre and post conditions (Invariants) for all methods:
// * {fakeHead, all owned nodes, fakeTail} are correct doubly linked list.
// * every arena node is either owned by list or is in free list.
// * len equal number of owned nodes.
type recencyList[K comparable] struct {
	nodes []recencyNode[K]
	free  []handle
	len   int
}

func newRecencyList[K comparable](sizeHint int) *recencyList[K] {
	l := &recencyList[K]{
		nodes: make([]recencyNode[K], firstNode, int(firstNode)+sizeHint),
	}
	l.link(fakeHead, fakeTail)
	return l
}

func (l *recencyList[K]) pushBack(key K) handle {
	h := l.alloc(key)
	l.attachBack(h)
	l.len++
	return h
}

func (l *recencyList[K]) moveToBack(h handle) {
	l.detach(h)
	l.attachBack(h)
}

// rekey replaces key of owned node.
func (l *recencyList[K]) rekey(h handle, key K) { l.nodes[h].key = key }

func (l *recencyList[K]) remove(h handle) (key K) {
	l.detach(h)
	l.len--
	key = l.nodes[h].key
	l.release(h)
	return
}

// front returns least recently used node.
func (l *recencyList[K]) front() (h handle, ok bool) {
	h = l.nodes[fakeHead].next
	return h, h != fakeTail
}

func (l *recencyList[K]) key(h handle) K { return l.nodes[h].key }
func (l *recencyList[K]) next(h handle) handle { return l.nodes[h].next }
func (l *recencyList[K]) end(h handle) bool    { return h == fakeTail }

// keys returns keys from least to most recently used.
func (l *recencyList[K]) keys() []K {
	keys := make([]K, 0, l.len)
	for h := l.nodes[fakeHead].next; !l.end(h); h = l.next(h) {
		keys = append(keys, l.key(h))
	}
	return keys
}

func (l *recencyList[K]) attachBack(h handle) {
	l.link(l.nodes[fakeTail].prev, h)
	l.link(h, fakeTail)
}

func (l *recencyList[K]) detach(h handle) {
	if h < firstNode {
		panic(fmt.Sprintf("detach of fake node %v", h))
	}
	n := &l.nodes[h]
	l.link(n.prev, n.next)
}

func (l *recencyList[K]) link(a, b handle) { l.nodes[a].next, l.nodes[b].prev = b, a }

func (l *recencyList[K]) alloc(key K) (h handle) {
	if n := len(l.free); n > 0 {
		h = l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[h] = recencyNode[K]{key: key}
		return
	}
	l.nodes = append(l.nodes, recencyNode[K]{key: key})
	return handle(len(l.nodes) - 1)
}

func (l *recencyList[K]) release(h handle) {
	// Zero key to not retain it.
	l.nodes[h] = recencyNode[K]{}
	l.free = append(l.free, h)
}
