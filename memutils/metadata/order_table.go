package metadata

import "sync"

var freeNodeAllocator = sync.Pool{
	New: func() any {
		return &freeNode{}
	},
}

// freeNode is one entry of a free list. Entries are keyed by byte offset from the start of the pool,
// the pool's own memory is never used to hold links.
type freeNode struct {
	offset int
	next   *freeNode
}

// orderTable holds one singly linked free list per order. Lists are unordered and always
// inserted into at the head.
type orderTable struct {
	minOrder int
	heads    []*freeNode
	counts   []int
}

func newOrderTable(minOrder, maxOrder int) orderTable {
	return orderTable{
		minOrder: minOrder,
		heads:    make([]*freeNode, maxOrder-minOrder+1),
		counts:   make([]int, maxOrder-minOrder+1),
	}
}

func (t *orderTable) index(order int) int {
	index := order - t.minOrder
	if index < 0 || index >= len(t.heads) {
		panic("order is outside the range managed by this table")
	}

	return index
}

func (t *orderTable) push(order, offset int) {
	index := t.index(order)

	node := freeNodeAllocator.Get().(*freeNode)
	node.offset = offset
	node.next = t.heads[index]
	t.heads[index] = node
	t.counts[index]++
}

func (t *orderTable) head(order int) (int, bool) {
	node := t.heads[t.index(order)]
	if node == nil {
		return 0, false
	}

	return node.offset, true
}

func (t *orderTable) pop(order int) (int, bool) {
	index := t.index(order)

	node := t.heads[index]
	if node == nil {
		return 0, false
	}

	t.heads[index] = node.next
	t.counts[index]--

	offset := node.offset
	t.releaseNode(node)
	return offset, true
}

// remove unlinks the entry for offset from the list of the provided order, scanning from the head.
// It returns false if no such entry exists.
func (t *orderTable) remove(order, offset int) bool {
	index := t.index(order)

	link := &t.heads[index]
	for *link != nil && (*link).offset != offset {
		link = &(*link).next
	}

	node := *link
	if node == nil {
		return false
	}

	*link = node.next
	t.counts[index]--
	t.releaseNode(node)
	return true
}

func (t *orderTable) count(order int) int {
	return t.counts[t.index(order)]
}

func (t *orderTable) visit(order int, visitor func(offset int) error) error {
	for node := t.heads[t.index(order)]; node != nil; node = node.next {
		err := visitor(node.offset)
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *orderTable) reset() {
	for index, node := range t.heads {
		for node != nil {
			next := node.next
			t.releaseNode(node)
			node = next
		}

		t.heads[index] = nil
		t.counts[index] = 0
	}
}

func (t *orderTable) releaseNode(node *freeNode) {
	node.next = nil
	node.offset = 0
	freeNodeAllocator.Put(node)
}
