package relay

import (
	"fmt"
)

type lruNode[T comparable] struct {
	value T
	prev  *lruNode[T]
	next  *lruNode[T]
}

// LRUSet is a fixed-capacity recency set used for dedup windows.
// Adding past capacity evicts the least-recently-used value.
type LRUSet[T comparable] struct {
	maxSize int
	nodes   map[T]*lruNode[T]
	head    *lruNode[T]
	tail    *lruNode[T]
}

func NewLRUSet[T comparable](maxSize int) *LRUSet[T] {
	if maxSize <= 0 {
		panic(fmt.Errorf("LRUSet maxSize must be greater than 0: %d", maxSize))
	}
	return &LRUSet[T]{
		maxSize: maxSize,
		nodes:   map[T]*lruNode[T]{},
	}
}

func (self *LRUSet[T]) moveToFront(node *lruNode[T]) {
	if node == self.head {
		return
	}

	if node.prev != nil {
		node.prev.next = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	}
	if node == self.tail {
		self.tail = node.prev
	}

	node.prev = nil
	node.next = self.head
	if self.head != nil {
		self.head.prev = node
	}
	self.head = node
	if self.tail == nil {
		self.tail = node
	}
}

func (self *LRUSet[T]) Add(value T) {
	if node, ok := self.nodes[value]; ok {
		self.moveToFront(node)
		return
	}

	node := &lruNode[T]{
		value: value,
	}
	self.nodes[value] = node

	node.next = self.head
	if self.head != nil {
		self.head.prev = node
	}
	self.head = node
	if self.tail == nil {
		self.tail = node
	}

	if self.maxSize < len(self.nodes) {
		if self.tail != nil {
			delete(self.nodes, self.tail.value)
			self.tail = self.tail.prev
			if self.tail != nil {
				self.tail.next = nil
			}
		}
	}
}

// Has promotes `value` to most-recently-used on a hit.
// Callers that need a non-mutating membership check cannot use this type;
// the dedup windows built on it rely on the refresh.
func (self *LRUSet[T]) Has(value T) bool {
	if node, ok := self.nodes[value]; ok {
		self.moveToFront(node)
		return true
	}
	return false
}

func (self *LRUSet[T]) Delete(value T) bool {
	node, ok := self.nodes[value]
	if !ok {
		return false
	}

	if node.prev != nil {
		node.prev.next = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	}
	if node == self.head {
		self.head = node.next
	}
	if node == self.tail {
		self.tail = node.prev
	}

	delete(self.nodes, value)
	return true
}

func (self *LRUSet[T]) Clear() {
	self.nodes = map[T]*lruNode[T]{}
	self.head = nil
	self.tail = nil
}

func (self *LRUSet[T]) Size() int {
	return len(self.nodes)
}

// Values returns the members from most- to least-recently-used.
func (self *LRUSet[T]) Values() []T {
	values := make([]T, 0, len(self.nodes))
	for node := self.head; node != nil; node = node.next {
		values = append(values, node.value)
	}
	return values
}
