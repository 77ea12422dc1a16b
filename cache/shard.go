package cache

import "sync"

// shard is one hash-partitioned subset of the buffer pool. The recency list
// runs from head (most recently released) to tail (least recently used).
// List membership is dynamic: buffers migrate between shards on eviction.
type shard struct {
	mu   sync.Mutex
	head *Buf
	tail *Buf
}

// lookup returns the buffer with the given identity, or nil. Buffers under
// eviction are invisible: their identity is about to be recycled.
func (s *shard) lookup(dev, blockno uint32) *Buf {
	for b := s.head; b != nil; b = b.next {
		if b.Dev == dev && b.Blockno == blockno && b.state != stateEvicting {
			return b
		}
	}
	return nil
}

// freeFromTail returns the free buffer closest to the tail, or nil.
func (s *shard) freeFromTail() *Buf {
	for b := s.tail; b != nil; b = b.prev {
		if b.state == stateFree {
			return b
		}
	}
	return nil
}

func (s *shard) pushFront(b *Buf) {
	b.prev = nil
	b.next = s.head
	if s.head != nil {
		s.head.prev = b
	}
	s.head = b
	if s.tail == nil {
		s.tail = b
	}
}

func (s *shard) pushBack(b *Buf) {
	b.next = nil
	b.prev = s.tail
	if s.tail != nil {
		s.tail.next = b
	}
	s.tail = b
	if s.head == nil {
		s.head = b
	}
}

func (s *shard) unlink(b *Buf) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		s.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		s.tail = b.prev
	}
	b.prev = nil
	b.next = nil
}
