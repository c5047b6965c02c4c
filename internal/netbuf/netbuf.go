// Package netbuf implements a pooled, fragment-chained packet buffer.
//
// A Buffer is a singly linked list of fixed-size fragments. Appending data
// allocates fragments from a process-wide free list instead of the heap;
// trimming data off the front returns fragments to that list. The first
// fragment of a freshly created Buffer reserves headSlack bytes in front of
// its data region so that protocol layers can prepend their headers
// (TCP, then IP, then link layer) without copying the payload.
package netbuf

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
)

const (
	fragmentSize = 512

	// headSlack is large enough to hold an IPv6 header (40) plus a TCP
	// header with the MSS option (24), the deepest prepend chain this
	// stack builds.
	headSlack = 64

	poolGrowStep = 16
)

type fragment struct {
	data       [fragmentSize]byte
	start, end int
	next       *fragment
}

var (
	poolMu   sync.Mutex
	freeList *fragment

	allocatedCount atomic.Uint64
	freedCount     atomic.Uint64
	createdCount   atomic.Uint64
)

// growPool must be called with poolMu held.
func growPool() {
	for i := 0; i < poolGrowStep; i++ {
		f := &fragment{next: freeList}
		freeList = f
	}
	createdCount.Add(poolGrowStep)
}

func popFragment() *fragment {
	poolMu.Lock()
	if freeList == nil {
		growPool()
	}
	f := freeList
	freeList = f.next
	poolMu.Unlock()

	f.next = nil
	allocatedCount.Add(1)
	return f
}

func getFragment() *fragment {
	f := popFragment()
	f.start = headSlack
	f.end = headSlack
	return f
}

// getFragmentFull pops a fragment with its window anchored at the tail
// (start == end == fragmentSize), leaving the whole fragment available for
// header prepends instead of payload appends.
func getFragmentFull() *fragment {
	f := popFragment()
	f.start = fragmentSize
	f.end = fragmentSize
	return f
}

func putFragment(f *fragment) {
	poolMu.Lock()
	f.next = freeList
	freeList = f
	poolMu.Unlock()
	freedCount.Add(1)
}

// Stats is a snapshot of fragment pool activity, surfaced through the
// stack's Metrics snapshot.
type Stats struct {
	Allocated uint64
	Freed     uint64
	Created   uint64
}

// Metrics returns a snapshot of fragment pool counters.
func Metrics() Stats {
	return Stats{
		Allocated: allocatedCount.Load(),
		Freed:     freedCount.Load(),
		Created:   createdCount.Load(),
	}
}

// Buffer is a chain of pooled fragments representing packet data, with
// front slack in the first fragment reserved for header prepends.
type Buffer struct {
	head *fragment
	tail *fragment
}

// New returns an empty Buffer with one fragment already reserved, so that
// AllocHeader works immediately even before any payload is appended.
func New() *Buffer {
	f := getFragment()
	return &Buffer{head: f, tail: f}
}

// NewPrealloc returns a buffer of exactly n zero-filled octets. The first
// fragment keeps its headSlack bytes of header room and so holds at most
// fragmentSize-headSlack of them; the rest fill whole fragments.
func NewPrealloc(n int) *Buffer {
	b := New()
	b.AppendFromSlice(make([]byte, n))
	return b
}

// Release returns every fragment held by b to the pool. b must not be used
// again afterward. Every buffer's lifetime must end in either Release or
// TrimHead/TrimTail down to nothing; otherwise its fragments are never
// returned to the free list.
func (b *Buffer) Release() {
	for f := b.head; f != nil; {
		next := f.next
		putFragment(f)
		f = next
	}
	b.head, b.tail = nil, nil
}

// Len returns the number of payload bytes currently held.
func (b *Buffer) Len() int {
	n := 0
	for f := b.head; f != nil; f = f.next {
		n += f.end - f.start
	}
	return n
}

// IsEmpty reports whether the buffer holds no payload bytes.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// AppendFromSlice copies data onto the end of the buffer, allocating new
// fragments from the pool as needed.
func (b *Buffer) AppendFromSlice(data []byte) {
	for len(data) > 0 {
		if b.tail == nil || b.tail.end == fragmentSize {
			f := getFragment()
			if b.head != nil {
				// Only the first fragment of a chain needs header slack.
				f.start, f.end = 0, 0
			}
			if b.head == nil {
				b.head = f
			} else {
				b.tail.next = f
			}
			b.tail = f
		}

		n := copy(b.tail.data[b.tail.end:fragmentSize], data)
		b.tail.end += n
		data = data[n:]
	}
}

// AppendBuffer moves the fragments of other onto the end of b in O(1),
// leaving other empty.
func (b *Buffer) AppendBuffer(other *Buffer) {
	if other.head == nil {
		return
	}

	if b.tail == nil {
		b.head = other.head
	} else {
		b.tail.next = other.head
	}
	b.tail = other.tail
	other.head, other.tail = nil, nil
}

// AppendFromBuffer copies up to maxLen bytes from src onto the end of b.
// Unlike AppendBuffer, src is left intact; this is used to pull a
// retransmittable copy out of a send queue.
func (b *Buffer) AppendFromBuffer(src *Buffer, maxLen int) {
	remaining := maxLen
	for f := src.head; f != nil && remaining > 0; f = f.next {
		n := f.end - f.start
		if n > remaining {
			n = remaining
		}
		b.AppendFromSlice(f.data[f.start : f.start+n])
		remaining -= n
	}
}

// CopyToSlice copies as much of the buffer's payload as fits into dst,
// without consuming it, and returns the number of bytes copied.
func (b *Buffer) CopyToSlice(dst []byte) int {
	copied := 0
	for f := b.head; f != nil && copied < len(dst); f = f.next {
		copied += copy(dst[copied:], f.data[f.start:f.end])
	}
	return copied
}

// TrimHead removes n bytes from the front of the buffer, returning emptied
// fragments to the pool. It panics if n exceeds the buffer's length: this
// indicates a protocol layer miscomputed a header or payload length, an
// internal invariant violation rather than a recoverable wire error.
func (b *Buffer) TrimHead(n int) {
	for n > 0 {
		if b.head == nil {
			panic("netbuf: trim beyond buffer length")
		}

		avail := b.head.end - b.head.start
		if avail > n {
			b.head.start += n
			return
		}

		n -= avail
		old := b.head
		b.head = old.next
		if b.head == nil {
			b.tail = nil
		}
		putFragment(old)
	}
}

// TrimTail removes n bytes from the end of the buffer, returning emptied
// fragments to the pool. It panics if n exceeds the buffer's length.
func (b *Buffer) TrimTail(n int) {
	total := b.Len()
	if n > total {
		panic("netbuf: trim beyond buffer length")
	}

	keep := total - n
	if keep == 0 {
		b.Release()
		return
	}

	f := b.head
	for {
		avail := f.end - f.start
		if keep <= avail {
			f.end = f.start + keep
			rest := f.next
			f.next = nil
			b.tail = f
			for rest != nil {
				next := rest.next
				putFragment(rest)
				rest = next
			}
			return
		}
		keep -= avail
		f = f.next
	}
}

// AllocHeader reserves n bytes immediately in front of the buffer's
// current payload and returns them as a writable slice. If the head
// fragment doesn't have n bytes of pre-slack left, a new fragment is
// prepended with its window anchored at the tail (start == end ==
// fragmentSize), so later prepends can keep extending into it; n must not
// exceed a single fragment's capacity.
func (b *Buffer) AllocHeader(n int) []byte {
	if b.head == nil {
		f := getFragmentFull()
		b.head = f
		b.tail = f
	}

	if b.head.start < n {
		if n > fragmentSize {
			panic(fmt.Sprintf("netbuf: header %d exceeds fragment capacity %d", n, fragmentSize))
		}
		f := getFragmentFull()
		f.next = b.head
		b.head = f
	}

	f := b.head
	f.start -= n
	hdr := f.data[f.start : f.start+n]
	for i := range hdr {
		hdr[i] = 0
	}
	return hdr
}

// Header returns a contiguous view of the first n bytes of payload. It
// panics if the buffer holds fewer than n bytes: reading a fixed-size
// protocol header out of a short or empty buffer is a caller bug, not a
// wire-format error (those are rejected earlier by length checks).
func (b *Buffer) Header(n int) []byte {
	if b.head == nil || b.head.end-b.head.start < n {
		panic("netbuf: header requested on buffer without enough data")
	}
	return b.head.data[b.head.start : b.head.start+n]
}

// Fragments iterates over the buffer's underlying fragments in order,
// without copying. Checksum routines use this to sum payload data without
// linearizing the chain.
func (b *Buffer) Fragments() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for f := b.head; f != nil; f = f.next {
			if !yield(f.data[f.start:f.end]) {
				return
			}
		}
	}
}
