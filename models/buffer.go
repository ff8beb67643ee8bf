package models

import "sync"

// Buffer wraps caller-owned storage that travels with a request without
// being copied. While a Lease is outstanding the owner cannot read or write
// the bytes through the Buffer; the lease holder (the worker) has exclusive
// access until it releases the lease.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	leased bool
}

// NewBuffer wraps data. The caller keeps ownership of the backing array.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the length of the wrapped storage. It is safe while leased.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Bytes returns the wrapped storage, or ErrBufferInUse while a lease is outstanding
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leased {
		return nil, ErrBufferInUse
	}
	return b.data, nil
}

// Leased reports whether a lease is outstanding
func (b *Buffer) Leased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leased
}

// Acquire grants exclusive access to the buffer through the returned Lease.
// Only one lease can be outstanding at a time.
func (b *Buffer) Acquire() (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leased {
		return nil, ErrBufferInUse
	}
	b.leased = true
	return &Lease{buf: b}, nil
}

// Lease is the handle through which a worker accesses a leased Buffer
type Lease struct {
	buf  *Buffer
	once sync.Once
}

// Bytes returns the leased storage; a nil lease stands for an empty buffer
func (l *Lease) Bytes() []byte {
	if l == nil {
		return nil
	}
	return l.buf.data
}

// Len returns the length of the leased storage
func (l *Lease) Len() int {
	if l == nil {
		return 0
	}
	return len(l.buf.data)
}

// Buffer returns the buffer this lease was acquired from
func (l *Lease) Buffer() *Buffer {
	if l == nil {
		return nil
	}
	return l.buf
}

// Release hands access back to the owner. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.buf.mu.Lock()
		l.buf.leased = false
		l.buf.mu.Unlock()
	})
}

// AcquireAll leases every buffer in order. If one is already leased, the
// leases taken so far are released and ErrBufferInUse is returned.
// Nil buffers yield nil leases.
func AcquireAll(bufs ...*Buffer) ([]*Lease, error) {
	leases := make([]*Lease, len(bufs))
	for i, b := range bufs {
		if b == nil {
			continue
		}
		l, err := b.Acquire()
		if err != nil {
			ReleaseAll(leases...)
			return nil, err
		}
		leases[i] = l
	}
	return leases, nil
}

// ReleaseAll releases every non-nil lease
func ReleaseAll(leases ...*Lease) {
	for _, l := range leases {
		l.Release()
	}
}
