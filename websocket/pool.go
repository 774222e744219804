package websocket

import "sync"

// BufferPool is a pool of reusable byte slices. Grounded on the teacher's
// BufferPool interface (util.go); generalized here into the affine-ownership
// lease model spec.md section 3/9 describes: each hop either detaches a
// leased buffer (taking ownership) or releases it back to the pool.
type BufferPool interface {
	Get() any
	Put(any)
}

// sizedPool buckets buffers by a power-of-two size class so payloads of
// very different sizes don't thrash a single sync.Pool. When external is
// set (Options.Pool was configured by the caller), each size class
// delegates Get/Put to it instead of to its own sync.Pool, so a
// caller-supplied BufferPool actually backs frame and message allocation
// rather than sitting unused.
type sizedPool struct {
	pools    [numSizeClasses]sync.Pool
	external BufferPool
}

const (
	minSizeClassBits = 8  // 256 bytes
	numSizeClasses   = 16 // up to 256 * 2^15 = 8 MiB buckets; larger payloads allocate directly
)

func newSizedPool() *sizedPool {
	p := &sizedPool{}
	for i := range p.pools {
		classCap := 1 << (minSizeClassBits + i)
		p.pools[i].New = func() any {
			b := make([]byte, classCap)
			return &b
		}
	}
	return p
}

// newSizedPoolWithBufferPool wraps a caller-supplied BufferPool as the
// backing store for every size class, instead of this package's sync.Pool.
func newSizedPoolWithBufferPool(bp BufferPool) *sizedPool {
	p := newSizedPool()
	p.external = bp
	return p
}

// sizeClass returns the smallest size class whose capacity covers n, or
// numSizeClasses if n exceeds even the largest class — the caller (rent)
// takes that as a signal to allocate directly instead of truncating n to
// fit a too-small pooled buffer.
func sizeClass(n int) int {
	if n <= 0 {
		return 0
	}
	class := 0
	cap := 1 << minSizeClassBits
	for cap < n {
		if class == numSizeClasses-1 {
			return numSizeClasses
		}
		cap <<= 1
		class++
	}
	return class
}

// leased is an owned, pooled buffer. The payload is buf[:length]; cap(buf)
// may exceed length because it was rented from a size class. Exactly one
// owner holds a leased value at a time; release returns it to the pool that
// issued it (or drops it, if it came from outside the pool, e.g. a
// caller-supplied buffer too large for any class).
type leased struct {
	buf    []byte
	class  int
	pooled bool
}

// rent returns a leased buffer with length n, content undefined.
func (p *sizedPool) rent(n int) *leased {
	class := sizeClass(n)
	if class >= numSizeClasses {
		return &leased{buf: make([]byte, n)}
	}

	var b []byte
	if p.external != nil {
		if v, _ := p.external.Get().(*[]byte); v != nil {
			b = *v
		}
	} else if bp, _ := p.pools[class].Get().(*[]byte); bp != nil {
		b = *bp
	}
	if cap(b) < n {
		b = make([]byte, 1<<(minSizeClassBits+class))
	}
	return &leased{buf: b[:n], class: class, pooled: true}
}

// release returns l's backing array to the pool. Safe to call on a nil
// leased or one already released.
func (p *sizedPool) release(l *leased) {
	if l == nil || !l.pooled {
		return
	}
	b := l.buf[:cap(l.buf)]
	if p.external != nil {
		p.external.Put(&b)
	} else {
		p.pools[l.class].Put(&b)
	}
	l.buf = nil
	l.pooled = false
}

// defaultPool is the package-level pool used when a Conn is not configured
// with a custom BufferPool.
var defaultPool = newSizedPool()
