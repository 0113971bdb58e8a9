// Package diskpool implements the bounded-capacity, watermark-driven
// allocator for fixed-size disk blocks described in spec §3.2 and §4.2:
// a back-pressure-aware pool serving asynchronous consumers (peer reads,
// disk writes) that queues requests under pressure instead of failing
// them, and wakes queued consumers in FIFO order once pressure subsides.
//
// Grounded on disk_buffer_pool.cpp (watermark protocol, backing
// strategies) and storage/bufpool.go (sync.Pool/semaphore wiring idiom).
package diskpool

import (
	"context"
	"sort"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/sync/semaphore"

	"github.com/nostromorepo/libtorrent/executor"
)

// maxPendingHandlers bounds the pending-handler queue so a misbehaving
// upstream can't grow it without limit while the pool stays pressured;
// grounded on storage/bufpool.go's NewLimitedBufferPool use of
// semaphore.Weighted to cap outstanding buffers rather than a hand-rolled
// counter.
const maxPendingHandlers = 4096

// pendingHandler is a queued async-allocate request awaiting a block,
// spec §3.2's "pending_handlers: ordered sequence of (category-tag,
// one-shot-callback)".
type pendingHandler struct {
	category string
	handler  func([]byte)
}

// Pool is a bounded-capacity allocator for fixed-size blocks. The zero
// value is not usable; construct with New.
type Pool struct {
	mu sync.Mutex

	settings Settings
	backing  backing
	stats    *stats
	tags     map[uintptr]string

	inUse    int
	exceeded bool

	pending   []pendingHandler
	observers []func()

	exec *executor.Executor
	log  log.Logger
	sem  *semaphore.Weighted

	// TriggerCacheTrim is called synchronously (never via exec) whenever
	// allocation pressure is newly detected, mirroring the original's
	// boost::function<void()> trigger_trim constructor argument. It is
	// the pool's hook for asking the upper-layer piece cache to flush
	// dirty blocks; nil is a valid no-op.
	TriggerCacheTrim func()
}

// New creates a Pool with the given settings, posting watermark
// notifications to exec. Pass log.Default for logger if the caller has no
// more specific logger to hand it.
func New(settings Settings, exec *executor.Executor, logger log.Logger) (*Pool, error) {
	b, err := newBacking(settings)
	if err != nil {
		return nil, err
	}
	return &Pool{
		settings: settings,
		backing:  b,
		stats:    newStats(),
		tags:     map[uintptr]string{},
		exec:     exec,
		log:      logger,
		sem:      semaphore.NewWeighted(maxPendingHandlers),
	}, nil
}

// InUse returns the current number of outstanding blocks.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// ExceededMaxSize reports the latched pressure flag (spec §3.2).
func (p *Pool) ExceededMaxSize() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exceeded
}

// Stats returns a snapshot of per-category outstanding block counts.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshot()
}

// Allocate is a synchronous attempt: it always tries the backing
// allocator, regardless of latched pressure, and only reports (nil,
// false) if the backing itself is exhausted. It never queues (spec
// §4.2). Grounded on allocate_buffer's unconditional call straight into
// allocate_buffer_impl, with no exceeded pre-check — only
// async_allocate_buffer checks m_exceeded_max_size before attempting.
func (p *Pool) Allocate(category string) (block []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.allocateLocked(category)
	if b == nil {
		return nil, false
	}
	return b, true
}

// AllocateOrObserve always attempts the allocation; if the pool is (or
// becomes) pressured, observer is registered for a one-shot "disk ready"
// notification once pressure subsides, and exceeded is reported true.
func (p *Pool) AllocateOrObserve(category string, observer func()) (block []byte, exceeded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.allocateLocked(category)
	if p.exceeded {
		if observer != nil {
			p.observers = append(p.observers, observer)
		}
		return b, true
	}
	return b, false
}

// AsyncAllocate returns a block synchronously if the pool isn't under
// pressure; otherwise it enqueues handler and returns nil. The handler
// fires exactly once, with a block, when pressure subsides (spec §4.2,
// §8's "every enqueued handler is invoked exactly once").
func (p *Pool) AsyncAllocate(category string, handler func([]byte)) []byte {
	p.mu.Lock()
	if p.exceeded {
		p.mu.Unlock()
		// Acquired outside the pool lock: a full queue means 4096 disk
		// requests are already backed up, at which point blocking the
		// caller is preferable to an unbounded slice.
		p.sem.Acquire(context.Background(), 1)
		p.mu.Lock()
		if !p.exceeded {
			b := p.allocateLocked(category)
			p.mu.Unlock()
			p.sem.Release(1)
			return b
		}
		p.pending = append(p.pending, pendingHandler{category: category, handler: handler})
		p.mu.Unlock()
		return nil
	}
	b := p.allocateLocked(category)
	p.mu.Unlock()
	return b
}

// Free returns a block to the pool and runs the watermark protocol.
func (p *Pool) Free(block []byte) {
	p.mu.Lock()
	p.freeLocked(block)
	p.wakeIfBelowLowWatermarkLocked()
	p.mu.Unlock()
}

// FreeMany returns a batch of blocks, sorting them by address first to
// maximize cache locality on release (spec §4.2, grounded on
// free_multiple_buffers' std::sort(bufvec, end) in the original).
func (p *Pool) FreeMany(blocks [][]byte) {
	sorted := append([][]byte(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return uintptrOf(sorted[i]) < uintptrOf(sorted[j]) })
	p.mu.Lock()
	for _, b := range sorted {
		p.freeLocked(b)
	}
	p.wakeIfBelowLowWatermarkLocked()
	p.mu.Unlock()
}

// Rename changes the category tag of an outstanding block, for
// observability only (spec §4.2's "per-block category tag (rename
// supported)").
func (p *Pool) Rename(block []byte, category string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := uintptrOf(block)
	prev, ok := p.tags[addr]
	if !ok {
		return
	}
	p.tags[addr] = category
	p.stats.rename(prev, category)
}

// NumToEvict is advisory: how many dirty blocks the cache should flush to
// make room for need more allocations (spec §4.2).
func (p *Pool) NumToEvict(need int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	low := p.settings.lowWatermark()
	ret := p.inUse - low
	if alt := p.inUse + need - p.settings.CacheSize; alt > ret {
		ret = alt
	}
	return clampInt(ret, 0, p.inUse)
}

// NumToEvictStrict mirrors disk_buffer_pool.cpp's num_to_evict exactly: the
// low-bound term only applies while pressure is already latched, and it is
// tightened by (observers+handlers)*2 — callers with a lot of parties
// already waiting get asked to evict further below the low watermark, since
// satisfying all of them will consume more of the freed room than the low
// watermark alone accounts for. NumToEvict keeps spec.md's simplified,
// always-applied formula as the contract; this is the closer-to-the-original
// variant for callers that want it.
func (p *Pool) NumToEvictStrict(need int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := 0
	if p.exceeded {
		low := p.settings.lowWatermark()
		if tightened := p.settings.CacheSize - (len(p.observers)+len(p.pending))*2; tightened < low {
			low = tightened
		}
		ret = p.inUse - low
	}
	if alt := p.inUse + need - p.settings.CacheSize; alt > ret {
		ret = alt
	}
	return clampInt(ret, 0, p.inUse)
}

// SetSettings reconfigures the pool (spec §4.2). Capacity changes are
// accepted at any time. The backing strategy is switched only if
// InUse() == 0 at the time of the call, matching the original's "if there
// are no allocated blocks, it's OK to switch allocator" guard; a strategy
// change made while blocks are outstanding is not carried out, then or
// later, even though the new settings are stored.
func (p *Pool) SetSettings(settings Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if settings.strategy() != p.settings.strategy() && p.inUse == 0 {
		newBack, err := newBacking(settings)
		if err != nil {
			return err
		}
		p.backing.close()
		p.backing = newBack
	}
	p.settings = settings
	if p.inUse >= p.settings.CacheSize && !p.exceeded {
		p.markExceededLocked()
	}
	return nil
}

func (p *Pool) allocateLocked(category string) []byte {
	b := p.backing.alloc()
	if b == nil {
		p.markExceededLocked()
		return nil
	}
	p.inUse++
	p.tags[uintptrOf(b)] = category
	p.stats.inc(category)
	if p.settings.LockDiskCache {
		lockInRAM(b)
	}
	low := p.settings.lowWatermark()
	threshold := low + (p.settings.CacheSize-low)/2
	if p.inUse >= threshold && !p.exceeded {
		p.markExceededLocked()
	}
	return b
}

func (p *Pool) freeLocked(block []byte) {
	addr := uintptrOf(block)
	category := p.tags[addr]
	delete(p.tags, addr)
	if p.settings.LockDiskCache {
		unlockFromRAM(block)
	}
	p.backing.free(block)
	p.stats.dec(category)
	p.inUse--
}

func (p *Pool) markExceededLocked() {
	if p.exceeded {
		return
	}
	p.exceeded = true
	if p.TriggerCacheTrim != nil {
		p.TriggerCacheTrim()
	}
}

// wakeIfBelowLowWatermarkLocked implements the watermark wake procedure of
// spec §4.2: drain pending handlers FIFO, splitting the queue if pressure
// re-occurs mid-drain, then (only if pressure stays clear) drain the
// observer set. All notifications are posted to exec, never invoked here.
func (p *Pool) wakeIfBelowLowWatermarkLocked() {
	if !p.exceeded || p.inUse > p.settings.lowWatermark() {
		return
	}
	p.exceeded = false

	type served struct {
		handler func([]byte)
		block   []byte
	}
	var servedBatch []served
	for len(p.pending) > 0 {
		if p.exceeded {
			break
		}
		h := p.pending[0]
		p.pending = p.pending[1:]
		p.sem.Release(1)
		b := p.allocateLocked(h.category)
		servedBatch = append(servedBatch, served{handler: h.handler, block: b})
	}
	if len(servedBatch) > 0 {
		p.exec.Post(func() {
			for _, s := range servedBatch {
				s.handler(s.block)
			}
		})
	}
	if p.exceeded {
		// Pressure re-occurred mid-drain: the remainder of p.pending
		// stays queued, and observers don't get to run yet.
		return
	}

	obs := p.observers
	p.observers = nil
	if len(obs) > 0 {
		p.exec.Post(func() {
			for _, o := range obs {
				o()
			}
		})
	}
}

// Close releases the backing strategy's resources (e.g. unmaps and
// truncates the mmap cache file).
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backing.close()
}
