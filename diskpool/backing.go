package diskpool

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// backing is the allocator strategy behind a Pool. It is switched only
// while Pool.inUse == 0 (spec §3.2).
type backing interface {
	// alloc returns a new block or nil if the strategy is exhausted (e.g.
	// the mmap free list is empty).
	alloc() []byte
	free(block []byte)
	close() error
}

func newBacking(s Settings) (backing, error) {
	switch s.strategy() {
	case MmapFile:
		return newMmapBacking(s)
	case InternalPool:
		return newPoolBacking(s), nil
	case HeapPageAligned, Purgeable:
		return newHeapBacking(s), nil
	default:
		return nil, fmt.Errorf("diskpool: unknown strategy %d", s.strategy())
	}
}

// heapBacking allocates each block as an independent page-aligned region,
// the strategy every Pool can fall back to (spec §9). Go's allocator
// doesn't expose page-aligned allocation directly, so each block
// over-allocates by one page and returns a subslice starting at the next
// page boundary, mirroring what page_aligned_allocator does with
// posix_memalign/VirtualAlloc.
type heapBacking struct {
	blockSize int
	pageSize  int
}

func newHeapBacking(s Settings) *heapBacking {
	return &heapBacking{blockSize: s.blockSize(), pageSize: os.Getpagesize()}
}

func (h *heapBacking) alloc() []byte {
	raw := make([]byte, h.blockSize+h.pageSize)
	off := alignmentOffset(raw, h.pageSize)
	return raw[off : off+h.blockSize : off+h.blockSize]
}

func (h *heapBacking) free(block []byte) {}

func (h *heapBacking) close() error { return nil }

// poolBacking is a slab allocator: a sync.Pool of fixed block-size byte
// slices, grounded on storage/bufpool.go's sync.Pool-backed BufferPool.
// Unlike bufpool.go (which pools by requested size) every block here is
// the same size, so a single pool suffices.
type poolBacking struct {
	blockSize int
	pool      sync.Pool
}

func newPoolBacking(s Settings) *poolBacking {
	blockSize := s.blockSize()
	return &poolBacking{
		blockSize: blockSize,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, blockSize)
				return &b
			},
		},
	}
}

func (p *poolBacking) alloc() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *poolBacking) free(block []byte) {
	p.pool.Put(&block)
}

func (p *poolBacking) close() error { return nil }

// mmapBacking backs every block with a slice of one file sized
// max_use*block_size, mmapped once, with a free list of slot indices
// (spec §4.2's "memory-mapped file" strategy, grounded on
// storage/mmap.go's use of github.com/edsrzf/mmap-go).
type mmapBacking struct {
	blockSize int
	file      *os.File
	region    mmap.MMap
	mu        sync.Mutex
	freeList  []int
}

func newMmapBacking(s Settings) (*mmapBacking, error) {
	blockSize := s.blockSize()
	size := int64(s.CacheSize) * int64(blockSize)
	f, err := os.OpenFile(s.MmapPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("diskpool: opening mmap cache file: %w", err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("diskpool: truncating mmap cache file: %w", err)
		}
	}
	var region mmap.MMap
	if size > 0 {
		region, err = mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("diskpool: mapping cache file: %w", err)
		}
	}
	freeList := make([]int, s.CacheSize)
	for i := range freeList {
		freeList[i] = i
	}
	return &mmapBacking{blockSize: blockSize, file: f, region: region, freeList: freeList}, nil
}

func (m *mmapBacking) alloc() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.freeList) == 0 {
		return nil
	}
	idx := m.freeList[len(m.freeList)-1]
	m.freeList = m.freeList[:len(m.freeList)-1]
	start := idx * m.blockSize
	return m.region[start : start+m.blockSize : start+m.blockSize]
}

func (m *mmapBacking) free(block []byte) {
	if m.region == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := blockSlotIndex(m.region, block, m.blockSize)
	if slot < 0 {
		return
	}
	adviseDontNeed(block)
	m.freeList = append(m.freeList, slot)
}

func (m *mmapBacking) close() error {
	var err error
	if m.region != nil {
		err = m.region.Unmap()
	}
	m.file.Truncate(0)
	m.file.Close()
	return err
}

// blockSlotIndex recovers the slot index of block within region by pointer
// offset, since mmapBacking hands out subslices of one contiguous mapping.
func blockSlotIndex(region mmap.MMap, block []byte, blockSize int) int {
	if len(block) == 0 || len(region) == 0 {
		return -1
	}
	off := int(uintptrOf(block) - uintptrOf(region))
	if off < 0 || off%blockSize != 0 || off/blockSize >= len(region)/blockSize {
		return -1
	}
	return off / blockSize
}
