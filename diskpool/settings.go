package diskpool

import g "github.com/anacrolix/generics"

// Strategy selects the backing allocator for blocks handed out by a Pool.
// Switching strategy is only accepted by SetSettings while InUse() == 0
// (spec §3.2 invariant: "the backing strategy may change only when
// in_use == 0").
type Strategy int

const (
	// HeapPageAligned allocates each block as an independent page-aligned
	// heap region. This is the strategy every Pool can fall back to; it
	// has no platform dependency (spec §9: "an implementation may ship
	// only the heap strategy and still satisfy the contract").
	HeapPageAligned Strategy = iota
	// InternalPool uses a slab allocator (a sync.Pool of fixed-size
	// blocks). Grounded on storage/bufpool.go's sync.Pool-backed
	// BufferPool.
	InternalPool
	// MmapFile backs every block with a slice of one large memory-mapped
	// file, sized CacheSize*BlockSize, with a free list of slot indices.
	// Selected only when Settings.MmapPath is non-empty.
	MmapFile
	// Purgeable requests purgeable VM semantics (the OS may reclaim a
	// block under memory pressure) where the platform supports it. This
	// implementation ships it as an alias for HeapPageAligned; see
	// DESIGN.md for why true purgeable semantics (mach vm_allocate with
	// VM_FLAGS_PURGEABLE) are out of scope without cgo.
	Purgeable
)

// DefaultBlockSize is 16 KiB, "the block size by convention" per spec §3.2.
const DefaultBlockSize = 16 * 1024

// Settings mirrors the disk pool configuration surface of spec §6.4.
type Settings struct {
	// BlockSize is the fixed size of every block. Zero means
	// DefaultBlockSize.
	BlockSize int
	// CacheSize is the high watermark, max_use: the capacity ceiling.
	CacheSize int
	// MaxQueuedDiskBytes defines the gap between the high and low
	// watermark: LowWatermark = clamp(CacheSize - max(16,
	// MaxQueuedDiskBytes/BlockSize), 0, CacheSize).
	MaxQueuedDiskBytes int
	// CacheBufferChunkSize is a growth hint for the pool allocator. Zero
	// means automatic (CacheSize/10, minimum 1, as computed by chunkSize),
	// matching the original's "effective_block_size" computation. No
	// backing reads it: InternalPool's sync.Pool allocates one block at a
	// time.
	CacheBufferChunkSize int
	// LockDiskCache pins every allocated block in RAM with mlock on unix
	// platforms; elsewhere it has no effect.
	LockDiskCache bool
	// UseDiskCachePool selects InternalPool over HeapPageAligned when
	// MmapPath is empty.
	UseDiskCachePool bool
	// MmapPath, if non-empty, selects MmapFile backing at that path.
	MmapPath string
	// LowWatermark, when set, overrides the gap-formula-derived low
	// watermark with an exact value (still clamped to [0, CacheSize]).
	// The gap formula's floor of 16 blocks (256 KiB at the default block
	// size) makes it unsuitable for expressing small low watermarks on
	// small caches, which is exactly the case the disk pool's own test
	// scenarios want to exercise; LowWatermark exists for that, and for
	// any caller that simply knows the hysteresis gap it wants.
	LowWatermark g.Option[int]
}

// lowWatermark implements spec §9's resolution of the open question: both
// bounds are clamped, so a small CacheSize can never underflow the
// subtraction into a huge low watermark that collapses the hysteresis gap
// between high and low.
func (s Settings) lowWatermark() int {
	if s.LowWatermark.Ok {
		return clampInt(s.LowWatermark.Value, 0, s.CacheSize)
	}
	blockSize := s.blockSize()
	gap := s.MaxQueuedDiskBytes / blockSize
	if gap < 16 {
		gap = 16
	}
	return clampInt(s.CacheSize-gap, 0, s.CacheSize)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s Settings) blockSize() int {
	if s.BlockSize == 0 {
		return DefaultBlockSize
	}
	return s.BlockSize
}

func (s Settings) strategy() Strategy {
	if s.MmapPath != "" {
		return MmapFile
	}
	if s.UseDiskCachePool {
		return InternalPool
	}
	return HeapPageAligned
}

func (s Settings) chunkSize() int {
	if s.CacheBufferChunkSize != 0 {
		return s.CacheBufferChunkSize
	}
	if s.CacheSize/10 > 1 {
		return s.CacheSize / 10
	}
	return 1
}
