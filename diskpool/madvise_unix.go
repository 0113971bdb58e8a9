//go:build unix

package diskpool

import "golang.org/x/sys/unix"

// adviseDontNeed tells the kernel the contents of block are no longer
// needed, per spec §4.2: "on free, advise the kernel to drop contents
// (platform-dependent: MADV_FREE or MADV_DONTNEED where available)."
// Mirrors disk_buffer_pool.cpp's madvise(buf, 0x4000, MADV_FREE) /
// MADV_DONTNEED branches.
func adviseDontNeed(block []byte) {
	if len(block) == 0 {
		return
	}
	_ = unix.Madvise(block, unix.MADV_DONTNEED)
}

func lockInRAM(block []byte) {
	if len(block) == 0 {
		return
	}
	_ = unix.Mlock(block)
}

func unlockFromRAM(block []byte) {
	if len(block) == 0 {
		return
	}
	_ = unix.Munlock(block)
}
