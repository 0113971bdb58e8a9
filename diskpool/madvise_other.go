//go:build !unix

package diskpool

// adviseDontNeed, lockInRAM and unlockFromRAM have no portable equivalent
// outside unix (no VirtualLock/VirtualUnlock wiring without cgo); they are
// no-ops here, same as the original's TORRENT_USE_MLOCK guard being undefined
// on a platform it doesn't recognize.
func adviseDontNeed(block []byte) {}

func lockInRAM(block []byte) {}

func unlockFromRAM(block []byte) {}
