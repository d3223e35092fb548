package docan

// JobHandle is an opaque token identifying one outstanding send or
// receive job. It is comparable so a transceiver can verify that a
// cancel request matches the slot it thinks it is cancelling, even
// after the slot has been reused by a later job (the generation field
// changes on every reuse, so a stale handle never matches).
type JobHandle struct {
	slot       uint16
	generation uint32
}

// jobHandleAllocator hands out JobHandles for a fixed-size slot pool,
// bumping the generation each time a slot is released so a cancel
// racing against reuse can never match the wrong job.
type jobHandleAllocator struct {
	generations []uint32
}

func newJobHandleAllocator(capacity int) *jobHandleAllocator {
	return &jobHandleAllocator{generations: make([]uint32, capacity)}
}

func (a *jobHandleAllocator) handle(slot int) JobHandle {
	return JobHandle{slot: uint16(slot), generation: a.generations[slot]}
}

func (a *jobHandleAllocator) release(slot int) {
	a.generations[slot]++
}
