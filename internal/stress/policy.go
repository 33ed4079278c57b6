package stress

const (
	DefaultDirtyThreshold     = 0.20
	DefaultOverheadBytes      = 1 << 30
	DefaultComputeBudgetBytes = 2 << 30
)

// Policy sizes the filler allocation.
type Policy struct {
	// DirtyThreshold is the fraction of total memory above which a device
	// is considered occupied by someone else. The comparison is strict.
	DirtyThreshold float64
	// OverheadBytes is headroom left for the runtime and its contexts.
	OverheadBytes uint64
	// ComputeBudgetBytes is the expected footprint of the compute matrices.
	ComputeBudgetBytes uint64
}

func DefaultPolicy() Policy {
	return Policy{
		DirtyThreshold:     DefaultDirtyThreshold,
		OverheadBytes:      DefaultOverheadBytes,
		ComputeBudgetBytes: DefaultComputeBudgetBytes,
	}
}

// IsDirty reports whether used memory is strictly above the threshold.
func (p Policy) IsDirty(usedBytes, totalBytes uint64) bool {
	return float64(usedBytes) > p.DirtyThreshold*float64(totalBytes)
}

// Reserve is the memory kept free below the filler.
func (p Policy) Reserve() uint64 {
	return p.OverheadBytes + p.ComputeBudgetBytes
}

// WithComputeFootprint raises the compute budget to at least footprint bytes
// so the reserve never undercuts the matrices actually allocated.
func (p Policy) WithComputeFootprint(footprint uint64) Policy {
	p.ComputeBudgetBytes = max(p.ComputeBudgetBytes, footprint)
	return p
}

// FillerSize returns how many bytes to allocate as filler given the free
// memory and an optional target (0 = unset). Zero means skip the allocation.
func (p Policy) FillerSize(freeBytes, targetBytes uint64) uint64 {
	if freeBytes <= p.Reserve() {
		return 0
	}
	size := freeBytes - p.Reserve()

	if targetBytes > 0 {
		if targetBytes <= p.ComputeBudgetBytes {
			return 0
		}
		size = min(size, targetBytes-p.ComputeBudgetBytes)
	}

	return size
}
