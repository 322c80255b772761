package simulated

import "maps"

// Stats is a snapshot of the driver's bookkeeping.
type Stats struct {
	// Calls counts the calls to each operation, including the failed ones.
	Calls map[Op]int

	LiveContexts    int
	LiveAllocations int
	LiveLocks       int
	LiveStreams     int

	// DeviceBytes in use per device.
	DeviceBytes []uint64

	// PinnedBytes currently page-locked, and the peak value so far.
	PinnedBytes, PeakPinnedBytes uint64
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Calls:           maps.Clone(d.calls),
		LiveContexts:    len(d.contexts),
		LiveAllocations: len(d.allocations),
		LiveLocks:       len(d.locks),
		LiveStreams:     len(d.streams),
		DeviceBytes:     append([]uint64(nil), d.deviceBytes...),
		PinnedBytes:     d.pinnedBytes,
		PeakPinnedBytes: d.peakPinned,
	}
}

// TotalCalls returns the number of calls to all operations.
func (s Stats) TotalCalls() int {
	total := 0
	for _, n := range s.Calls {
		total += n
	}
	return total
}
