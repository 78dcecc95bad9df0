// Package scheduler turns a leecher's wanted chunk range and per-peer chunk
// status into MTU-sized REQUEST batches, per spec §4.4.
package scheduler

// ChunkStatus reports whether a given chunk index has already been
// downloaded. Callers pass a view over their own chunk table; the scheduler
// never owns the chunk state itself.
type ChunkStatus interface {
	Downloaded(i uint32) bool
}

// Entry is one [Begin,End] request batch, inclusive on both ends.
type Entry struct {
	Begin uint32
	End   uint32
}

// Build advances a cursor across [start,end], skipping chunks already
// downloaded, and groups consecutive missing chunks into batches of at most
// hashesPerMTU chunks each. The result partitions the missing chunks in the
// range into non-overlapping ascending intervals (spec's "download_schedule"
// invariant).
func Build(status ChunkStatus, start, end, hashesPerMTU uint32) []Entry {
	if hashesPerMTU == 0 {
		hashesPerMTU = 1
	}
	var schedule []Entry

	o := start
	for o <= end {
		if status.Downloaded(o) {
			o++
			continue
		}

		begin := o
		runLen := uint32(0)
		for o <= end && !status.Downloaded(o) && runLen < hashesPerMTU {
			o++
			runLen++
		}
		schedule = append(schedule, Entry{Begin: begin, End: o - 1})
	}

	return schedule
}

// EstimatedBufferSize returns the buffer-size estimate spec §4.4 defines for
// caller pre-allocation: (last_covered - start + 1) * chunk_size, where
// last_covered is the end of the final scheduled batch. An empty schedule
// (nothing left to fetch) estimates zero.
func EstimatedBufferSize(schedule []Entry, start uint32, chunkSize uint32) int64 {
	if len(schedule) == 0 {
		return 0
	}
	lastCovered := schedule[len(schedule)-1].End
	return int64(lastCovered-start+1) * int64(chunkSize)
}

// AllDownloaded tests whether every chunk in [0,nc) has been downloaded.
func AllDownloaded(status ChunkStatus, nc uint32) bool {
	for i := uint32(0); i < nc; i++ {
		if !status.Downloaded(i) {
			return false
		}
	}
	return true
}
