package rconclient

import "time"

// reassemblyEntry buffers the parts seen so far for one in-flight sequence.
// Completeness is all-or-nothing rather than continuous, since a Command
// reply is consumed once, not streamed.
type reassemblyEntry struct {
	total     byte
	parts     [][]byte
	have      int
	createdAt time.Time
}

// reassembler buffers multi-part Command replies keyed by sequence and
// assembles them into a whole payload once every part has arrived.
// Not safe for concurrent use; the Session's single event loop is the sole
// caller.
type reassembler struct {
	entries map[byte]*reassemblyEntry
}

func newReassembler() *reassembler {
	return &reassembler{entries: make(map[byte]*reassemblyEntry)}
}

// push ingests one CommandPart. It returns the assembled payload and true
// once every part for that sequence has arrived; otherwise it returns
// (nil, false). A part with a total that disagrees with an existing entry
// for the same sequence is treated as a protocol violation: the stored
// entry is dropped and the new part is ignored — the owning command
// times out and resends under a fresh sequence rather than risk splicing
// two different replies together.
func (r *reassembler) push(p CommandPart) ([]byte, bool) {
	e, ok := r.entries[p.Seq]
	if !ok {
		e = &reassemblyEntry{
			total:     p.Total,
			parts:     make([][]byte, p.Total),
			createdAt: time.Now(),
		}
		r.entries[p.Seq] = e
	} else if e.total != p.Total {
		delete(r.entries, p.Seq)
		return nil, false
	}

	if int(p.Index) >= len(e.parts) {
		// Index outside the declared total: same protocol-violation policy
		// as a mismatched total.
		delete(r.entries, p.Seq)
		return nil, false
	}

	if e.parts[p.Index] == nil {
		e.parts[p.Index] = p.Data
		e.have++
	}
	// A duplicate (seq,index) delivery is idempotent: the first write is
	// retained and later ones for the same slot are silently ignored.

	if e.have < int(e.total) {
		return nil, false
	}

	delete(r.entries, p.Seq)
	out := make([]byte, 0, totalLen(e.parts))
	for _, part := range e.parts {
		out = append(out, part...)
	}
	return out, true
}

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}

// drop discards any buffered partial entry for seq. Called by the Scheduler
// before a sequence slot is reused for a new in-flight command.
func (r *reassembler) drop(seq byte) {
	delete(r.entries, seq)
}

// gc removes entries older than reassemblyGCAge that never completed
//. Called once per tick from the Session's 1s ticker.
func (r *reassembler) gc(now time.Time) {
	for seq, e := range r.entries {
		if now.Sub(e.createdAt) > reassemblyGCAge {
			delete(r.entries, seq)
		}
	}
}
