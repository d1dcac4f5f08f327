package wire

// ReassemblyWindow bounds the number of distinct in-flight fragment_ids the Reassembler will
// track at once.
const ReassemblyWindow = 32

type fragmentSet struct {
	total    int // 0 until the final fragment has been seen
	received map[uint16]Fragment
}

// Reassembler buffers out-of-order fragments keyed by fragment_id until a complete set arrives,
// evicting the oldest incomplete set once ReassemblyWindow distinct ids are outstanding. Within a
// set, out-of-order arrival is supported and duplicate fragments are idempotent.
type Reassembler struct {
	order []uint64 // fragment_ids in arrival order, oldest first
	sets  map[uint64]*fragmentSet
}

// NewReassembler constructs an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{sets: make(map[uint64]*fragmentSet)}
}

// Add ingests one fragment. It returns the reassembled payload and true once the fragment
// completes its set; otherwise it returns (nil, false).
func (r *Reassembler) Add(f Fragment) ([]byte, bool) {
	set, ok := r.sets[f.FragmentID]
	if !ok {
		set = &fragmentSet{received: make(map[uint16]Fragment)}
		r.sets[f.FragmentID] = set
		r.order = append(r.order, f.FragmentID)
		r.evictOldest()
	}
	set.received[f.Index()] = f
	if f.Final() {
		set.total = int(f.Index()) + 1
	}
	if set.total > 0 && len(set.received) == set.total {
		ordered := make([]Fragment, set.total)
		for i := 0; i < set.total; i++ {
			frag, present := set.received[uint16(i)]
			if !present {
				return nil, false
			}
			ordered[i] = frag
		}
		delete(r.sets, f.FragmentID)
		r.removeFromOrder(f.FragmentID)
		return Reassemble(ordered), true
	}
	return nil, false
}

func (r *Reassembler) evictOldest() {
	for len(r.order) > ReassemblyWindow {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.sets, oldest)
	}
}

func (r *Reassembler) removeFromOrder(id uint64) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Pending reports how many distinct fragment_ids are currently buffered, awaiting completion.
func (r *Reassembler) Pending() int {
	return len(r.sets)
}
