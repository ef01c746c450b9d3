package media

// SequenceTracker counts received and lost packets of one RTP stream,
// extending the 16-bit sequence number across wrap-around.
type SequenceTracker struct {
	started  bool
	last     uint16
	cycles   uint32
	received uint64
	lost     uint64
}

// Update records seq and returns its extended value and the number of
// packets skipped since the previous one.
func (t *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	t.received++
	if !t.started {
		t.started = true
		t.last = seq
		return uint32(seq), 0
	}

	delta := int16(seq - t.last)
	if delta <= 0 {
		// Duplicate or reordered.
		return t.cycles<<16 | uint32(seq), 0
	}
	if delta > 1 {
		lost = int(delta) - 1
		t.lost += uint64(lost)
	}
	if seq < t.last {
		t.cycles++
	}
	t.last = seq
	return t.cycles<<16 | uint32(seq), lost
}

// Stats returns cumulative counts.
func (t *SequenceTracker) Stats() (received, lost uint64) {
	return t.received, t.lost
}

// LossRate is lost / (received + lost).
func (t *SequenceTracker) LossRate() float64 {
	total := t.received + t.lost
	if total == 0 {
		return 0
	}
	return float64(t.lost) / float64(total)
}
