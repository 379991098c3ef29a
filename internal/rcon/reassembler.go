package rcon

// Multi-part command replies carry a 3-byte header in front of the text:
//
//	0x00 [total parts] [part index]
const (
	multipartMarker     byte = 0x00
	multipartHeaderSize      = 3
)

// assembly is the outcome of feeding one command-reply frame.
type assembly struct {
	// complete is set when a whole message is available in text.
	complete bool
	text     []byte
	seq      byte
	// desync is set when an in-progress message was discarded.
	desync bool
	// malformed is set when the multi-part header itself is invalid.
	malformed bool
}

// reassembler rebuilds command replies that span several datagrams.
// Parts are slotted by index so they may arrive in any order; duplicate
// parts (as produced by retransmitted commands) are ignored.
type reassembler struct {
	active   bool
	seq      byte
	parts    [][]byte
	received int
}

// feed consumes a PacketCommand frame payload.
func (r *reassembler) feed(f Frame) assembly {
	p := f.Payload
	if len(p) < multipartHeaderSize || p[0] != multipartMarker {
		// Single-datagram reply. Anything half-built is stale now.
		desync := r.active
		r.reset()
		return assembly{complete: true, text: p, seq: f.Sequence, desync: desync}
	}

	total, index := int(p[1]), int(p[2])
	fragment := p[multipartHeaderSize:]
	if total == 0 || index >= total {
		desync := r.active
		r.reset()
		return assembly{desync: desync, malformed: true, seq: f.Sequence}
	}

	var out assembly
	if r.active && (r.seq != f.Sequence || len(r.parts) != total) {
		out.desync = true
		r.reset()
	}

	if !r.active {
		r.active = true
		r.seq = f.Sequence
		r.parts = make([][]byte, total)
	}

	if r.parts[index] == nil {
		r.parts[index] = append([]byte{}, fragment...)
		r.received++
	}

	if r.received < total {
		return out
	}

	size := 0
	for _, part := range r.parts {
		size += len(part)
	}
	text := make([]byte, 0, size)
	for _, part := range r.parts {
		text = append(text, part...)
	}

	out.complete = true
	out.text = text
	out.seq = r.seq
	r.reset()
	return out
}

// inProgress reports whether a partial message is buffered.
func (r *reassembler) inProgress() bool {
	return r.active
}

func (r *reassembler) reset() {
	r.active = false
	r.seq = 0
	r.parts = nil
	r.received = 0
}
