// internal/ble/protocol/chunk.go
package protocol

// DefaultMTU is the usable ATT write size of a link that never negotiated a
// larger MTU (23 bytes minus the 3-byte ATT header).
const DefaultMTU = 20

// ChunkFrame splits an encoded frame into writes of at most mtu bytes.
// Returns nil for an empty frame.
func ChunkFrame(frame []byte, mtu int) [][]byte {
	if len(frame) == 0 {
		return nil
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	chunks := make([][]byte, 0, (len(frame)+mtu-1)/mtu)
	for len(frame) > 0 {
		n := min(mtu, len(frame))
		chunk := make([]byte, n)
		copy(chunk, frame[:n])
		chunks = append(chunks, chunk)
		frame = frame[n:]
	}
	return chunks
}

// Reassembler rebuilds whole frames from notification chunks. The header's
// declared length tells it where each frame ends, so chunk boundaries do not
// need to line up with frame boundaries.
//
// A Reassembler is not safe for concurrent use; it belongs to the single
// consumer of a link's notification queue.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the pending bytes and returns every frame that is now
// complete. A malformed header discards all pending bytes and returns an
// error wrapping ErrFormat.
func (r *Reassembler) Feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var frames [][]byte
	for len(r.buf) >= HeaderSize {
		size, err := FrameSize(r.buf)
		if err != nil {
			r.Reset()
			return frames, err
		}
		if len(r.buf) < size {
			break
		}
		frame := make([]byte, size)
		copy(frame, r.buf[:size])
		frames = append(frames, frame)
		r.buf = r.buf[size:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames, nil
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset drops any partially received frame.
func (r *Reassembler) Reset() {
	clear(r.buf)
	r.buf = nil
}
