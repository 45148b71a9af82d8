// Package piece verifies downloaded pieces against their expected digest
// and assembles verified pieces into the final, contiguous payload.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------------------------- //

// Verify reports whether data's SHA-1 digest matches expected: the stateless
// integrity check every downloaded piece must pass before it is handed to
// the Assembler.
func Verify(data []byte, expected [20]byte) bool {
	return sha1.Sum(data) == expected
}

// --------------------------------------------------------------------------------------------- //

// Assembler collects verified (index, bytes) pairs, arriving in arbitrary
// order from concurrent workers, and exposes the final concatenation once
// every piece in [0, n) has been delivered. Each piece is written directly at
// its pieceLength-aligned offset into a preallocated buffer, so no piece is
// ever copied twice.
type Assembler struct {
	mu       sync.Mutex
	buf      []byte
	have     []bool
	pieceLen int64
	total    int
	done     int
}

// --------------------------------------------------------------------------------------------- //

/*
NewAssembler preallocates a buffer of length `total` for `numPieces` pieces
of `pieceLen` bytes each (the last piece may be shorter).
*/
func NewAssembler(total int64, numPieces int, pieceLen int64) *Assembler {
	return &Assembler{
		buf:      make([]byte, total),
		have:     make([]bool, numPieces),
		pieceLen: pieceLen,
		total:    numPieces,
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Put writes a verified piece at its index-derived offset. A duplicate
delivery of an already-received index (a worker retry race) is dropped
silently and idempotently.

The mutex is held only for the copy itself, never across I/O, so a slow or
stuck peer connection can never block another worker's assembly.

Parameters:
  - index: the piece index, in [0, numPieces).
  - data: the verified piece bytes; len(data) must equal the piece's
    expected length.

Returns:
  - error: non-nil if index is out of range or data has the wrong length
    for that index.
*/
func (a *Assembler) Put(index int, data []byte) error {
	if index < 0 || index >= a.total {
		return fmt.Errorf("piece: index %d out of range [0,%d)", index, a.total)
	}

	offset := int64(index) * a.pieceLen
	if offset+int64(len(data)) > int64(len(a.buf)) {
		return fmt.Errorf("piece: piece %d of length %d overruns output buffer", index, len(data))
	}
	want := a.pieceLen
	if index == a.total-1 {
		want = int64(len(a.buf)) - offset
	}
	if int64(len(data)) != want {
		return fmt.Errorf("piece: piece %d has length %d, want %d", index, len(data), want)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.have[index] {
		return nil // duplicate delivery, already assembled
	}

	copy(a.buf[offset:], data)
	a.have[index] = true
	a.done++

	return nil
}

// --------------------------------------------------------------------------------------------- //

// Complete reports whether every piece in [0, numPieces) has been received.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done == a.total
}

// Done returns how many distinct pieces have been assembled so far.
func (a *Assembler) Done() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// --------------------------------------------------------------------------------------------- //

/*
Bytes returns the assembled payload. It is only meaningful once Complete
reports true; callers that read it earlier see zero bytes in the gaps where
pieces are still missing.
*/
func (a *Assembler) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}
