// Package peer implements the per-connection BitTorrent wire protocol: the
// handshake, the length-prefixed message codec, and the peer session state
// machine that pipelines block requests for a single piece at a time.
package peer

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"time"
)

// --------------------------------------------------------------------------------------------- //

// Config tunes the session's block scheduler.
type Config struct {
	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration
	// IOTimeout bounds every individual read/write once connected.
	IOTimeout time.Duration
	// PipelineDepth is the number of outstanding block requests kept in
	// flight at once.
	PipelineDepth int
	// BlockSize is the maximum size of a single requested block.
	BlockSize int
}

// DefaultConfig returns reasonable defaults: a 2-second connect timeout, a
// 60-second I/O timeout, a pipeline depth of 5, and the standard 16KiB
// block size.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 2 * time.Second,
		IOTimeout:      60 * time.Second,
		PipelineDepth:  5,
		BlockSize:      BlockMax,
	}
}

// --------------------------------------------------------------------------------------------- //

// Session is the mutable per-connection state for one remote peer.
type Session struct {
	conn     net.Conn
	addr     string
	cfg      Config
	PeerID   [20]byte
	Bitfield Bitfield

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

// --------------------------------------------------------------------------------------------- //

/*
Connect dials addr with cfg.ConnectTimeout, performs the handshake, and
sends Interested.

Parameters:
  - addr: the peer's "ip:port" endpoint.
  - infoHash: the torrent's info hash.
  - peerID: our own 20-byte peer id.
  - cfg: scheduling configuration; zero value is replaced with DefaultConfig().

Returns:
  - *Session: a session ready to enter the message loop.
  - error: non-nil on connect, handshake, or initial-write failure. The
    caller (the coordinator's worker) should try the next peer.
*/
func Connect(addr string, infoHash, peerID [20]byte, cfg Config) (*Session, error) {
	if cfg.PipelineDepth == 0 {
		cfg = DefaultConfig()
	}

	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dialing %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(cfg.IOTimeout))
	hs, err := Do(conn, infoHash, peerID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	s := &Session{
		conn:        conn,
		addr:        addr,
		cfg:         cfg,
		PeerID:      hs.PeerID,
		amChoking:   true,
		peerChoking: true,
	}

	if err := s.send(Message{ID: Interested}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: sending interested to %s: %w", addr, err)
	}
	s.amInterested = true

	log.Printf("[INFO]\tpeer %s: handshake ok, peer_id=%x\n", addr, hs.PeerID)
	return s, nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) send(m Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	return Encode(s.conn, m)
}

func (s *Session) receive() (*Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	return Decode(s.conn)
}

// --------------------------------------------------------------------------------------------- //

// CanServe reports whether this peer is believed to hold piece index. A
// peer that has not yet sent a Bitfield or any Have is assumed able to serve,
// optimistically, until it proves otherwise. This lets a session start
// requesting before the first message arrives while still consulting real
// bitfield information once it is in hand.
func (s *Session) CanServe(index int) bool {
	if s.Bitfield == nil {
		return true
	}
	return s.Bitfield.Has(index)
}

// --------------------------------------------------------------------------------------------- //

type pendingBlock struct {
	begin  int
	length int
}

/*
DownloadPiece runs the per-piece download protocol: it partitions piece
`index` (length `pieceLen`) into blocks of at most cfg.BlockSize,
pipelines up to cfg.PipelineDepth simultaneous requests, and accumulates
blocks by their `begin` offset so out-of-order Piece arrivals are handled
correctly.

Parameters:
  - index: the piece index to request.
  - pieceLen: the piece's length in bytes.
  - expectedHash: the piece's expected SHA-1 digest, for finalization.

Returns:
  - []byte: the verified piece bytes, length == pieceLen.
  - error: non-nil if the connection fails, the peer misbehaves (protocol
    violation, truncated piece), or the hash does not match. The caller is
    responsible for returning `index` to the work queue on any error.
*/
func (s *Session) DownloadPiece(index int, pieceLen int64, expectedHash [20]byte) ([]byte, error) {
	blockSize := int64(s.cfg.BlockSize)
	numBlocks := int((pieceLen + blockSize - 1) / blockSize)

	pending := make([]pendingBlock, 0, numBlocks)
	for j := 0; j < numBlocks; j++ {
		begin := int64(j) * blockSize
		size := blockSize
		if remaining := pieceLen - begin; remaining < size {
			size = remaining
		}
		pending = append(pending, pendingBlock{begin: int(begin), length: int(size)})
	}

	received := make([]byte, pieceLen)
	haveBlock := make(map[int]bool, numBlocks)
	inFlight := make(map[int]int) // begin -> length
	var downloaded int64

	for downloaded < pieceLen {
		for !s.peerChoking && len(pending) > 0 && len(inFlight) < s.cfg.PipelineDepth {
			blk := pending[0]

			req := FormatRequest(index, blk.begin, blk.length)
			if err := s.send(req); err != nil {
				log.Printf("[FAIL]\tpeer %s: request piece %d @%d: %v\n", s.addr, index, blk.begin, err)
				break // leave blk at the head of pending, fall through to read
			}

			pending = pending[1:]
			inFlight[blk.begin] = blk.length
		}

		msg, err := s.receive()
		if err != nil {
			return nil, fmt.Errorf("peer: reading from %s mid-piece %d: %w", s.addr, index, err)
		}

		switch msg.ID {
		case Choke:
			s.peerChoking = true
		case Unchoke:
			s.peerChoking = false
		case Bitfield:
			s.Bitfield = append(Bitfield(nil), msg.Payload...)
		case Have:
			if len(msg.Payload) == 4 {
				s.Bitfield.Set(int(binary.BigEndian.Uint32(msg.Payload)))
			}
		case Piece:
			view, perr := ParsePiece(msg.Payload)
			if perr != nil {
				return nil, fmt.Errorf("peer: %s sent malformed piece message: %w", s.addr, perr)
			}
			if view.Index != index {
				return nil, fmt.Errorf("peer: %s sent piece %d while downloading %d", s.addr, view.Index, index)
			}
			length, ok := inFlight[view.Begin]
			if !ok || len(view.Block) != length {
				return nil, fmt.Errorf("peer: %s sent unexpected block at offset %d", s.addr, view.Begin)
			}
			copy(received[view.Begin:view.Begin+length], view.Block)
			delete(inFlight, view.Begin)
			if !haveBlock[view.Begin] {
				haveBlock[view.Begin] = true
				downloaded += int64(length)
			}
		case Interested:
			s.peerInterested = true
		case NotInterested:
			s.peerInterested = false
		case Request, Cancel:
			// recorded, but the core is leech-only and does not act on these.
		}

		if len(pending) == 0 && len(inFlight) == 0 && downloaded < pieceLen {
			return nil, fmt.Errorf("peer: %s exhausted requests for piece %d with only %d/%d bytes", s.addr, index, downloaded, pieceLen)
		}
	}

	sum := sha1.Sum(received)
	if !bytes.Equal(sum[:], expectedHash[:]) {
		return nil, fmt.Errorf("%w: piece %d (got %x, want %x)", ErrHashMismatch, index, sum, expectedHash)
	}

	return received, nil
}

// ErrHashMismatch distinguishes an integrity failure (safe to retry against
// the same peer) from a connection-level or protocol error (the session
// should be abandoned). A caller that sees this wrapped in DownloadPiece's
// error may keep using the same Session for the next piece; any other error
// means the session should be considered broken.
var ErrHashMismatch = fmt.Errorf("peer: piece hash mismatch")
