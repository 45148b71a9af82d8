package peer

import (
	"bytes"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------------------------- //

const protocolString = "BitTorrent protocol"

// Handshake is the fixed 68-byte preamble exchanged immediately after TCP
// connect, before any length-prefixed frame flows.
//
// Layout: u8(19) || "BitTorrent protocol" || reserved[8] || info_hash[20] || peer_id[20]
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// --------------------------------------------------------------------------------------------- //

/*
serialize encodes a Handshake into its 68-byte wire form.
*/
func (h Handshake) serialize() []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// --------------------------------------------------------------------------------------------- //

/*
Do performs the handshake: send ours, then read exactly 68 bytes back and
validate the protocol literal. bitswarm treats an info-hash mismatch as
fatal for this peer rather than silently tolerating it.

Parameters:
  - rw: the freshly-dialed connection.
  - infoHash: our torrent's info hash.
  - peerID: our 20-byte peer id.

Returns:
  - Handshake: the peer's handshake, with PeerID captured (not verified).
  - error: non-nil on I/O failure, a malformed protocol literal, or an
    info-hash mismatch.
*/
func Do(rw io.ReadWriter, infoHash, peerID [20]byte) (Handshake, error) {
	ours := Handshake{InfoHash: infoHash, PeerID: peerID}
	if _, err := rw.Write(ours.serialize()); err != nil {
		return Handshake{}, fmt.Errorf("peer: sending handshake: %w", err)
	}

	buf := make([]byte, 68)
	if _, err := io.ReadFull(rw, buf); err != nil {
		return Handshake{}, fmt.Errorf("peer: reading handshake: %w", err)
	}

	if buf[0] != byte(len(protocolString)) || string(buf[1:20]) != protocolString {
		return Handshake{}, fmt.Errorf("peer: invalid protocol literal in handshake")
	}

	var theirs Handshake
	copy(theirs.InfoHash[:], buf[28:48])
	copy(theirs.PeerID[:], buf[48:68])

	if !bytes.Equal(theirs.InfoHash[:], infoHash[:]) {
		return theirs, fmt.Errorf("peer: info hash mismatch (got %x, want %x)", theirs.InfoHash, infoHash)
	}

	return theirs, nil
}
