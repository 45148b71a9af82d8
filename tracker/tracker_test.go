package tracker

import (
	"encoding/binary"
	"testing"
)

func TestParsePeers(t *testing.T) {
	raw := make([]byte, 12)
	copy(raw[0:4], []byte{192, 168, 1, 1})
	binary.BigEndian.PutUint16(raw[4:6], 6881)
	copy(raw[6:10], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(raw[10:12], 51413)

	peers, err := ParsePeers(string(raw))
	if err != nil {
		t.Fatalf("ParsePeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].String() != "192.168.1.1:6881" {
		t.Errorf("peers[0] = %s", peers[0])
	}
	if peers[1].String() != "10.0.0.2:51413" {
		t.Errorf("peers[1] = %s", peers[1])
	}
}

func TestParsePeersInvalidLength(t *testing.T) {
	if _, err := ParsePeers("12345"); err == nil {
		t.Fatal("expected error for non-multiple-of-6 length")
	}
}
