package download

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"bitswarm/metainfo"
	"bitswarm/peer"
	"bitswarm/tracker"
)

// fakeSeeder runs a minimal BitTorrent peer server that serves `data`
// (sliced into pieceLen-sized pieces) on every connection it accepts,
// optionally corrupting one piece index to exercise the hash-mismatch path.
type fakeSeeder struct {
	ln          net.Listener
	infoHash    [20]byte
	data        []byte
	pieceLen    int64
	corruptOnce int // piece index to corrupt once per connection, or -1
}

func startFakeSeeder(t *testing.T, infoHash [20]byte, data []byte, pieceLen int64, corruptOnce int) *fakeSeeder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeSeeder{ln: ln, infoHash: infoHash, data: data, pieceLen: pieceLen, corruptOnce: corruptOnce}
	go s.acceptLoop(t)
	return s
}

func (s *fakeSeeder) addr() string { return s.ln.Addr().String() }

func (s *fakeSeeder) close() { s.ln.Close() }

func (s *fakeSeeder) acceptLoop(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(t, conn)
	}
}

func numPiecesOf(total int, pieceLen int64) int {
	return int((int64(total) + pieceLen - 1) / pieceLen)
}

func (s *fakeSeeder) serve(t *testing.T, conn net.Conn) {
	defer conn.Close()

	var peerID [20]byte
	copy(peerID[:], "-FAKESEED-00000001--")

	hs, err := peer.Do(conn, s.infoHash, peerID)
	if err != nil {
		t.Logf("fakeSeeder: handshake: %v", err)
		return
	}
	_ = hs

	numPieces := numPiecesOf(len(s.data), s.pieceLen)
	bf := make(peer.Bitfield, 0)
	for i := 0; i < numPieces; i++ {
		bf.Set(i)
	}
	if err := peer.Encode(conn, peer.Message{ID: peer.Bitfield, Payload: bf}); err != nil {
		return
	}
	if err := peer.Encode(conn, peer.Message{ID: peer.Unchoke}); err != nil {
		return
	}

	corrupted := false

	for {
		msg, err := peer.Decode(conn)
		if err != nil {
			return
		}

		switch msg.ID {
		case peer.Request:
			index := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
			begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
			length := int(binary.BigEndian.Uint32(msg.Payload[8:12]))

			pieceStart := int64(index) * s.pieceLen
			block := make([]byte, length)
			copy(block, s.data[pieceStart+int64(begin):pieceStart+int64(begin)+int64(length)])

			if index == s.corruptOnce && !corrupted {
				block[0] ^= 0xff
				corrupted = true
			}

			if err := peer.Encode(conn, peer.FormatPiece(index, begin, block)); err != nil {
				return
			}
		case peer.Interested, peer.NotInterested:
			// ignored
		default:
			// ignored
		}
	}
}

func testMetaInfo(name string, data []byte, pieceLen int64) *metainfo.MetaInfo {
	n := numPiecesOf(len(data), pieceLen)
	pieces := make([]byte, 0, n*20)
	for i := 0; i < n; i++ {
		start := int64(i) * pieceLen
		end := start + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[start:end])
		pieces = append(pieces, sum[:]...)
	}

	return &metainfo.MetaInfo{
		Announce: "http://example.invalid/announce",
		Info: metainfo.Info{
			PieceLength: pieceLen,
			Pieces:      string(pieces),
			Name:        name,
			Length:      int64(len(data)),
		},
	}
}

func TestRunSinglePieceDownload(t *testing.T) {
	data := make([]byte, 16384) // S1: a single piece of zero bytes
	mi := testMetaInfo("a.bin", data, 16384)

	seeder := startFakeSeeder(t, mi.Info.InfoHash, data, 16384, -1)
	defer seeder.close()

	peers := []tracker.Peer{parseAddr(t, seeder.addr())}

	var peerID [20]byte
	copy(peerID[:], "-BS0001-000000000001")

	cfg := DefaultConfig()
	cfg.ShowProgress = false
	cfg.WorkerCount = 1

	result, err := Run(mi, peers, peerID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(result.Data, data) {
		t.Error("assembled output does not match source data")
	}
}

func TestRunTwoPieceUnalignedTail(t *testing.T) {
	data := make([]byte, 20000) // S2: piece 0 = 16384B, piece 1 = 3616B
	for i := range data {
		data[i] = byte(i)
	}
	mi := testMetaInfo("b.bin", data, 16384)

	seeder := startFakeSeeder(t, mi.Info.InfoHash, data, 16384, -1)
	defer seeder.close()

	peers := []tracker.Peer{parseAddr(t, seeder.addr())}

	var peerID [20]byte
	copy(peerID[:], "-BS0001-000000000002")

	cfg := DefaultConfig()
	cfg.ShowProgress = false
	cfg.WorkerCount = 2

	result, err := Run(mi, peers, peerID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Data) != 20000 {
		t.Fatalf("len(result.Data) = %d, want 20000", len(result.Data))
	}
	if !bytes.Equal(result.Data, data) {
		t.Error("assembled output does not match source data")
	}
}

func TestRunHashMismatchRetry(t *testing.T) {
	// S3: the only peer corrupts piece 0 exactly once; the worker must
	// requeue it and the retry (second claim, same peer) must succeed.
	data := make([]byte, 2*16384)
	for i := range data {
		data[i] = byte(i * 7)
	}
	mi := testMetaInfo("c.bin", data, 16384)

	seeder := startFakeSeeder(t, mi.Info.InfoHash, data, 16384, 0)
	defer seeder.close()

	peers := []tracker.Peer{parseAddr(t, seeder.addr())}

	var peerID [20]byte
	copy(peerID[:], "-BS0001-000000000003")

	cfg := DefaultConfig()
	cfg.ShowProgress = false
	cfg.WorkerCount = 1

	result, err := Run(mi, peers, peerID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(result.Data, data) {
		t.Error("assembled output does not match source data after hash-mismatch retry")
	}
}

func parseAddr(t *testing.T, addr string) tracker.Peer {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return tracker.Peer{IP: net.ParseIP(host), Port: uint16(port)}
}
