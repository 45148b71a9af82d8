package metainfo

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
)

func writeTorrentFile(t *testing.T, announce, name string, pieceLength int64, data []byte) string {
	t.Helper()

	var pieces []byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := "d" +
		"6:lengthi" + itoa(int64(len(data))) + "e" +
		"4:name" + str(name) +
		"12:piece lengthi" + itoa(pieceLength) + "e" +
		"6:pieces" + str(string(pieces)) +
		"e"

	doc := "d" +
		"8:announce" + str(announce) +
		"4:info" + info +
		"e"

	dir := t.TempDir()
	path := filepath.Join(dir, "test.torrent")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func str(s string) string {
	return itoa(int64(len(s))) + ":" + s
}

func TestParseSinglePiece(t *testing.T) {
	data := make([]byte, 16384)
	path := writeTorrentFile(t, "http://tracker.example/announce", "a.bin", 16384, data)

	mi, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if mi.Announce != "http://tracker.example/announce" {
		t.Errorf("Announce = %q", mi.Announce)
	}
	if mi.NumPieces() != 1 {
		t.Fatalf("NumPieces() = %d, want 1", mi.NumPieces())
	}
	if mi.TotalLength() != 16384 {
		t.Errorf("TotalLength() = %d, want 16384", mi.TotalLength())
	}
	if mi.PieceLen(0) != 16384 {
		t.Errorf("PieceLen(0) = %d, want 16384", mi.PieceLen(0))
	}

	want := sha1.Sum(data)
	if got := mi.PieceHash(0); got != want {
		t.Errorf("PieceHash(0) = %x, want %x", got, want)
	}
}

func TestParseUnalignedTail(t *testing.T) {
	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTorrentFile(t, "http://tracker.example/announce", "b.bin", 16384, data)

	mi, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if mi.NumPieces() != 2 {
		t.Fatalf("NumPieces() = %d, want 2", mi.NumPieces())
	}
	if got, want := mi.PieceLen(0), int64(16384); got != want {
		t.Errorf("PieceLen(0) = %d, want %d", got, want)
	}
	if got, want := mi.PieceLen(1), int64(3616); got != want {
		t.Errorf("PieceLen(1) = %d, want %d", got, want)
	}
}

func TestParseMissingInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.torrent")
	if err := os.WriteFile(path, []byte("d8:announce3:xxxe"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for missing info dictionary")
	}
}
