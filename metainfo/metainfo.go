// Package metainfo decodes bencoded .torrent files into an immutable
// descriptor of the swarm: tracker URL, piece layout, and the per-piece
// digests the core verifies downloads against.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

// Info is the bencoded "info" sub-dictionary of a .torrent file: the part
// whose SHA-1 digest identifies the torrent on the wire and at the tracker.
type Info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
	Private     int         `bencode:"private"`
	InfoHash    [20]byte    `bencode:"-"`
}

// FileEntry describes one file of a multi-file torrent, relative to Info.Name.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// MetaInfo is the root dictionary of a .torrent file.
type MetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Info         Info       `bencode:"info"`
}

// --------------------------------------------------------------------------------------------- //

/*
Parse loads and decodes a .torrent file from disk.

It decodes the bencoded dictionary with bencode-go and separately recomputes
the info hash by locating the raw "4:info" sub-dictionary bytes, since the
hash must cover the dictionary's original bencoded bytes rather than a
re-encoding of the decoded struct (key ordering and unknown fields would not
round-trip identically otherwise).

Parameters:
  - path: filesystem path to the .torrent file.

Returns:
  - *MetaInfo: the parsed descriptor, with Info.InfoHash populated.
  - error: non-nil if the file cannot be read, decoded, or hashed.
*/
func Parse(path string) (*MetaInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var mi MetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &mi); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	mi.Info.InfoHash = sha1.Sum(infoBytes)

	if len(mi.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(mi.Info.Pieces))
	}

	return &mi, nil
}

// --------------------------------------------------------------------------------------------- //

/*
extractInfoBytes locates the raw bencoded bytes of the "4:info" value inside
a .torrent file without re-encoding it, by walking the bencode grammar just
far enough to find the matching terminator for the dictionary or list that
follows the "4:info" key.

Parameters:
  - data: the full bencoded file contents.

Returns:
  - []byte: the slice of data spanning exactly the info value.
  - error: non-nil if the key is absent or the value is malformed/unterminated.
*/
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")
	if start >= len(data) || (data[start] != 'd' && data[start] != 'l') {
		return nil, fmt.Errorf("info value at %d is not a dictionary or list", start)
	}

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at %d-%d", i, j)
					}
					j++
					i = j + length - 1
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}

// --------------------------------------------------------------------------------------------- //

// NumPieces returns the number of pieces described by the info dictionary.
func (mi *MetaInfo) NumPieces() int {
	return len(mi.Info.Pieces) / 20
}

// PieceHash returns the expected 20-byte SHA-1 digest for piece i.
func (mi *MetaInfo) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], mi.Info.Pieces[i*20:(i+1)*20])
	return h
}

// TotalLength returns the total payload size L: the single-file length, or
// the sum of all file entries for a multi-file torrent.
func (mi *MetaInfo) TotalLength() int64 {
	if len(mi.Info.Files) == 0 {
		return mi.Info.Length
	}
	var total int64
	for _, f := range mi.Info.Files {
		total += f.Length
	}
	return total
}

// PieceLen returns the length of piece i: PieceLength for every piece but
// the last, and the remainder for the last piece.
func (mi *MetaInfo) PieceLen(i int) int64 {
	if i < mi.NumPieces()-1 {
		return mi.Info.PieceLength
	}
	last := mi.TotalLength() - int64(mi.NumPieces()-1)*mi.Info.PieceLength
	return last
}
