// Package tracker contacts the swarm's tracker(s) over HTTP and UDP and
// turns the compact peer list in the response into a flat slice of
// connectable endpoints. It is an external collaborator to the download
// core: the core only ever consumes the []Peer this package produces.
package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

// Peer is a swarm endpoint decoded from a tracker's compact peer list: 4
// bytes of IPv4 address followed by a 2-byte big-endian TCP port. It is
// never mutated after ingestion.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

// --------------------------------------------------------------------------------------------- //

// response mirrors the bencoded dictionary an HTTP tracker or a UDP
// announce reply is normalized into.
type response struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Request carries the parameters every announce, HTTP or UDP, needs.
type Request struct {
	Announce string
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	Left     int64
}

// --------------------------------------------------------------------------------------------- //

/*
ParsePeers decodes a tracker's compact peer list into a slice of Peer.

Parameters:
  - peers: the raw "peers" string from a tracker response, a concatenation
    of 6-byte entries (4-byte IPv4 + 2-byte big-endian port).

Returns:
  - []Peer: the decoded endpoints, in wire order.
  - error: non-nil if the byte length is not a multiple of 6.
*/
func ParsePeers(peers string) ([]Peer, error) {
	raw := []byte(peers)
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: invalid compact peer list length %d", len(raw))
	}

	result := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		result = append(result, Peer{IP: ip, Port: port})
	}

	return result, nil
}

// --------------------------------------------------------------------------------------------- //

/*
announceHTTP sends a GET request to an HTTP tracker and decodes its
bencoded response.

Parameters:
  - announce: the tracker URL.
  - req: the announce parameters.

Returns:
  - *response: the decoded tracker response.
  - error: non-nil on URL, network, or decode failure, or a tracker-reported
    failure reason.
*/
func announceHTTP(announce string, req Request) (*response, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", fmt.Sprintf("%d", req.Port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprintf("%d", req.Left))
	q.Set("compact", "1")
	q.Set("no_peer_id", "0")
	u.RawQuery = q.Encode()

	client := http.Client{Timeout: 15 * time.Second}
	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "bitswarm/1.0")

	log.Printf("[INFO]\tannouncing to %s\n", announce)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %d from %s", resp.StatusCode, announce)
	}

	var tr response
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker: %s", tr.Failure)
	}

	return &tr, nil
}

// --------------------------------------------------------------------------------------------- //

const (
	udpProtocolID = 0x41727101980
	udpConnect    = uint32(0)
	udpAnnounce   = uint32(1)
)

/*
announceUDP performs the UDP tracker protocol's connect+announce exchange.

Parameters:
  - announce: the udp:// tracker URL.
  - req: the announce parameters.

Returns:
  - *response: the decoded tracker response.
  - error: non-nil if the connect round trip fails on all three attempts, or
    if the single announce round trip fails or does not validate.
*/
func announceUDP(announce string, req Request) (*response, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing udp url: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	var transactionID uint32
	if err := binary.Read(cryptoRandReader{}, binary.BigEndian, &transactionID); err != nil {
		return nil, fmt.Errorf("tracker: generating transaction id: %w", err)
	}

	var connID uint64
	for attempt := 0; attempt < 3; attempt++ {
		connID, err = udpConnectOnce(conn, transactionID, attempt)
		if err == nil {
			break
		}
		log.Printf("[FAIL]\tudp connect to %s attempt %d: %v\n", announce, attempt+1, err)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: udp connect to %s: %w", announce, err)
	}

	announceReq := buildAnnounceRequest(connID, transactionID, req)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, fmt.Errorf("tracker: sending announce: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: announce response too short (%d bytes)", n)
	}
	if action := binary.BigEndian.Uint32(buf[0:4]); action != udpAnnounce {
		return nil, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != transactionID {
		return nil, fmt.Errorf("tracker: transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(buf[8:12]))
	peers := buf[20:n]
	if len(peers)%6 != 0 {
		return nil, fmt.Errorf("tracker: invalid compact peer list length %d", len(peers))
	}

	return &response{Interval: interval, Peers: string(peers)}, nil
}

func udpConnectOnce(conn *net.UDPConn, transactionID uint32, attempt int) (uint64, error) {
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpConnect)
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response (%d bytes)", n)
	}
	if binary.BigEndian.Uint32(resp[0:4]) != udpConnect {
		return 0, fmt.Errorf("unexpected connect action")
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, fmt.Errorf("transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func buildAnnounceRequest(connID uint64, transactionID uint32, req Request) []byte {
	buf := make([]byte, 98)

	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], 0)                // downloaded
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))  // left
	binary.BigEndian.PutUint64(buf[72:80], 0)                 // uploaded
	binary.BigEndian.PutUint32(buf[80:84], 2)                 // event: started
	binary.BigEndian.PutUint32(buf[84:88], 0)                 // ip
	binary.BigEndian.PutUint32(buf[88:92], mrand.Uint32())    // key
	binary.BigEndian.PutUint32(buf[92:96], ^uint32(0))        // num_want: -1
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	return buf
}

type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) { return rand.Read(p) }

// --------------------------------------------------------------------------------------------- //

// defaultTrackers is a small set of well-known public UDP trackers unioned
// in alongside the torrent's own announce list, so a tracker-less or
// single-tracker torrent still gets a usable peer set.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

/*
Announce contacts every known tracker, the torrent's own announce and
announce-list plus defaultTrackers, over whichever of HTTP or UDP each URL
calls for, and merges their peer lists.

Parameters:
  - announce: the torrent's primary announce URL (may be empty).
  - announceList: the torrent's announce-list tiers, flattened and unioned.
  - req: the announce parameters common to every tracker.

Returns:
  - []Peer: the deduplicated union of peers from every tracker that answered.
  - int: the minimum interval (seconds) reported by any tracker, or 1800 if
    none reported one.
  - error: non-nil if no tracker returned any peer (every tracker failed,
    or those that answered sent empty peer lists).
*/
func Announce(announce string, announceList [][]string, req Request) ([]Peer, int, error) {
	urls := make(map[string]struct{})
	if announce != "" {
		urls[announce] = struct{}{}
	}
	for _, tier := range announceList {
		for _, a := range tier {
			if a != "" {
				urls[a] = struct{}{}
			}
		}
	}
	for _, t := range defaultTrackers {
		urls[t] = struct{}{}
	}

	peerSet := make(map[string]Peer)
	interval := 0
	var lastErr error
	tried := 0

	for u := range urls {
		var resp *response
		var err error

		switch {
		case strings.HasPrefix(u, "udp://"):
			resp, err = announceUDP(u, req)
		case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
			resp, err = announceHTTP(u, req)
		default:
			continue
		}

		tried++
		if err != nil {
			log.Printf("[FAIL]\ttracker %s: %v\n", u, err)
			lastErr = err
			continue
		}

		peers, err := ParsePeers(resp.Peers)
		if err != nil {
			log.Printf("[FAIL]\ttracker %s: %v\n", u, err)
			lastErr = err
			continue
		}

		log.Printf("[INFO]\ttracker %s: %d peers, interval %ds\n", u, len(peers), resp.Interval)
		for _, p := range peers {
			peerSet[p.String()] = p
		}
		if interval == 0 || (resp.Interval > 0 && resp.Interval < interval) {
			interval = resp.Interval
		}
	}

	if len(peerSet) == 0 {
		if lastErr != nil {
			return nil, 0, fmt.Errorf("tracker: all %d trackers failed, last error: %w", tried, lastErr)
		}
		return nil, 0, fmt.Errorf("tracker: %d trackers returned no peers", tried)
	}

	if interval == 0 {
		interval = 1800
	}

	result := make([]Peer, 0, len(peerSet))
	for _, p := range peerSet {
		result = append(result, p)
	}

	return result, interval, nil
}
