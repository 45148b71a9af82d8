// Package download orchestrates a full torrent fetch: it seeds the work
// queue, spawns workers bound to peers, and finalizes the assembled payload
// to disk.
package download

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"bitswarm/metainfo"
	"bitswarm/peer"
	"bitswarm/piece"
	"bitswarm/queue"
	"bitswarm/tracker"
)

// --------------------------------------------------------------------------------------------- //

// Config collects the coordinator's tunables. WorkerCount and the embedded
// peer.Config default to sensible values when left zero.
type Config struct {
	// WorkerCount is the number of concurrent download workers. Zero
	// selects min(8, max(1, len(peers))) once the peer list is known.
	WorkerCount int
	Session     peer.Config
	// ShowProgress enables the progressbar/v3 meter on stdout.
	ShowProgress bool
}

// DefaultConfig returns a Config with the peer session defaults and
// automatic worker-count selection.
func DefaultConfig() Config {
	return Config{Session: peer.DefaultConfig(), ShowProgress: true}
}

// --------------------------------------------------------------------------------------------- //

func workerCount(cfg Config, numPeers int) int {
	if cfg.WorkerCount > 0 {
		return cfg.WorkerCount
	}
	n := numPeers
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// --------------------------------------------------------------------------------------------- //

// Result is the outcome of a completed run.
type Result struct {
	// Data is the full assembled payload, length == mi.TotalLength().
	Data []byte
}

// --------------------------------------------------------------------------------------------- //

/*
Run executes the full pipeline:
 1. seeds the work queue with [0, n);
 2. spawns Config.WorkerCount workers, each of which walks the peer list,
    dials with a 2-second timeout, and on the first successful connection
    binds a peer session and downloads pieces until the queue drains or the
    session fails;
 3. waits for every worker to finish;
 4. fails if pieces remain unclaimed, otherwise returns the assembled
    payload.

Parameters:
  - mi: the parsed metainfo descriptor.
  - peers: the swarm's peer list (from the tracker).
  - peerID: our own 20-byte peer id.
  - cfg: run configuration; DefaultConfig() is a reasonable zero value.

Returns:
  - *Result: the assembled payload on success.
  - error: non-nil if the queue still holds indices once every worker has
    exited (completion failure).
*/
func Run(mi *metainfo.MetaInfo, peers []tracker.Peer, peerID [20]byte, cfg Config) (*Result, error) {
	n := mi.NumPieces()
	if n == 0 {
		return nil, fmt.Errorf("download: torrent has no pieces")
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	q := queue.New(indices)

	asm := piece.NewAssembler(mi.TotalLength(), n, mi.Info.PieceLength)

	var bar *progressbar.ProgressBar
	if cfg.ShowProgress {
		bar = progressbar.NewOptions(n,
			progressbar.OptionSetDescription(mi.Info.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
	}

	workers := workerCount(cfg, len(peers))
	log.Printf("[INFO]\tstarting %d workers against %d peers\n", workers, len(peers))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(id, mi, peers, peerID, cfg, q, asm, bar)
		}(w)
	}
	wg.Wait()

	if remaining := q.Remaining(); remaining > 0 {
		return nil, fmt.Errorf("download: incomplete, %d/%d pieces missing after all workers exited", remaining, n)
	}

	log.Printf("[INFO]\tdownload complete: %d/%d pieces\n", asm.Done(), n)
	return &Result{Data: asm.Bytes()}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
runWorker tries each peer in turn until one connects, then downloads pieces
from it until the queue drains or the session breaks, at which point it
tries the next peer.
*/
func runWorker(id int, mi *metainfo.MetaInfo, peers []tracker.Peer, peerID [20]byte, cfg Config, q *queue.Queue, asm *piece.Assembler, bar *progressbar.ProgressBar) {
	for _, p := range peers {
		if q.Remaining() == 0 {
			return
		}

		sess, err := peer.Connect(p.String(), mi.Info.InfoHash, peerID, cfg.Session)
		if err != nil {
			log.Printf("[FAIL]\tworker %d: %v\n", id, err)
			continue
		}

		log.Printf("[INFO]\tworker %d: bound to peer %s\n", id, p)
		drainQueueWith(id, sess, mi, q, asm, bar)
		sess.Close()

		if q.Remaining() == 0 {
			return
		}
	}

	log.Printf("[INFO]\tworker %d: exhausted peer list\n", id)
}

// --------------------------------------------------------------------------------------------- //

// maxConsecutiveMisses bounds how many times in a row a bound session may be
// handed a piece its bitfield says it doesn't hold before the worker gives
// up on it and moves to the next peer, rather than spinning a tight
// claim/return cycle against a session that can no longer make progress.
const maxConsecutiveMisses = 32

/*
drainQueueWith runs the per-piece download loop against a single bound
session until the queue yields nothing, the peer can't serve anything it's
handed, or the session errors out.
*/
func drainQueueWith(workerID int, sess *peer.Session, mi *metainfo.MetaInfo, q *queue.Queue, asm *piece.Assembler, bar *progressbar.ProgressBar) {
	misses := 0
	for {
		index, ok := q.Get()
		if !ok {
			return
		}

		if !sess.CanServe(index) {
			q.Return(index)
			misses++
			if misses >= maxConsecutiveMisses {
				log.Printf("[INFO]\tworker %d: peer %x can't serve any remaining piece, moving on\n", workerID, sess.PeerID)
				return
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		misses = 0

		pieceLen := mi.PieceLen(index)
		data, err := sess.DownloadPiece(index, pieceLen, mi.PieceHash(index))
		if err != nil {
			q.Return(index)
			if errors.Is(err, peer.ErrHashMismatch) {
				// integrity failure only: the connection itself is fine,
				// so keep pulling more work from this same session.
				log.Printf("[FAIL]\tworker %d: %v\n", workerID, err)
				continue
			}
			log.Printf("[FAIL]\tworker %d: piece %d: %v\n", workerID, index, err)
			return // connection/protocol error; let the worker try the next peer
		}

		if err := asm.Put(index, data); err != nil {
			log.Printf("[ERROR]\tworker %d: assembling piece %d: %v\n", workerID, index, err)
			q.Return(index)
			return
		}

		q.Done()
		if bar != nil {
			bar.Add(1)
		}
		log.Printf("[INFO]\tdownloaded and verified piece %d of %d\n", index+1, mi.NumPieces())
	}
}

// --------------------------------------------------------------------------------------------- //

/*
WriteOutput writes the assembled payload to name inside dir, creating dir if
necessary.
*/
func WriteOutput(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("download: creating output dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("download: writing %s: %w", path, err)
	}

	return nil
}
