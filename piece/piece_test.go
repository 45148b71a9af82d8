package piece

import (
	"bytes"
	"crypto/sha1"
	"math/rand"
	"sync"
	"testing"
)

func TestVerify(t *testing.T) {
	data := []byte("the quick brown fox")
	good := sha1.Sum(data)

	if !Verify(data, good) {
		t.Error("Verify should accept matching digest")
	}

	var bad [20]byte
	copy(bad[:], good[:])
	bad[0] ^= 0xff
	if Verify(data, bad) {
		t.Error("Verify should reject mismatched digest")
	}
}

func TestAssemblerOrdering(t *testing.T) {
	pieceLen := int64(4)
	pieces := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CC")}
	total := int64(0)
	for _, p := range pieces {
		total += int64(len(p))
	}

	a := NewAssembler(total, len(pieces), pieceLen)

	// deliver out of order
	order := []int{2, 0, 1}
	for _, idx := range order {
		if err := a.Put(idx, pieces[idx]); err != nil {
			t.Fatalf("Put(%d): %v", idx, err)
		}
	}

	if !a.Complete() {
		t.Fatal("expected assembler to be complete")
	}

	want := bytes.Join(pieces, nil)
	if got := a.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

func TestAssemblerDuplicateDropped(t *testing.T) {
	a := NewAssembler(4, 1, 4)

	if err := a.Put(0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(0, []byte("ZZZZ")); err != nil {
		t.Fatal(err)
	}

	if got := a.Bytes(); !bytes.Equal(got, []byte("AAAA")) {
		t.Errorf("duplicate Put overwrote data: %q", got)
	}
	if a.Done() != 1 {
		t.Errorf("Done() = %d, want 1", a.Done())
	}
}

func TestAssemblerConcurrentPut(t *testing.T) {
	const n = 64
	pieceLen := int64(8)
	pieces := make([][]byte, n)
	for i := range pieces {
		p := make([]byte, 8)
		rand.Read(p)
		pieces[i] = p
	}

	a := NewAssembler(int64(n)*pieceLen, n, pieceLen)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a.Put(idx, pieces[idx])
		}(i)
	}
	wg.Wait()

	if !a.Complete() {
		t.Fatal("expected assembler to be complete")
	}
	want := bytes.Join(pieces, nil)
	if got := a.Bytes(); !bytes.Equal(got, want) {
		t.Error("concurrent Put produced a corrupted assembly")
	}
}
