package transport_test

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/danderson/busloop/transport"
)

func mustPair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("creating socket pair: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestPairReadWrite(t *testing.T) {
	a, b := mustPair(t)

	var buf [16]byte
	if _, err := b.Read(buf[:]); !errors.Is(err, transport.ErrWouldBlock) {
		t.Fatalf("Read on idle socket got err %v, want ErrWouldBlock", err)
	}
	if ready, err := b.Wait(transport.Readable, 0); err != nil || ready {
		t.Fatalf("Wait on idle socket = %v, %v, want false, nil", ready, err)
	}

	if _, err := a.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ready, err := b.Wait(transport.Readable, time.Second); err != nil || !ready {
		t.Fatalf("Wait after write = %v, %v, want true, nil", ready, err)
	}
	n, err := b.Read(buf[:])
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := string(buf[:n]); got != "hello" {
		t.Fatalf("Read got %q, want %q", got, "hello")
	}

	a.Close()
	if a.Fd() != -1 {
		t.Errorf("Fd after Close = %d, want -1", a.Fd())
	}
	if _, err := b.Read(buf[:]); err != io.EOF {
		t.Fatalf("Read after peer close got err %v, want EOF", err)
	}
	if _, err := a.Write([]byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Write after Close got err %v, want ErrClosed", err)
	}
}

func TestPairFiles(t *testing.T) {
	a, b := mustPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := a.WriteWithFiles([]byte{1}, []*os.File{w}); err != nil {
		t.Fatalf("WriteWithFiles failed: %v", err)
	}
	if _, err := b.Wait(transport.Readable, time.Second); err != nil {
		t.Fatal(err)
	}
	var buf [1]byte
	if _, err := b.Read(buf[:]); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	fs, err := b.GetFiles(1)
	if err != nil {
		t.Fatalf("GetFiles failed: %v", err)
	}
	defer fs[0].Close()

	if _, err := fs[0].Write([]byte("fd")); err != nil {
		t.Fatalf("writing to received file: %v", err)
	}
	got := make([]byte, 2)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "fd" {
		t.Fatalf("pipe got %q, want %q", got, "fd")
	}

	if _, err := b.GetFiles(1); err == nil {
		t.Fatal("GetFiles returned a file that was never sent")
	}
}
