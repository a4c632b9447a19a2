package pdo

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func twoDevices() []Entry {
	// Registered out of order to check the table is sorted by position.
	return []Entry{
		{Position: 1, Name: "io-b", Output: Segment{Offset: 8, Length: 4}, Input: Segment{Offset: 12, Length: 4}},
		{Position: 0, Name: "io-a", Output: Segment{Offset: 0, Length: 4}, Input: Segment{Offset: 4, Length: 4}},
	}
}

func mustBuffer(t *testing.T, entries []Entry) *Buffer {
	t.Helper()
	b, err := NewBuffer(entries)
	if err != nil {
		t.Fatalf("NewBuffer returned error: %v", err)
	}
	return b
}

func TestBufferLayoutFollowsPosition(t *testing.T) {
	t.Parallel()

	b := mustBuffer(t, twoDevices())

	if b.Len() != 16 || b.Devices() != 2 {
		t.Fatalf("unexpected size %d / devices %d", b.Len(), b.Devices())
	}
	if got := b.DomainSize(); got != 16 {
		t.Fatalf("DomainSize = %d, want 16", got)
	}
	first, err := b.Entry(0)
	if err != nil || first.Name != "io-a" {
		t.Fatalf("Entry(0) = %+v, %v", first, err)
	}
	if idx, err := b.IndexOf(1); err != nil || idx != 1 {
		t.Fatalf("IndexOf(1) = %d, %v", idx, err)
	}
	if _, err := b.IndexOf(7); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestBufferCopyFromDomain(t *testing.T) {
	t.Parallel()

	b := mustBuffer(t, twoDevices())
	domain := []byte{
		0x01, 0x02, 0x03, 0x04, // io-a outputs
		0xAA, 0xBB, 0xCC, 0xDD, // io-a inputs
		0x05, 0x06, 0x07, 0x08, // io-b outputs
		0x11, 0x22, 0x33, 0x44, // io-b inputs
	}

	if err := b.CopyFromDomain(domain); err != nil {
		t.Fatalf("CopyFromDomain returned error: %v", err)
	}

	if want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44}; !bytes.Equal(b.Inputs(), want) {
		t.Fatalf("inputs = % X, want % X", b.Inputs(), want)
	}
	if want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}; !bytes.Equal(b.Outputs(), want) {
		t.Fatalf("outputs = % X, want % X", b.Outputs(), want)
	}

	in, err := b.Input(1)
	if err != nil || !bytes.Equal(in, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("Input(1) = % X, %v", in, err)
	}
	// Appending to a device view must not spill into the neighbour.
	_ = append(in, 0xFF)
	if out, _ := b.Output(0); out[0] != 0x01 {
		t.Fatalf("device view aliased the outputs region: % X", out)
	}
}

func TestBufferRejectsShortDomain(t *testing.T) {
	t.Parallel()

	b := mustBuffer(t, twoDevices())
	if err := b.CopyFromDomain(make([]byte, 12)); !errors.Is(err, ErrSegmentBounds) {
		t.Fatalf("expected ErrSegmentBounds, got %v", err)
	}
	if err := b.CheckDomain(12); !errors.Is(err, ErrSegmentBounds) {
		t.Fatalf("expected ErrSegmentBounds from CheckDomain, got %v", err)
	}
	if err := b.CheckDomain(16); err != nil {
		t.Fatalf("CheckDomain(16) returned error: %v", err)
	}
}

func TestBufferWriteDomainOutput(t *testing.T) {
	t.Parallel()

	b := mustBuffer(t, twoDevices())
	domain := make([]byte, 16)

	if err := b.WriteDomainOutput(domain, 1, []byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("WriteDomainOutput returned error: %v", err)
	}
	if !bytes.Equal(domain[8:12], []byte{9, 8, 7, 6}) {
		t.Fatalf("domain = % X", domain)
	}
	if err := b.WriteDomainOutput(domain, 1, []byte{1, 2}); !errors.Is(err, ErrSegmentBounds) {
		t.Fatalf("expected ErrSegmentBounds for short write, got %v", err)
	}
	if err := b.WriteDomainOutput(domain, 5, []byte{1, 2, 3, 4}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestBufferZero(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	b := mustBuffer(t, twoDevices())
	for i := 0; i < 20; i++ {
		domain := make([]byte, 16)
		rng.Read(domain)
		if err := b.CopyFromDomain(domain); err != nil {
			t.Fatalf("CopyFromDomain returned error: %v", err)
		}
		b.Zero()
		if !b.IsZero() {
			t.Fatalf("buffer not zero after Zero: % X", b.Inputs())
		}
	}
}

func TestNewBufferValidation(t *testing.T) {
	t.Parallel()

	dup := []Entry{{Position: 2}, {Position: 2}}
	if _, err := NewBuffer(dup); err == nil {
		t.Fatal("expected error for duplicate position")
	}
	neg := []Entry{{Position: 0, Input: Segment{Offset: -1, Length: 2}}}
	if _, err := NewBuffer(neg); !errors.Is(err, ErrSegmentBounds) {
		t.Fatalf("expected ErrSegmentBounds, got %v", err)
	}
	empty, err := NewBuffer(nil)
	if err != nil || empty.Len() != 0 || !empty.IsZero() {
		t.Fatalf("empty buffer: %v len=%d", err, empty.Len())
	}
}
