// Package pdo holds the process data arena shared by the cyclic loop and the
// publisher. The arena is a single byte slice split into an inputs region
// followed by an outputs region; each region is the concatenation of the
// device segments in ascending bus position.
package pdo

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownDevice is returned for a device index or position that is not in the table.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrSegmentBounds is returned when a segment does not fit the buffer it addresses.
	ErrSegmentBounds = errors.New("segment out of bounds")
)

// Segment addresses a byte range inside the transport domain.
type Segment struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

func (s Segment) end() int { return s.Offset + s.Length }

// Entry describes one device's registered process data.
type Entry struct {
	Position uint16  `json:"position"`
	Name     string  `json:"name"`
	Input    Segment `json:"input"`
	Output   Segment `json:"output"`
}

type span struct {
	start int
	end   int
}

// Buffer is the arena. It is not safe for concurrent use; the cyclic loop
// is its only writer and every reader outside the loop receives a copy.
type Buffer struct {
	entries  []Entry
	inputs   []span
	outputs  []span
	data     []byte
	inputLen int
}

// NewBuffer sizes an arena for the given devices.
func NewBuffer(entries []Entry) (*Buffer, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	b := &Buffer{
		entries: sorted,
		inputs:  make([]span, len(sorted)),
		outputs: make([]span, len(sorted)),
	}

	for i, e := range sorted {
		if i > 0 && sorted[i-1].Position == e.Position {
			return nil, fmt.Errorf("duplicate device position %d", e.Position)
		}
		if e.Input.Offset < 0 || e.Input.Length < 0 || e.Output.Offset < 0 || e.Output.Length < 0 {
			return nil, fmt.Errorf("device %d: %w: negative offset or length", e.Position, ErrSegmentBounds)
		}
		b.inputLen += e.Input.Length
	}

	pos := 0
	for i, e := range sorted {
		b.inputs[i] = span{start: pos, end: pos + e.Input.Length}
		pos += e.Input.Length
	}
	for i, e := range sorted {
		b.outputs[i] = span{start: pos, end: pos + e.Output.Length}
		pos += e.Output.Length
	}
	b.data = make([]byte, pos)

	return b, nil
}

// Len returns the arena size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Devices returns the number of devices in the index table.
func (b *Buffer) Devices() int {
	return len(b.entries)
}

// Entries returns a copy of the index table in position order.
func (b *Buffer) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Entry returns the table entry for device index i.
func (b *Buffer) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(b.entries) {
		return Entry{}, fmt.Errorf("device index %d: %w", i, ErrUnknownDevice)
	}
	return b.entries[i], nil
}

// IndexOf resolves a bus position to a device index.
func (b *Buffer) IndexOf(position uint16) (int, error) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].Position >= position })
	if i < len(b.entries) && b.entries[i].Position == position {
		return i, nil
	}
	return -1, fmt.Errorf("position %d: %w", position, ErrUnknownDevice)
}

// Input returns the arena slice holding device i's inputs.
func (b *Buffer) Input(i int) ([]byte, error) {
	if i < 0 || i >= len(b.inputs) {
		return nil, fmt.Errorf("device index %d: %w", i, ErrUnknownDevice)
	}
	s := b.inputs[i]
	return b.data[s.start:s.end:s.end], nil
}

// Output returns the arena slice holding device i's outputs.
func (b *Buffer) Output(i int) ([]byte, error) {
	if i < 0 || i >= len(b.outputs) {
		return nil, fmt.Errorf("device index %d: %w", i, ErrUnknownDevice)
	}
	s := b.outputs[i]
	return b.data[s.start:s.end:s.end], nil
}

// Inputs returns the concatenated inputs region.
func (b *Buffer) Inputs() []byte {
	return b.data[:b.inputLen:b.inputLen]
}

// Outputs returns the concatenated outputs region.
func (b *Buffer) Outputs() []byte {
	return b.data[b.inputLen:]
}

// DomainSize is the smallest domain that holds every registered segment.
func (b *Buffer) DomainSize() int {
	size := 0
	for _, e := range b.entries {
		if end := e.Input.end(); end > size {
			size = end
		}
		if end := e.Output.end(); end > size {
			size = end
		}
	}
	return size
}

// CheckDomain verifies that a bound domain of the given size covers the table.
func (b *Buffer) CheckDomain(size int) error {
	if need := b.DomainSize(); size < need {
		return fmt.Errorf("domain is %d bytes, table needs %d: %w", size, need, ErrSegmentBounds)
	}
	return nil
}

// CopyFromDomain copies every device's input and output segment from the
// domain into the arena.
func (b *Buffer) CopyFromDomain(domain []byte) error {
	for i, e := range b.entries {
		if e.Input.end() > len(domain) || e.Output.end() > len(domain) {
			return fmt.Errorf("device %d: %w", e.Position, ErrSegmentBounds)
		}
		in, out := b.inputs[i], b.outputs[i]
		copy(b.data[in.start:in.end], domain[e.Input.Offset:e.Input.end()])
		copy(b.data[out.start:out.end], domain[e.Output.Offset:e.Output.end()])
	}
	return nil
}

// WriteDomainOutput writes data into device i's output segment of the domain.
// data must match the segment length exactly.
func (b *Buffer) WriteDomainOutput(domain []byte, i int, data []byte) error {
	e, err := b.Entry(i)
	if err != nil {
		return err
	}
	if len(data) != e.Output.Length || e.Output.end() > len(domain) {
		return fmt.Errorf("device %d output: %d bytes for %d byte segment: %w", e.Position, len(data), e.Output.Length, ErrSegmentBounds)
	}
	copy(domain[e.Output.Offset:e.Output.end()], data)
	return nil
}

// Zero clears the arena.
func (b *Buffer) Zero() {
	clear(b.data)
}

// IsZero reports whether every arena byte is zero.
func (b *Buffer) IsZero() bool {
	for _, v := range b.data {
		if v != 0 {
			return false
		}
	}
	return true
}
