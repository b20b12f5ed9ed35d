package dispatch

import (
	"math/rand"
	"reflect"
	"testing"
)

// fixedHandler accepts a single magic byte and reports a fixed frame size.
type fixedHandler struct {
	magic byte
	size  int
	seen  [][]byte
}

func (h *fixedHandler) Accepts(m byte) bool    { return m == h.magic }
func (h *fixedHandler) NeedToSize(byte) int    { return h.size }
func (h *fixedHandler) LengthOf([]byte) int    { return h.size }
func (h *fixedHandler) Handle(f []byte) error {
	cp := append([]byte(nil), f...)
	h.seen = append(h.seen, cp)
	return nil
}

// variableHandler mimics the 0xAA LFSR framing: length = 2 + prefix[1].
type variableHandler struct {
	magic byte
	seen  [][]byte
}

func (h *variableHandler) Accepts(m byte) bool { return m == h.magic }
func (h *variableHandler) NeedToSize(byte) int { return 2 }
func (h *variableHandler) LengthOf(prefix []byte) int {
	return int(prefix[1]) + 2
}
func (h *variableHandler) Handle(f []byte) error {
	cp := append([]byte(nil), f...)
	h.seen = append(h.seen, cp)
	return nil
}

func TestDispatcherDeliversFixedFrames(t *testing.T) {
	h := &fixedHandler{magic: 0x55, size: 5}
	d := New()
	d.Register(h)

	stream := []byte{0x55, 1, 2, 3, 4, 0x55, 5, 6, 7, 8}
	if err := d.HandleBytes(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.seen) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(h.seen))
	}
}

func TestDispatcherVariableLength(t *testing.T) {
	h := &variableHandler{magic: 0xAA}
	d := New()
	d.Register(h)

	stream := []byte{0xAA, 0x00, 0xAA, 0x02, 0x11, 0x22}
	if err := d.HandleBytes(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.seen) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(h.seen))
	}
	if len(h.seen[0]) != 2 {
		t.Fatalf("zero-length LFSR frame should still total 2 bytes, got %d", len(h.seen[0]))
	}
	if !reflect.DeepEqual(h.seen[1], []byte{0xAA, 0x02, 0x11, 0x22}) {
		t.Fatalf("unexpected second frame: % 02x", h.seen[1])
	}
}

func TestDispatcherUnmatchedMagicIsFatalByDefault(t *testing.T) {
	d := New()
	d.Register(&fixedHandler{magic: 0x55, size: 5})

	err := d.HandleBytes([]byte{0xFF, 0x00})
	if err == nil {
		t.Fatal("expected an error for an unmatched magic byte")
	}
}

func TestDispatcherPermissiveModeSkipsOneByte(t *testing.T) {
	h := &fixedHandler{magic: 0x55, size: 2}
	d := New(Permissive())
	d.Register(h)

	if err := d.HandleBytes([]byte{0xFF, 0x55, 0x00}); err != nil {
		t.Fatalf("unexpected error in permissive mode: %v", err)
	}
	if len(h.seen) != 1 {
		t.Fatalf("expected the frame after the bad byte to still be delivered, got %d frames", len(h.seen))
	}
}

// TestDispatcherCompletenessUnderArbitrarySplits is the §8 "dispatcher
// completeness" property: delivering a stream in arbitrary chunks must
// yield the same sequence of frames as a single-shot delivery.
func TestDispatcherCompletenessUnderArbitrarySplits(t *testing.T) {
	var stream []byte
	for i := 0; i < 40; i++ {
		stream = append(stream, 0x55, byte(i), byte(i * 2), byte(i * 3), 0x00)
	}

	wholeHandler := &fixedHandler{magic: 0x55, size: 5}
	whole := New()
	whole.Register(wholeHandler)
	if err := whole.HandleBytes(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		chunked := &fixedHandler{magic: 0x55, size: 5}
		d := New()
		d.Register(chunked)

		remaining := stream
		for len(remaining) > 0 {
			n := 1 + rng.Intn(len(remaining))
			if err := d.HandleBytes(remaining[:n]); err != nil {
				t.Fatalf("unexpected error on trial %d: %v", trial, err)
			}
			remaining = remaining[n:]
		}

		if len(chunked.seen) != len(wholeHandler.seen) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(chunked.seen), len(wholeHandler.seen))
		}
		for i := range chunked.seen {
			if !reflect.DeepEqual(chunked.seen[i], wholeHandler.seen[i]) {
				t.Fatalf("trial %d: frame %d mismatch: % 02x vs % 02x", trial, i, chunked.seen[i], wholeHandler.seen[i])
			}
		}
	}
}
