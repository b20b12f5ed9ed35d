//go:build !(linux && ebpftrace)

package ebpftrace

import "errors"

// Event mirrors the build-tagged Tracer's observation type so callers
// compile identically regardless of platform or build tags.
type Event struct {
	Bytes uint32
}

// Tracer is the disabled stand-in used on non-Linux platforms or
// ordinary (non -tags ebpftrace) builds.
type Tracer struct{}

// Attach always fails on this build: the diagnostics tracer requires
// Linux and the "ebpftrace" build tag.
func Attach(fd int) (*Tracer, error) {
	return nil, errors.New("ebpftrace: not available on this platform/build (requires linux and -tags ebpftrace)")
}

// Close is a no-op.
func (t *Tracer) Close() {}

// Next never returns data; this stand-in is never reachable since
// Attach always errors.
func (t *Tracer) Next() (Event, error) {
	return Event{}, errors.New("ebpftrace: tracer not attached")
}
