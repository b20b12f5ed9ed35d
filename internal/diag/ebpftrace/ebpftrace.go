//go:build linux && ebpftrace

// Package ebpftrace is an optional, Linux-only diagnostics aid
// (built only with -tags ebpftrace): it attaches a best-effort kretprobe
// on the read(2) syscall (sys_read; readv(2) is not traced), scoped to
// the transport's file
// descriptor, and counts raw bytes the kernel observed independently
// of the dispatcher's own byte accounting. It is a cross-check used
// only in diagnostics builds -- it never gates or blocks the capture
// path, and a failure to attach (missing BTF, no CAP_BPF) degrades to
// a disabled tracer rather than failing the caller.
package ebpftrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Event is one raw-byte-count observation reported by the kretprobe for
// a single read(2) return scoped to the traced fd.
type Event struct {
	Bytes uint32
}

// bpfObjects mirrors the (stub) compiled eBPF program's maps and
// programs: a byte counter keyed by the traced file descriptor.
type bpfObjects struct {
	TraceReadReturn *ebpf.Program `ebpf:"trace_read_return"`
	ReadEvents      *ebpf.Map     `ebpf:"read_events"`
	TracedFD        *ebpf.Map     `ebpf:"traced_fd"`
}

func (o *bpfObjects) Close() error {
	if o.TraceReadReturn != nil {
		o.TraceReadReturn.Close()
	}
	if o.ReadEvents != nil {
		o.ReadEvents.Close()
	}
	if o.TracedFD != nil {
		o.TracedFD.Close()
	}
	return nil
}

// loadBpfObjects is a stub in this tree: the compiled .o artifact this
// package would normally embed isn't part of the module. A real
// deployment replaces this with bpf2go-generated loading code.
func loadBpfObjects(*bpfObjects) error {
	return errors.New("ebpftrace: no compiled eBPF object embedded in this build")
}

// Tracer holds an attached read-syscall kretprobe and its ring buffer
// reader.
type Tracer struct {
	objs   bpfObjects
	kretFn link.Link
	reader *ringbuf.Reader
	fd     int
}

// Attach attempts to attach the diagnostics kprobe, scoped to fd (the
// transport's underlying file descriptor). A non-nil error here is
// expected and routine on most hosts -- callers should log it and
// continue without tracing rather than treating it as fatal.
func Attach(fd int) (*Tracer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("ebpftrace: remove memlock rlimit: %w", err)
	}

	var objs bpfObjects
	if err := loadBpfObjects(&objs); err != nil {
		return nil, fmt.Errorf("ebpftrace: load objects: %w", err)
	}

	if err := objs.TracedFD.Update(uint32(0), uint64(fd), ebpf.UpdateAny); err != nil {
		objs.Close()
		return nil, fmt.Errorf("ebpftrace: set traced fd: %w", err)
	}

	kret, err := link.Kretprobe("sys_read", objs.TraceReadReturn, nil)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("ebpftrace: attach kretprobe on sys_read: %w", err)
	}

	reader, err := ringbuf.NewReader(objs.ReadEvents)
	if err != nil {
		kret.Close()
		objs.Close()
		return nil, fmt.Errorf("ebpftrace: ring buffer reader: %w", err)
	}

	log.Printf("ebpftrace: attached read-syscall tracer for fd %d", fd)
	return &Tracer{objs: objs, kretFn: kret, reader: reader, fd: fd}, nil
}

// Close releases the tracer's kernel-side resources.
func (t *Tracer) Close() {
	if t.kretFn != nil {
		if err := t.kretFn.Close(); err != nil {
			log.Printf("ebpftrace: closing kretprobe: %v", err)
		}
	}
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			log.Printf("ebpftrace: closing ring buffer reader: %v", err)
		}
	}
	t.objs.Close()
	log.Printf("ebpftrace: detached from fd %d", t.fd)
}

// Next blocks for the next byte-count observation from the kernel.
func (t *Tracer) Next() (Event, error) {
	record, err := t.reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return Event{}, fmt.Errorf("ebpftrace: ring buffer closed: %w", err)
		}
		return Event{}, fmt.Errorf("ebpftrace: read ring buffer: %w", err)
	}

	var ev Event
	if len(record.RawSample) >= 4 {
		ev.Bytes = binary.LittleEndian.Uint32(record.RawSample[:4])
	}
	return ev, nil
}
