// Package timeslice measures named phases of the allocator. Every record is
// added to in-process totals and, while a stream is open, written to it in
// a compact binary form that ReadAllRecords decodes.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint32

const InvalidKind = KindID(0)

var (
	kindsMu sync.Mutex
	kinds   = []string{""}
	totals  = []Stat{{}}
)

// RegisterKind names a phase. Call it from package initialisation.
func RegisterKind(name string) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	kinds = append(kinds, name)
	totals = append(totals, Stat{Name: name})
	return KindID(len(kinds) - 1)
}

// Stat is the aggregate of one kind.
type Stat struct {
	Name  string
	Count int
	Total time.Duration
}

func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Totals returns the aggregates of every kind with at least one record, in
// registration order.
func Totals() []Stat {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	var out []Stat
	for _, s := range totals[1:] {
		if s.Count > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Reset clears the aggregates.
func Reset() {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	for i := range totals {
		totals[i].Count, totals[i].Total = 0, 0
	}
}

type record struct {
	ID       uint32
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for r := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], r.ID)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], 0)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(r.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}
	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// only the goroutine that swaps the writer out closes the channel
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.writerChan)
	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Recorder measures consecutive phases. It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous call (or NewRecorder) to
// id.
func (r *Recorder) Record(id KindID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

func Record(id KindID, d time.Duration) {
	kindsMu.Lock()
	if int(id) < len(totals) && id != InvalidKind {
		totals[id].Count++
		totals[id].Total += d
	}
	kindsMu.Unlock()

	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{ID: uint32(id), Duration: d.Nanoseconds()}
	}
}

// Open starts streaming records to w until the returned closer is closed.
func Open(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	names, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	wr := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

// ReadAllRecords decodes a stream written through Open.
func ReadAllRecords(r io.Reader, fn func(kind string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: version %d, want %d", h.Version, Version)
	}

	var names []string
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength)))
	if err := dec.Decode(&names); err != nil {
		return err
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if rec.ID == 0 || int(rec.ID) >= len(names) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(names[rec.ID], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
