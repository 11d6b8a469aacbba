package queue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// diskSegment is the append-only cold-overflow tier. Records are
// little-endian: {priority:i32, sequence_id:u64, cmd_len:u64,
// cmd_bytes, job_len:u64, job_bytes}. It carries its own mutex so
// producers flushing the spill heap don't contend with the queue's
// main mutex for the duration of disk I/O; in this implementation both
// happen to be called with the queue mutex already held, but the nested
// lock keeps the invariant explicit and correct if that ever changes.
type diskSegment struct {
	mu   sync.Mutex
	path string
	f    *os.File

	writeCount uint64
	readCount  uint64
	readOffset int64
}

func openDiskSegment(path string) (*diskSegment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating queue overflow directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening queue overflow segment: %w", err)
	}
	return &diskSegment{path: path, f: f}, nil
}

// Append writes items to the end of the segment in order.
func (d *diskSegment) Append(items []*Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w := bufio.NewWriter(d.f)
	for _, it := range items {
		if err := writeRecord(w, it); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	d.writeCount += uint64(len(items))
	return nil
}

// Len reports the number of records appended but not yet read back.
func (d *diskSegment) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.writeCount - d.readCount)
}

// ReadBack reads up to n records, oldest first (flush order), advancing
// the read cursor. When the segment is fully drained it is truncated and
// the cursors reset, bounding the file's disk footprint.
func (d *diskSegment) ReadBack(n int) ([]*Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(d.readOffset, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(d.f)
	var items []*Item
	for i := 0; i < n && d.readCount < d.writeCount; i++ {
		it, nread, err := readRecord(r)
		if err != nil {
			return items, fmt.Errorf("reading queue overflow record: %w", err)
		}
		items = append(items, it)
		d.readOffset += nread
		d.readCount++
	}
	if d.readCount == d.writeCount && d.writeCount > 0 {
		if err := d.truncateLocked(); err != nil {
			return items, err
		}
	}
	return items, nil
}

func (d *diskSegment) truncateLocked() error {
	if err := d.f.Truncate(0); err != nil {
		return err
	}
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	d.writeCount, d.readCount, d.readOffset = 0, 0, 0
	return nil
}

// Truncate drops all pending records, used by Queue.Clear.
func (d *diskSegment) Truncate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.truncateLocked()
}

// Close closes the backing file, optionally removing it so a clean
// shutdown leaves no stale overflow segment behind.
func (d *diskSegment) Close(remove bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.f.Close()
	if remove {
		if rmErr := os.Remove(d.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

func writeRecord(w io.Writer, it *Item) error {
	if err := binary.Write(w, binary.LittleEndian, int32(it.Priority)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, it.SequenceID); err != nil {
		return err
	}
	cmd := []byte(it.Text)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(cmd))); err != nil {
		return err
	}
	if _, err := w.Write(cmd); err != nil {
		return err
	}
	job := []byte(it.JobID)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(job))); err != nil {
		return err
	}
	if _, err := w.Write(job); err != nil {
		return err
	}
	return nil
}

func readRecord(r io.Reader) (*Item, int64, error) {
	var priority int32
	var seq, cmdLen, jobLen uint64
	if err := binary.Read(r, binary.LittleEndian, &priority); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &cmdLen); err != nil {
		return nil, 0, err
	}
	cmd := make([]byte, cmdLen)
	if _, err := io.ReadFull(r, cmd); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &jobLen); err != nil {
		return nil, 0, err
	}
	job := make([]byte, jobLen)
	if _, err := io.ReadFull(r, job); err != nil {
		return nil, 0, err
	}
	n := int64(4 + 8 + 8 + len(cmd) + 8 + len(job))
	return &Item{Text: string(cmd), Priority: int(priority), JobID: string(job), SequenceID: seq}, n, nil
}
