package cidsindex

import (
	"bufio"
	"container/heap"
	"fmt"
	"io"
)

// rows buffered per file range, about 64kb
const mergeBufferRows = 1638

type rowReader struct {
	file       io.ReaderAt
	begin, end int
	buf        []byte
	rows       []Row
	current    int
}

func newRowReader(file io.ReaderAt, begin, end int) *rowReader {
	return &rowReader{file: file, begin: begin, end: end}
}

func (r *rowReader) next() (Row, error) {
	if r.current >= len(r.rows) {
		if err := r.fill(); err != nil {
			return Row{}, err
		}
	}
	row := r.rows[r.current]
	r.current++
	return row, nil
}

func (r *rowReader) empty() bool {
	return r.current >= len(r.rows) && r.begin >= r.end
}

func (r *rowReader) fill() error {
	if r.begin >= r.end {
		return io.EOF
	}
	n := r.end - r.begin
	if n > mergeBufferRows {
		n = mergeBufferRows
	}
	if cap(r.buf) < n*RowSize {
		r.buf = make([]byte, n*RowSize)
	}
	buf := r.buf[:n*RowSize]
	if _, err := r.file.ReadAt(buf, int64(r.begin)*RowSize); err != nil {
		return err
	}
	r.rows = r.rows[:0]
	for i := 0; i < n; i++ {
		r.rows = append(r.rows, decodeRow(buf[i*RowSize:]))
	}
	r.begin += n
	r.current = 0
	return nil
}

// MergeRange is a sorted run of rows, either in memory or rows
// [Begin, End) of an index-formatted file.
type MergeRange struct {
	reader *rowReader
	front  Row
}

// FileRange reads rows [begin, end) of file.
func FileRange(file io.ReaderAt, begin, end int) *MergeRange {
	return &MergeRange{reader: newRowReader(file, begin, end)}
}

// MemoryRange merges already sorted rows.
func MemoryRange(rows []Row) *MergeRange {
	return &MergeRange{reader: &rowReader{rows: rows}}
}

func (m *MergeRange) pop() (bool, error) {
	if m.reader.empty() {
		return false, nil
	}
	row, err := m.reader.next()
	if err != nil {
		return false, err
	}
	m.front = row
	return true, nil
}

type rangeHeap []*MergeRange

func (h rangeHeap) Len() int            { return len(h) }
func (h rangeHeap) Less(i, j int) bool  { return h[i].front.Less(h[j].front) }
func (h rangeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rangeHeap) Push(x interface{}) { *h = append(*h, x.(*MergeRange)) }
func (h *rangeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge writes header, the union of the ranges in row order and trailer.
// Rows repeating an already written key are dropped.
func Merge(w io.Writer, ranges []*MergeRange) (int, error) {
	h := make(rangeHeap, 0, len(ranges))
	for _, r := range ranges {
		ok, err := r.pop()
		if err != nil {
			return 0, fmt.Errorf("merge: read: %w", err)
		}
		if ok {
			h = append(h, r)
		}
	}
	heap.Init(&h)

	bw := bufio.NewWriterSize(w, 64<<10)
	if _, err := bw.Write(HeaderV0.Bytes()); err != nil {
		return 0, fmt.Errorf("merge: write: %w", err)
	}

	var (
		count int
		last  Row
		buf   = make([]byte, RowSize)
	)
	for h.Len() > 0 {
		r := h[0]
		row := r.front
		if count == 0 || row.Key != last.Key {
			row.encode(buf)
			if _, err := bw.Write(buf); err != nil {
				return 0, fmt.Errorf("merge: write: %w", err)
			}
			last = row
			count++
		}

		ok, err := r.pop()
		if err != nil {
			return 0, fmt.Errorf("merge: read: %w", err)
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	if _, err := bw.Write(TrailerV0.Bytes()); err != nil {
		return 0, fmt.Errorf("merge: write: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("merge: write: %w", err)
	}
	return count, nil
}
