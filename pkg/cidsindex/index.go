package cidsindex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

var (
	ErrInvalidIndex = errors.New("invalid cids index")
	ErrInconsistent = errors.New("cids index inconsistent")
)

// Index finds CAR rows by key.
type Index interface {
	Find(key Key) (Row, bool, error)
	Len() int
	Info() RowsInfo
	Close() error
}

// CheckIndex validates header and trailer and returns the row count.
func CheckIndex(f *os.File) (int, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("check index: stat: %w", err)
	}
	size := st.Size()
	if size < 2*RowSize || size%RowSize != 0 {
		return 0, fmt.Errorf("check index: size %d: %w", size, ErrInvalidIndex)
	}

	buf := make([]byte, RowSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("check index: read header: %w", err)
	}
	if decodeRow(buf) != HeaderV0 {
		return 0, fmt.Errorf("check index: header: %w", ErrInvalidIndex)
	}
	if _, err := f.ReadAt(buf, size-RowSize); err != nil {
		return 0, fmt.Errorf("check index: read trailer: %w", err)
	}
	if decodeRow(buf) != TrailerV0 {
		return 0, fmt.Errorf("check index: trailer: %w", ErrInvalidIndex)
	}
	return int(size/RowSize) - 2, nil
}

// MemoryIndex holds all rows in memory.
type MemoryIndex struct {
	rows []Row
	info RowsInfo
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex builds an index from sorted rows.
func NewMemoryIndex(rows []Row) (*MemoryIndex, error) {
	idx := &MemoryIndex{rows: rows, info: NewRowsInfo()}
	for _, row := range rows {
		if !idx.info.Feed(row).Valid {
			return nil, ErrInvalidIndex
		}
	}
	return idx, nil
}

func loadMemoryIndex(f *os.File, count int) (*MemoryIndex, error) {
	buf := make([]byte, count*RowSize)
	if _, err := f.ReadAt(buf, RowSize); err != nil && !(err == io.EOF && count == 0) {
		return nil, fmt.Errorf("load memory index: read rows: %w", err)
	}
	rows := make([]Row, count)
	for i := range rows {
		rows[i] = decodeRow(buf[i*RowSize:])
	}
	return NewMemoryIndex(rows)
}

func (idx *MemoryIndex) Find(key Key) (Row, bool, error) {
	i := sort.Search(len(idx.rows), func(i int) bool {
		return !idx.rows[i].Key.Less(key)
	})
	if i < len(idx.rows) && idx.rows[i].Key == key {
		if idx.rows[i].IsMeta() {
			return Row{}, false, ErrInconsistent
		}
		return idx.rows[i], true, nil
	}
	return Row{}, false, nil
}

func (idx *MemoryIndex) Len() int { return len(idx.rows) }

func (idx *MemoryIndex) Info() RowsInfo { return idx.info }

func (idx *MemoryIndex) Close() error { return nil }

// sparseRange splits total rows into buckets; bucket i ends at row fromSparse(i).
type sparseRange struct {
	total, buckets, bucketSize, bucketSplit int
}

func newSparseRange(total, maxBuckets int) sparseRange {
	r := sparseRange{total: total}
	if total == 1 {
		r.buckets = 1
		r.bucketSize = 1
	} else if total != 0 {
		r.buckets = maxBuckets
		if r.buckets < 2 {
			r.buckets = 2
		}
		if r.buckets > total {
			r.buckets = total
		}
		r.bucketSize = (total - 1) / (r.buckets - 1)
		r.bucketSplit = (total - 1) % (r.buckets - 1)
	}
	return r
}

func (r sparseRange) fromSparse(bucket int) int {
	if bucket == r.buckets-1 {
		return r.total - 1
	}
	split := bucket
	if split > r.bucketSplit {
		split = r.bucketSplit
	}
	return bucket*r.bucketSize + split
}

// SparseIndex keeps every n-th key in memory and scans the file for the rest.
type SparseIndex struct {
	mu   sync.Mutex
	file *os.File
	rng  sparseRange
	keys []Key
	info RowsInfo
}

var _ Index = (*SparseIndex)(nil)

func loadSparseIndex(f *os.File, count, maxKeys int) (*SparseIndex, error) {
	idx := &SparseIndex{
		file: f,
		rng:  newSparseRange(count, maxKeys),
		info: NewRowsInfo(),
	}
	idx.keys = make([]Key, idx.rng.buckets)

	r := newRowReader(f, 1, 1+count)
	iRow := 0
	for iSparse := 0; iSparse < idx.rng.buckets; iSparse++ {
		next := idx.rng.fromSparse(iSparse)
		var row Row
		for iRow <= next {
			var err error
			row, err = r.next()
			if err != nil {
				return nil, fmt.Errorf("load sparse index: read row: %w", err)
			}
			if !idx.info.Feed(row).Valid {
				return nil, ErrInvalidIndex
			}
			iRow++
		}
		idx.keys[iSparse] = row.Key
	}
	return idx, nil
}

func (idx *SparseIndex) Find(key Key) (Row, bool, error) {
	if len(idx.keys) == 0 || key.Less(idx.keys[0]) {
		return Row{}, false, nil
	}
	i := sort.Search(len(idx.keys), func(i int) bool {
		return !idx.keys[i].Less(key)
	})
	if i == len(idx.keys) {
		return Row{}, false, nil
	}
	end := idx.rng.fromSparse(i)
	begin := end
	if idx.keys[i] != key {
		begin = idx.rng.fromSparse(i-1) + 1
		end--
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf := make([]byte, RowSize)
	for j := begin; j <= end; j++ {
		if _, err := idx.file.ReadAt(buf, int64(1+j)*RowSize); err != nil {
			return Row{}, false, fmt.Errorf("sparse index find: %w", err)
		}
		row := decodeRow(buf)
		if row.IsMeta() {
			return Row{}, false, ErrInconsistent
		}
		if row.Key == key {
			return row, true, nil
		}
	}
	return Row{}, false, nil
}

func (idx *SparseIndex) Len() int { return idx.rng.total }

func (idx *SparseIndex) Info() RowsInfo { return idx.info }

func (idx *SparseIndex) Close() error {
	return idx.file.Close()
}

// Load opens an index file; above maxMemory bytes of rows a SparseIndex is
// used. maxMemory 0 means unbounded.
func Load(path string, maxMemory uint64) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	count, err := CheckIndex(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if maxMemory != 0 && uint64(count)*RowSize > maxMemory {
		idx, err := loadSparseIndex(f, count, int(maxMemory/KeySize))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return idx, nil
	}

	defer f.Close() // nolint: errcheck
	return loadMemoryIndex(f, count)
}
