package chain

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/google/renameio/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-cid"
	pkgerr "github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// The chain log is a pair of files sharing a random seed:
//
//	<path>.hash   seed | 32 byte block digests
//	<path>.count  seed | min height (8 bytes, big endian) | one byte per height
//
// A count byte is the number of blocks of the tipset at that height, 0 for a
// null round and revertMarker for a revert of the newest tipset.
const (
	seedSize        = 32
	hashSize        = 32
	countHeaderSize = seedSize + 8
	revertMarker    = 0xFF
)

var ErrBadChainLog = errors.New("invalid chain log")

// ChainFileOptions tune how the main branch is restored from its log.
type ChainFileOptions struct {
	// UpdateWhen is how far the head may run ahead of the log top before the
	// log is caught up on open. 0 disables catching up.
	UpdateWhen abi.ChainEpoch
	// LazyLimit keeps only that many of the newest tipsets in memory, 0 keeps all.
	LazyLimit uint64
	// MinLoad is the smallest batch of tipsets paged in at once.
	MinLoad uint64
}

// Updater appends to the chain log.
type Updater struct {
	hashFile  *os.File
	countFile *os.File
	hash      *bufio.Writer
	count     *bufio.Writer
	hashRead  *os.File

	minHeight abi.ChainEpoch
	// counts mirrors the compacted count bytes so that old hashes can be
	// located for lazy loading.
	counts []byte
}

// Apply appends a tipset, or a null round when cids is empty.
func (u *Updater) Apply(cids []cid.Cid) error {
	if len(cids) >= revertMarker {
		return pkgerr.Wrapf(ErrBadChainLog, "tipset of %d blocks", len(cids))
	}
	for _, c := range cids {
		key, ok := types.CbKey(c)
		if !ok {
			return pkgerr.Wrapf(ErrBadChainLog, "block cid %s is not a chain cid", c)
		}
		if _, err := u.hash.Write(key[:]); err != nil {
			return err
		}
	}
	if err := u.count.WriteByte(byte(len(cids))); err != nil {
		return err
	}
	u.counts = append(u.counts, byte(len(cids)))
	return nil
}

// Revert drops the newest tipset together with the null rounds below it.
func (u *Updater) Revert() error {
	if err := u.count.WriteByte(revertMarker); err != nil {
		return err
	}
	if n := len(u.counts); n > 0 {
		u.counts = u.counts[:n-1]
	}
	for n := len(u.counts); n > 0 && u.counts[n-1] == 0; n-- {
		u.counts = u.counts[:n-1]
	}
	return nil
}

func (u *Updater) Flush() error {
	if err := u.hash.Flush(); err != nil {
		return err
	}
	return u.count.Flush()
}

func (u *Updater) Close() error {
	var result *multierror.Error
	if err := u.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, f := range []*os.File{u.hashFile, u.countFile, u.hashRead} {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (u *Updater) offset(index int) int64 {
	var sum int64
	for _, c := range u.counts[:index] {
		sum += int64(c)
	}
	return seedSize + sum*hashSize
}

type chainLog struct {
	minHeight abi.ChainEpoch
	counts    []byte
	hashes    [][hashSize]byte
	// tail is the length of a hash cut short at the end of the file.
	tail int
}

func readChainLog(pathHash, pathCount string) (*chainLog, error) {
	hashBytes, err := os.ReadFile(pathHash)
	if err != nil {
		return nil, err
	}
	countBytes, err := os.ReadFile(pathCount)
	if err != nil {
		return nil, err
	}
	if len(hashBytes) <= seedSize || len(countBytes) <= countHeaderSize {
		return nil, pkgerr.Wrap(ErrBadChainLog, "short file")
	}
	if string(hashBytes[:seedSize]) != string(countBytes[:seedSize]) {
		return nil, pkgerr.Wrap(ErrBadChainLog, "seed mismatch")
	}

	l := &chainLog{
		minHeight: abi.ChainEpoch(binary.BigEndian.Uint64(countBytes[seedSize:countHeaderSize])),
		counts:    countBytes[countHeaderSize:],
	}
	raw := hashBytes[seedSize:]
	l.tail = len(raw) % hashSize
	l.hashes = make([][hashSize]byte, len(raw)/hashSize)
	for i := range l.hashes {
		copy(l.hashes[i][:], raw[i*hashSize:])
	}
	return l, nil
}

// compact folds revert markers into the records they revert and drops a
// trailing record whose hashes never made it to disk. It reports whether the
// count file needs rewriting and whether the hash file has stray bytes.
func (l *chainLog) compact() (rewrite, extraHashes bool, err error) {
	counts := l.counts
	hashOut, hashIn, countOut := 0, 0, 0
	for countIn := 0; countIn < len(counts); countIn++ {
		count := counts[countIn]
		if count == revertMarker {
			if countOut == 0 {
				return false, false, pkgerr.Wrap(ErrBadChainLog, "revert of empty log")
			}
			countOut--
			hashOut -= int(counts[countOut])
			counts[countOut] = 0
			for countOut > 0 && counts[countOut-1] == 0 {
				countOut--
			}
			if countOut == 0 {
				return false, false, pkgerr.Wrap(ErrBadChainLog, "revert below genesis")
			}
			continue
		}
		if countOut == 0 && count == 0 {
			return false, false, pkgerr.Wrap(ErrBadChainLog, "null genesis")
		}
		if int(count) > len(l.hashes)-hashIn {
			if countOut == 0 {
				return false, false, pkgerr.Wrap(ErrBadChainLog, "missing genesis hashes")
			}
			break
		}
		counts[countOut] = count
		copy(l.hashes[hashOut:], l.hashes[hashIn:hashIn+int(count)])
		hashOut += int(count)
		hashIn += int(count)
		countOut++
	}
	rewrite = countOut != len(counts)
	extraHashes = hashOut != len(l.hashes)
	l.counts = counts[:countOut]
	l.hashes = l.hashes[:hashOut]
	return rewrite, extraHashes, nil
}

func writeChainLog(pathHash, pathCount string, l *chainLog) error {
	var seed [seedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return err
	}

	hashFile, err := renameio.NewPendingFile(pathHash, renameio.WithTempDir(filepath.Dir(pathHash)))
	if err != nil {
		return err
	}
	defer hashFile.Cleanup() // nolint: errcheck
	w := bufio.NewWriter(hashFile)
	_, _ = w.Write(seed[:])
	for _, h := range l.hashes {
		_, _ = w.Write(h[:])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	countFile, err := renameio.NewPendingFile(pathCount, renameio.WithTempDir(filepath.Dir(pathCount)))
	if err != nil {
		return err
	}
	defer countFile.Cleanup() // nolint: errcheck
	var header [countHeaderSize]byte
	copy(header[:], seed[:])
	binary.BigEndian.PutUint64(header[seedSize:], uint64(l.minHeight))
	if _, err := countFile.Write(header[:]); err != nil {
		return err
	}
	if _, err := countFile.Write(l.counts); err != nil {
		return err
	}

	if err := hashFile.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return countFile.CloseAtomicallyReplace()
}

// loadChainLog reads and repairs the log. Reverts and records cut short by a
// crash are compacted away with an atomic rewrite; stray hashes past the last
// record are truncated in place.
func loadChainLog(pathHash, pathCount string) (*chainLog, error) {
	l, err := readChainLog(pathHash, pathCount)
	if err != nil {
		return nil, err
	}
	rewrite, extraHashes, err := l.compact()
	if err != nil {
		return nil, err
	}
	if rewrite {
		log.Warnf("compacting chain log %s", pathCount)
		if err := writeChainLog(pathHash, pathCount, l); err != nil {
			return nil, err
		}
	} else if extraHashes || l.tail != 0 {
		log.Warnf("truncating chain log %s to %d hashes", pathHash, len(l.hashes))
		if err := os.Truncate(pathHash, int64(seedSize+len(l.hashes)*hashSize)); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// walk collects the ancestry of a head, checking that heights decrease and
// every key is in canonical ticket order.
type walk struct {
	ctx    context.Context
	tsLoad TsLoad

	first     bool
	minHeight abi.ChainEpoch
	// counts is built newest first
	counts []byte
}

func (w *walk) step(key types.TipSetKey) (*types.TipSet, error) {
	if n := len(key.Cids()); n == 0 || n >= revertMarker {
		return nil, pkgerr.Wrapf(ErrBadChainLog, "tipset key of %d blocks", n)
	}
	ts, err := w.tsLoad.Load(w.ctx, key)
	if err != nil {
		return nil, err
	}
	if ts.Key() != key {
		return nil, pkgerr.Wrapf(ErrBadChainLog, "blocks of %s are not ordered by ticket", key)
	}
	if !w.first {
		if ts.Height() >= w.minHeight {
			return nil, pkgerr.Wrapf(ErrBadChainLog, "height %d does not decrease below %d", ts.Height(), w.minHeight)
		}
		for h := w.minHeight - 1; h > ts.Height(); h-- {
			w.counts = append(w.counts, 0)
		}
	}
	w.counts = append(w.counts, byte(ts.Len()))
	w.minHeight = ts.Height()
	w.first = false
	return ts, nil
}

func entryOf(ts *types.TipSet) TsEntry {
	return TsEntry{Height: ts.Height(), Lazy: TsLazy{Key: ts.Key(), Index: NoCacheIndex}}
}

// walkToGenesis builds the chain from head down to genesis.
func walkToGenesis(ctx context.Context, tsLoad TsLoad, head types.TipSetKey) (*TsChain, *chainLog, error) {
	w := &walk{ctx: ctx, tsLoad: tsLoad, first: true}
	chain := NewTsChain()
	var hashes [][hashSize]byte
	key := head
	for {
		ts, err := w.step(key)
		if err != nil {
			return nil, nil, err
		}
		chain.Set(entryOf(ts))
		cids := ts.Cids()
		for i := len(cids) - 1; i >= 0; i-- {
			h, ok := types.CbKey(cids[i])
			if !ok {
				return nil, nil, pkgerr.Wrapf(ErrBadChainLog, "block cid %s is not a chain cid", cids[i])
			}
			hashes = append(hashes, h)
		}
		if ts.Height() == 0 {
			break
		}
		key = ts.Parents()
	}

	reverseBytes(w.counts)
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return chain, &chainLog{minHeight: w.minHeight, counts: w.counts, hashes: hashes}, nil
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// MakeMemoryBranch builds a branch from head down to genesis without a log.
func MakeMemoryBranch(ctx context.Context, tsLoad TsLoad, head types.TipSetKey) (*TsBranch, error) {
	chain, _, err := walkToGenesis(ctx, tsLoad, head)
	if err != nil {
		return nil, err
	}
	return newBranch(chain), nil
}

// LoadOrCreate restores the main branch from the log at path, creating the
// log from the ancestry of head when it is missing or unreadable. The
// returned flag reports whether the log was written.
func LoadOrCreate(ctx context.Context, tsLoad TsLoad, path string, head types.TipSetKey, opts ChainFileOptions) (*TsBranch, bool, error) {
	pathHash, pathCount := path+".hash", path+".count"
	updated := false

	l, err := loadChainLog(pathHash, pathCount)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("rebuilding chain log %s: %s", path, err)
		}
		if head.IsEmpty() {
			return nil, false, pkgerr.Wrap(ErrBadChainLog, "no head to rebuild from")
		}
		if _, l, err = walkToGenesis(ctx, tsLoad, head); err != nil {
			return nil, false, err
		}
		if err := writeChainLog(pathHash, pathCount, l); err != nil {
			return nil, false, err
		}
		updated = true
	}

	branch := newBranch(logChain(l, opts))
	if branch.Chain.Len() == 0 {
		return nil, false, pkgerr.Wrap(ErrBadChainLog, "empty log")
	}
	if opts.LazyLimit > 0 && uint64(branch.Chain.Len()) < uint64(countNonNull(l.counts)) {
		branch.lazy = &lazyWindow{Bottom: firstEntry(l), MinLoad: opts.MinLoad}
	}

	u, err := openUpdater(pathHash, pathCount, l)
	if err != nil {
		return nil, false, err
	}
	branch.updater = u

	if opts.UpdateWhen > 0 && !head.IsEmpty() {
		caught, err := catchUp(ctx, tsLoad, branch, head, opts.UpdateWhen)
		if err != nil {
			_ = u.Close()
			return nil, false, err
		}
		updated = updated || caught
	}
	return branch, updated, nil
}

func countNonNull(counts []byte) int {
	n := 0
	for _, c := range counts {
		if c != 0 {
			n++
		}
	}
	return n
}

func firstEntry(l *chainLog) TsEntry {
	cids := make([]cid.Cid, l.counts[0])
	for i := range cids {
		cids[i] = types.CidFromCbKey(l.hashes[i])
	}
	return TsEntry{Height: l.minHeight, Lazy: TsLazy{Key: types.NewTipSetKey(cids...), Index: NoCacheIndex}}
}

// logChain turns the log into entries, keeping only the newest LazyLimit
// tipsets when a limit is set.
func logChain(l *chainLog, opts ChainFileOptions) *TsChain {
	skip := 0
	if opts.LazyLimit > 0 {
		if n := countNonNull(l.counts); uint64(n) > opts.LazyLimit {
			skip = n - int(opts.LazyLimit)
		}
	}

	chain := NewTsChain()
	hashIn := 0
	for i, c := range l.counts {
		if c == 0 {
			continue
		}
		if skip > 0 {
			skip--
			hashIn += int(c)
			continue
		}
		cids := make([]cid.Cid, c)
		for j := range cids {
			cids[j] = types.CidFromCbKey(l.hashes[hashIn+j])
		}
		hashIn += int(c)
		chain.Set(TsEntry{
			Height: l.minHeight + abi.ChainEpoch(i),
			Lazy:   TsLazy{Key: types.NewTipSetKey(cids...), Index: NoCacheIndex},
		})
	}
	return chain
}

func openUpdater(pathHash, pathCount string, l *chainLog) (*Updater, error) {
	hashFile, err := os.OpenFile(pathHash, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	countFile, err := os.OpenFile(pathCount, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = hashFile.Close()
		return nil, err
	}
	hashRead, err := os.Open(pathHash)
	if err != nil {
		_ = hashFile.Close()
		_ = countFile.Close()
		return nil, err
	}
	counts := make([]byte, len(l.counts))
	copy(counts, l.counts)
	return &Updater{
		hashFile:  hashFile,
		countFile: countFile,
		hash:      bufio.NewWriter(hashFile),
		count:     bufio.NewWriter(countFile),
		hashRead:  hashRead,
		minHeight: l.minHeight,
		counts:    counts,
	}, nil
}

// catchUp moves the branch onto head when head ran at least updateWhen
// epochs ahead of the log.
func catchUp(ctx context.Context, tsLoad TsLoad, branch *TsBranch, head types.TipSetKey, updateWhen abi.ChainEpoch) (bool, error) {
	u := branch.updater
	ts, err := tsLoad.Load(ctx, head)
	if err != nil {
		return false, err
	}
	cur := branch.Chain.Top()
	if ts.Height() < cur.Height+updateWhen {
		return false, nil
	}

	updated := false
	var pending []TsEntry
	for ts.Height() != cur.Height || ts.Key() != cur.Lazy.Key {
		if cur.Height < ts.Height() {
			pending = append(pending, entryOf(ts))
			parent, err := tsLoad.Load(ctx, ts.Parents())
			if err != nil {
				return updated, err
			}
			if parent.Height() >= ts.Height() {
				return updated, pkgerr.Wrapf(ErrBadChainLog, "height %d does not decrease below %d", parent.Height(), ts.Height())
			}
			ts = parent
			continue
		}
		if err := branch.lazyLoad(cur.Height - 1); err != nil {
			return updated, err
		}
		prev, ok := branch.Chain.Prev(cur.Height)
		if !ok {
			return updated, ErrNotConnected
		}
		branch.Chain.Delete(cur.Height)
		if err := u.Revert(); err != nil {
			return updated, err
		}
		updated = true
		cur = prev
	}

	height := cur.Height
	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		for height+1 < e.Height {
			if err := u.Apply(nil); err != nil {
				return updated, err
			}
			height++
		}
		if err := u.Apply(e.Lazy.Key.Cids()); err != nil {
			return updated, err
		}
		branch.Chain.Set(e)
		height = e.Height
		updated = true
	}
	return updated, u.Flush()
}

// lazyLoad pages in the log entries needed to reach height.
func (b *TsBranch) lazyLoad(height abi.ChainEpoch) error {
	if b.lazy == nil || b.updater == nil {
		return nil
	}
	b.lazy.mu.Lock()
	defer b.lazy.mu.Unlock()

	bottom := b.Chain.Bottom()
	if height >= bottom.Height || height < b.lazy.Bottom.Height {
		return nil
	}

	u := b.updater
	end := int(bottom.Height - u.minHeight)
	if end > len(u.counts) {
		return pkgerr.Wrapf(ErrBadChainLog, "bottom %d beyond log", bottom.Height)
	}
	i := end
	var batch uint64
	for i > 0 {
		i--
		if u.counts[i] == 0 {
			continue
		}
		batch++
		if u.minHeight+abi.ChainEpoch(i) <= height && batch >= b.lazy.MinLoad {
			break
		}
	}

	var total int
	for _, c := range u.counts[i:end] {
		total += int(c)
	}
	buf := make([]byte, total*hashSize)
	if _, err := u.hashRead.ReadAt(buf, u.offset(i)); err != nil && err != io.EOF {
		return pkgerr.Wrap(err, "lazy load read")
	}

	pos := 0
	for j := i; j < end; j++ {
		c := int(u.counts[j])
		if c == 0 {
			continue
		}
		cids := make([]cid.Cid, c)
		for k := range cids {
			var key [hashSize]byte
			copy(key[:], buf[pos*hashSize:])
			cids[k] = types.CidFromCbKey(key)
			pos++
		}
		b.Chain.Set(TsEntry{
			Height: u.minHeight + abi.ChainEpoch(j),
			Lazy:   TsLazy{Key: types.NewTipSetKey(cids...), Index: NoCacheIndex},
		})
	}
	log.Debugf("lazy loaded %d tipsets from height %d", pos, u.minHeight+abi.ChainEpoch(i))
	return nil
}
