package repo

import (
	"errors"
	"sync"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"

	"github.com/filecoin-project/venus-core/pkg/config"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

// MemRepo is an in-memory implementation of the repo interface.
type MemRepo struct {
	// lk guards the config
	lk    sync.RWMutex
	C     *config.Config
	D     blockstoreutil.Blockstore
	Chain Datastore
	Meta  Datastore
}

var _ Repo = (*MemRepo)(nil)

// NewInMemoryRepo makes a new instance of MemRepo
func NewInMemoryRepo() *MemRepo {
	return &MemRepo{
		C:     config.NewDefaultConfig(),
		D:     blockstoreutil.NewBlockstore(dss.MutexWrap(datastore.NewMapDatastore())),
		Chain: dss.MutexWrap(datastore.NewMapDatastore()),
		Meta:  dss.MutexWrap(datastore.NewMapDatastore()),
	}
}

func (mr *MemRepo) Config() *config.Config {
	mr.lk.RLock()
	defer mr.lk.RUnlock()

	return mr.C
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (mr *MemRepo) ReplaceConfig(cfg *config.Config) error {
	mr.lk.Lock()
	defer mr.lk.Unlock()

	mr.C = cfg
	return nil
}

func (mr *MemRepo) Blockstore() blockstoreutil.Blockstore {
	return mr.D
}

func (mr *MemRepo) ChainDatastore() Datastore {
	return mr.Chain
}

func (mr *MemRepo) MetaDatastore() Datastore {
	return mr.Meta
}

// Path returns an error, a MemRepo has no path.
func (mr *MemRepo) Path() (string, error) {
	return "", errors.New("in-memory repo has no path")
}

func (mr *MemRepo) Close() error {
	return nil
}
