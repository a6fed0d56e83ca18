package repo

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	badgerds "github.com/ipfs/go-ds-badger2"
	fslock "github.com/ipfs/go-fs-lock"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/config"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

const (
	configFilename = "config.toml"
	lockFile       = "repo.lock"
)

var (
	chainPrefix = datastore.NewKey("/chain")
	metaPrefix  = datastore.NewKey("/meta")
)

// FSRepo is a repo rooted at a directory on disk.
type FSRepo struct {
	path string

	lk  sync.RWMutex
	cfg *config.Config

	ds     *badgerds.Datastore
	bs     blockstoreutil.Blockstore
	chain  Datastore
	meta   Datastore
	lockfd io.Closer
}

var _ Repo = (*FSRepo)(nil)

// InitFSRepo creates the directory and writes cfg when no config exists yet.
func InitFSRepo(repoPath string, cfg *config.Config) error {
	repoPath, err := homedir.Expand(repoPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return errors.Wrap(err, "create repo dir")
	}

	cfgPath := filepath.Join(repoPath, configFilename)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil
	}
	return cfg.WriteFile(cfgPath)
}

// OpenFSRepo locks the repo directory and opens its datastore.
func OpenFSRepo(repoPath string) (*FSRepo, error) {
	repoPath, err := homedir.Expand(repoPath)
	if err != nil {
		return nil, err
	}

	closer, err := fslock.Lock(repoPath, lockFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take repo lock")
	}

	r := &FSRepo{path: repoPath, lockfd: closer}
	if err := r.open(); err != nil {
		_ = closer.Close()
		return nil, err
	}
	return r, nil
}

func (r *FSRepo) open() error {
	cfg, err := config.ReadFile(filepath.Join(r.path, configFilename))
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	r.cfg = cfg

	dsPath := cfg.Datastore.Path
	if !filepath.IsAbs(dsPath) {
		dsPath = filepath.Join(r.path, dsPath)
	}
	opts := badgerds.DefaultOptions
	ds, err := badgerds.NewDatastore(dsPath, &opts)
	if err != nil {
		return errors.Wrapf(err, "failed to open datastore at %s", dsPath)
	}
	r.ds = ds
	r.bs = blockstoreutil.NewBlockstore(ds)
	r.chain = namespace.Wrap(ds, chainPrefix)
	r.meta = namespace.Wrap(ds, metaPrefix)

	log.Infof("opened repo at %s", r.path)
	return nil
}

func (r *FSRepo) Config() *config.Config {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return r.cfg
}

// ReplaceConfig writes cfg to disk and swaps it in.
func (r *FSRepo) ReplaceConfig(cfg *config.Config) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	if err := cfg.WriteFile(filepath.Join(r.path, configFilename)); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func (r *FSRepo) Blockstore() blockstoreutil.Blockstore { return r.bs }

func (r *FSRepo) ChainDatastore() Datastore { return r.chain }

func (r *FSRepo) MetaDatastore() Datastore { return r.meta }

func (r *FSRepo) Path() (string, error) { return r.path, nil }

// Join resolves a repo relative path.
func (r *FSRepo) Join(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(r.path, rel)
}

// Close closes the datastore and releases the lock.
func (r *FSRepo) Close() error {
	var result error
	if err := r.ds.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close datastore"))
	}
	if err := r.lockfd.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "release lock"))
	}
	return result
}
