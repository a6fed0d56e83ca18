package repo

import (
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/venus-core/pkg/config"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

var log = logging.Logger("repo")

// Datastore is the datastore interface provided by the repo
type Datastore interface {
	datastore.Batching
}

// Repo is a representation of all persistent data in a node.
type Repo interface {
	Config() *config.Config
	// ReplaceConfig replaces the current config, with the newly passed in one.
	ReplaceConfig(cfg *config.Config) error

	// Blockstore holds chain objects and state.
	Blockstore() blockstoreutil.Blockstore

	// ChainDatastore holds the head key and interpreter results.
	ChainDatastore() Datastore

	// MetaDatastore holds validation memos.
	MetaDatastore() Datastore

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
