package main

import (
	"log"
	"path/filepath"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type genTarget struct {
	dir   string
	pkg   string
	types []interface{}
}

func main() {
	targets := []genTarget{
		{
			dir: "../venus-shared/types/",
			types: []interface{}{
				types.BlockHeader{},
				types.Ticket{},
				types.ElectionProof{},
				types.BeaconEntry{},
				types.Message{},
				types.SignedMessage{},
				types.MessageReceipt{},
				types.MsgMeta{},
				types.Actor{},
				types.StateRoot{},
				types.StateInfo0{},
			},
		},
		{
			dir: "../pkg/consensus/",
			types: []interface{}{
				consensus.Result{},
			},
		},
	}

	for _, target := range targets {
		pkg := target.pkg
		if pkg == "" {
			pkg = filepath.Base(target.dir)
		}

		if err := gen.WriteTupleEncodersToFile(filepath.Join(target.dir, "cbor_gen.go"), pkg, target.types...); err != nil {
			log.Fatalf("gen for %s: %s", target.dir, err)
		}
	}
}
