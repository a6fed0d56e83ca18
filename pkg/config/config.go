package config

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/pkg/errors"
)

// Config is an in memory representation of the node configuration file.
type Config struct {
	Datastore     *DatastoreConfig     `toml:"datastore"`
	Chain         *ChainConfig         `toml:"chain"`
	CidsIndex     *CidsIndexConfig     `toml:"cidsIndex"`
	Consensus     *ConsensusConfig     `toml:"consensus"`
	NetworkParams *NetworkParamsConfig `toml:"networkParams"`
	Observability *ObservabilityConfig `toml:"observability"`
}

// DatastoreConfig holds all the configuration options for the datastore.
type DatastoreConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

func newDefaultDatastoreConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Type: "badgerds",
		Path: "badger",
	}
}

// ChainConfig configures the persisted chain log and the tipset cache.
type ChainConfig struct {
	// LogPath is the prefix of the `.hash` and `.count` files.
	LogPath string `toml:"logPath"`
	// UpdateWhen is how far the head may run ahead of the log before the log
	// is caught up on open.
	UpdateWhen abi.ChainEpoch `toml:"updateWhen"`
	// LazyLimit bounds the number of log entries kept in memory, 0 keeps all.
	LazyLimit   uint64 `toml:"lazyLimit"`
	MinLoad     uint64 `toml:"minLoad"`
	TsCacheSize int    `toml:"tsCacheSize"`
}

func newDefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		LogPath:     "chain/log",
		UpdateWhen:  1,
		LazyLimit:   0,
		MinLoad:     1000,
		TsCacheSize: 8192,
	}
}

// CidsIndexConfig configures the car backed object store.
type CidsIndexConfig struct {
	CarPath    string `toml:"carPath"`
	MaxMemory  uint64 `toml:"maxMemory"`
	FlushOn    uint64 `toml:"flushOn"`
	CarFlushOn uint64 `toml:"carFlushOn"`
	Writable   bool   `toml:"writable"`
}

func newDefaultCidsIndexConfig() *CidsIndexConfig {
	return &CidsIndexConfig{
		CarPath:    "ipld.car",
		MaxMemory:  64 << 20,
		FlushOn:    100000,
		CarFlushOn: 1 << 20,
		Writable:   true,
	}
}

// ConsensusConfig configures block validation.
type ConsensusConfig struct {
	// FakeProofs accepts the sentinel winning PoSt proof instead of calling the
	// proof engine.
	FakeProofs bool `toml:"fakeProofs"`
}

func newDefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{}
}

// NetworkParamsConfig holds the network upgrade schedule.
type NetworkParamsConfig struct {
	ForkUpgradeParam *ForkUpgradeConfig `toml:"forkUpgradeParam"`
}

// ForkUpgradeConfig lists the last epoch of every network version.
type ForkUpgradeConfig struct {
	UpgradeBreezeHeight      abi.ChainEpoch `toml:"upgradeBreezeHeight"`
	BreezeGasTampingDuration abi.ChainEpoch `toml:"breezeGasTampingDuration"`
	UpgradeSmokeHeight       abi.ChainEpoch `toml:"upgradeSmokeHeight"`
	UpgradeIgnitionHeight    abi.ChainEpoch `toml:"upgradeIgnitionHeight"`
	UpgradeRefuelHeight      abi.ChainEpoch `toml:"upgradeRefuelHeight"`
	UpgradeAssemblyHeight    abi.ChainEpoch `toml:"upgradeAssemblyHeight"`
	UpgradeTapeHeight        abi.ChainEpoch `toml:"upgradeTapeHeight"`
	UpgradeLiftoffHeight     abi.ChainEpoch `toml:"upgradeLiftoffHeight"`
	UpgradeKumquatHeight     abi.ChainEpoch `toml:"upgradeKumquatHeight"`
	UpgradeCalicoHeight      abi.ChainEpoch `toml:"upgradeCalicoHeight"`
	UpgradePersianHeight     abi.ChainEpoch `toml:"upgradePersianHeight"`
	UpgradeOrangeHeight      abi.ChainEpoch `toml:"upgradeOrangeHeight"`
	UpgradeClausHeight       abi.ChainEpoch `toml:"upgradeClausHeight"`
	UpgradeTrustHeight       abi.ChainEpoch `toml:"upgradeTrustHeight"`
	UpgradeNorwegianHeight   abi.ChainEpoch `toml:"upgradeNorwegianHeight"`
	UpgradeTurboHeight       abi.ChainEpoch `toml:"upgradeTurboHeight"`
	UpgradeHyperdriveHeight  abi.ChainEpoch `toml:"upgradeHyperdriveHeight"`
	UpgradeChocolateHeight   abi.ChainEpoch `toml:"upgradeChocolateHeight"`
	UpgradeOhSnapHeight      abi.ChainEpoch `toml:"upgradeOhSnapHeight"`
}

// DefaultForkUpgradeParam is the mainnet schedule.
var DefaultForkUpgradeParam = &ForkUpgradeConfig{
	UpgradeBreezeHeight:      41280,
	BreezeGasTampingDuration: 120,
	UpgradeSmokeHeight:       51000,
	UpgradeIgnitionHeight:    94000,
	UpgradeRefuelHeight:      130800,
	UpgradeAssemblyHeight:    138720,
	UpgradeTapeHeight:        140760,
	UpgradeLiftoffHeight:     148888,
	UpgradeKumquatHeight:     170000,
	UpgradeCalicoHeight:      265200,
	UpgradePersianHeight:     265200 + 120*60,
	UpgradeOrangeHeight:      336458,
	UpgradeClausHeight:       343200,
	UpgradeTrustHeight:       550321,
	UpgradeNorwegianHeight:   665280,
	UpgradeTurboHeight:       712320,
	UpgradeHyperdriveHeight:  892800,
	UpgradeChocolateHeight:   1231620,
	UpgradeOhSnapHeight:      1594680,
}

// LatestForkUpgradeParam starts the chain at the newest network version.
var LatestForkUpgradeParam = &ForkUpgradeConfig{
	UpgradeBreezeHeight:      -1,
	BreezeGasTampingDuration: 0,
	UpgradeSmokeHeight:       -2,
	UpgradeIgnitionHeight:    -3,
	UpgradeRefuelHeight:      -4,
	UpgradeAssemblyHeight:    -5,
	UpgradeTapeHeight:        -6,
	UpgradeLiftoffHeight:     -7,
	UpgradeKumquatHeight:     -8,
	UpgradeCalicoHeight:      -9,
	UpgradePersianHeight:     -10,
	UpgradeOrangeHeight:      -11,
	UpgradeClausHeight:       -12,
	UpgradeTrustHeight:       -13,
	UpgradeNorwegianHeight:   -14,
	UpgradeTurboHeight:       -15,
	UpgradeHyperdriveHeight:  -16,
	UpgradeChocolateHeight:   -17,
	UpgradeOhSnapHeight:      -18,
}

// NeverUpgradeParam pins the chain to the genesis network version.
var NeverUpgradeParam = &ForkUpgradeConfig{
	UpgradeBreezeHeight:     math.MaxInt64 - 18,
	UpgradeSmokeHeight:      math.MaxInt64 - 17,
	UpgradeIgnitionHeight:   math.MaxInt64 - 16,
	UpgradeRefuelHeight:     math.MaxInt64 - 15,
	UpgradeAssemblyHeight:   math.MaxInt64 - 14,
	UpgradeTapeHeight:       math.MaxInt64 - 13,
	UpgradeLiftoffHeight:    math.MaxInt64 - 12,
	UpgradeKumquatHeight:    math.MaxInt64 - 11,
	UpgradeCalicoHeight:     math.MaxInt64 - 10,
	UpgradePersianHeight:    math.MaxInt64 - 9,
	UpgradeOrangeHeight:     math.MaxInt64 - 8,
	UpgradeClausHeight:      math.MaxInt64 - 7,
	UpgradeTrustHeight:      math.MaxInt64 - 6,
	UpgradeNorwegianHeight:  math.MaxInt64 - 5,
	UpgradeTurboHeight:      math.MaxInt64 - 4,
	UpgradeHyperdriveHeight: math.MaxInt64 - 3,
	UpgradeChocolateHeight:  math.MaxInt64 - 2,
	UpgradeOhSnapHeight:     math.MaxInt64 - 1,
}

func newDefaultNetworkParamsConfig() *NetworkParamsConfig {
	p := *DefaultForkUpgradeParam
	return &NetworkParamsConfig{ForkUpgradeParam: &p}
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel string `toml:"logLevel"`
}

func newDefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{LogLevel: "info"}
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values
func NewDefaultConfig() *Config {
	return &Config{
		Datastore:     newDefaultDatastoreConfig(),
		Chain:         newDefaultChainConfig(),
		CidsIndex:     newDefaultCidsIndexConfig(),
		Consensus:     newDefaultConsensusConfig(),
		NetworkParams: newDefaultNetworkParamsConfig(),
		Observability: newDefaultObservabilityConfig(),
	}
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// ReadFile reads a config file from disk. Missing keys keep their defaults.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	if _, err := toml.DecodeReader(f, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", file)
	}

	return cfg, nil
}

// traverseConfig finds the sub-struct referenced by the dotted `key` and
// applies f to it.
func (cfg *Config) traverseConfig(key string,
	f func(reflect.Value, string) (interface{}, error)) (interface{}, error) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	keyTags := strings.Split(key, ".")
OUTER:
	for j, keyTag := range keyTags {
		switch v.Type().Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				tomlTag := strings.Split(v.Type().Field(i).Tag.Get("toml"), ",")[0]
				if tomlTag == keyTag {
					v = v.Field(i)
					if j == len(keyTags)-1 {
						return f(v, key)
					}
					v = reflect.Indirect(v)
					continue OUTER
				}
			}
		case reflect.Array, reflect.Slice:
			i64, err := strconv.ParseUint(keyTag, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("non-integer key into slice")
			}
			i := int(i64)
			if i > v.Len()-1 {
				return nil, fmt.Errorf("key into slice out of range")
			}
			v = v.Index(i)
			if j == len(keyTags)-1 {
				return f(v, key)
			}
			v = reflect.Indirect(v)
			continue OUTER
		}

		return nil, fmt.Errorf("key: %s invalid for config", key)
	}
	return nil, fmt.Errorf("empty key is invalid")
}

// prependKey turns a bare value into a decodable toml document for key.
func prependKey(tomlVal string, key string, fieldT reflect.Type) string {
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]
	fieldK := fieldT.Kind()
	if fieldK == reflect.Ptr {
		fieldK = fieldT.Elem().Kind()
	}

	if fieldK == reflect.Struct {
		tomlVal = strings.TrimSpace(tomlVal)
		if strings.HasPrefix(tomlVal, "{") {
			return fmt.Sprintf("%s=%s", k, tomlVal)
		}
		return fmt.Sprintf("[%s]\n%s", k, tomlVal)
	}
	return fmt.Sprintf("%s=%s", k, tomlVal)
}

func fieldToSet(key string, tomlVal string, fieldT reflect.Type) (reflect.Value, error) {
	tomlValKey := prependKey(tomlVal, key, fieldT)
	ks := strings.Split(key, ".")
	k := ks[len(ks)-1]

	field := reflect.StructField{
		Name: "Field",
		Type: fieldT,
		Tag:  reflect.StructTag(`toml:"` + k + `"`),
	}
	recvT := reflect.StructOf([]reflect.StructField{field})
	valToRecv := reflect.New(recvT)

	if _, err := toml.Decode(tomlValKey, valToRecv.Interface()); err != nil {
		return valToRecv, errors.Wrapf(err, "input could not be marshaled to sub-config at: %s", key)
	}
	return valToRecv.Elem().Field(0), nil
}

// Set sets the config value referenced by `key`, e.g. 'chain.lazyLimit',
// from a toml encoded value.
func (cfg *Config) Set(key string, tomlVal string) (interface{}, error) {
	f := func(v reflect.Value, key string) (interface{}, error) {
		setT := v.Type()
		recvT := setT
		if setT.Kind() == reflect.Ptr {
			recvT = setT.Elem()
		}

		valToSet, err := fieldToSet(key, tomlVal, recvT)
		if err != nil {
			return nil, err
		}
		if setT.Kind() == reflect.Ptr {
			valToSet = valToSet.Addr()
		}

		v.Set(valToSet)
		return v.Interface(), nil
	}

	return cfg.traverseConfig(key, f)
}

// Get gets the config value referenced by `key`.
func (cfg *Config) Get(key string) (interface{}, error) {
	return cfg.traverseConfig(key, func(v reflect.Value, key string) (interface{}, error) {
		return v.Interface(), nil
	})
}
