package store

import (
	"fmt"
	"path/filepath"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

// KVStore keeps relay state in any tm-db backend. Each Commit is written as
// one synced batch.
type KVStore struct {
	db dbm.DB
}

var _ Store = (*KVStore)(nil)

func NewKVStore(db dbm.DB) *KVStore {
	return &KVStore{db: db}
}

// NewMemKVStore returns an empty in-memory store.
func NewMemKVStore() *KVStore {
	return NewKVStore(dbm.NewMemDB())
}

// OpenLevelDB opens a goleveldb-backed KVStore for network under datadir.
func OpenLevelDB(datadir string, network string) (*KVStore, error) {
	if datadir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if network == "" {
		return nil, fmt.Errorf("network required")
	}
	networkDir := NetworkDir(datadir, network)
	if err := ensureDir(filepath.Join(networkDir, "db")); err != nil {
		return nil, err
	}
	if err := checkOrWriteManifest(networkDir, network, BackendGoLevelDB); err != nil {
		return nil, err
	}
	db, err := dbm.NewDB("relay", dbm.GoLevelDBBackend, filepath.Join(networkDir, "db"))
	if err != nil {
		return nil, fmt.Errorf("open goleveldb: %w", err)
	}
	return NewKVStore(db), nil
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

const (
	prefixTip           = int64(0)
	prefixMainChain     = int64(1)
	prefixHeader        = int64(2)
	prefixForkCandidate = int64(3)
)

func tipKey() []byte {
	key, err := orderedcode.Append(nil, prefixTip)
	if err != nil {
		panic(err)
	}
	return key
}

func mainChainKey(height uint32) []byte {
	key, err := orderedcode.Append(nil, prefixMainChain, int64(height))
	if err != nil {
		panic(err)
	}
	return key
}

func headerKey(commitment [32]byte) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, string(commitment[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func forkKey(k ForkKey) []byte {
	key, err := orderedcode.Append(nil, prefixForkCandidate, string(k.Submitter[:]), int64(k.ForkID))
	if err != nil {
		panic(err)
	}
	return key
}

func forkKeyPrefix() []byte {
	key, err := orderedcode.Append(nil, prefixForkCandidate)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeForkKey(key []byte) (ForkKey, error) {
	var (
		prefix    int64
		submitter string
		forkID    int64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &submitter, &forkID)
	if err != nil {
		return ForkKey{}, err
	}
	if len(remaining) != 0 {
		return ForkKey{}, fmt.Errorf("expected complete key but got remainder: %x", remaining)
	}
	if prefix != prefixForkCandidate || len(submitter) != 20 {
		return ForkKey{}, fmt.Errorf("not a fork candidate key: %x", key)
	}
	var k ForkKey
	copy(k.Submitter[:], submitter)
	k.ForkID = uint32(forkID) // #nosec G115 -- written from a uint32.
	return k, nil
}

//-----------------------------------------------------------------------------

func (s *KVStore) LoadTip() (Tip, bool, error) {
	bz, err := s.db.Get(tipKey())
	if err != nil {
		return Tip{}, false, err
	}
	if len(bz) == 0 {
		return Tip{}, false, nil
	}
	t, err := decodeTip(bz)
	if err != nil {
		return Tip{}, false, err
	}
	return t, true, nil
}

func (s *KVStore) CommitmentAt(height uint32) ([32]byte, bool, error) {
	bz, err := s.db.Get(mainChainKey(height))
	if err != nil {
		return [32]byte{}, false, err
	}
	if len(bz) == 0 {
		return [32]byte{}, false, nil
	}
	if len(bz) != 32 {
		return [32]byte{}, false, fmt.Errorf("main chain: bad commitment length %d at height %d", len(bz), height)
	}
	var out [32]byte
	copy(out[:], bz)
	return out, true, nil
}

func (s *KVStore) HeaderByCommitment(commitment [32]byte) (consensus.StoredHeader, bool, error) {
	bz, err := s.db.Get(headerKey(commitment))
	if err != nil {
		return consensus.StoredHeader{}, false, err
	}
	if len(bz) == 0 {
		return consensus.StoredHeader{}, false, nil
	}
	h, err := consensus.DecodeStoredHeader(bz, 0)
	if err != nil {
		return consensus.StoredHeader{}, false, fmt.Errorf("header archive: %w", err)
	}
	return h, true, nil
}

func (s *KVStore) LoadFork(key ForkKey) (ForkCandidate, bool, error) {
	bz, err := s.db.Get(forkKey(key))
	if err != nil {
		return ForkCandidate{}, false, err
	}
	if len(bz) == 0 {
		return ForkCandidate{}, false, nil
	}
	f, err := decodeForkCandidate(key, bz)
	if err != nil {
		return ForkCandidate{}, false, err
	}
	return f, true, nil
}

func (s *KVStore) ForkCount() (int, error) {
	it, err := dbm.IteratePrefix(s.db, forkKeyPrefix())
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for ; it.Valid(); it.Next() {
		if _, err := decodeForkKey(it.Key()); err != nil {
			return 0, err
		}
		n++
	}
	return n, it.Error()
}

func (s *KVStore) Commit(cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, h := range cs.Headers {
		if err := batch.Set(headerKey(h.Commitment()), h.Encode()); err != nil {
			return fmt.Errorf("put header: %w", err)
		}
	}
	for _, e := range cs.Canonical {
		c := e.Commitment
		if err := batch.Set(mainChainKey(e.Height), c[:]); err != nil {
			return fmt.Errorf("put main chain %d: %w", e.Height, err)
		}
	}
	for _, k := range cs.DeleteForks {
		if err := batch.Delete(forkKey(k)); err != nil {
			return fmt.Errorf("delete fork %s: %w", k, err)
		}
	}
	for _, f := range cs.PutForks {
		v, err := encodeForkCandidate(f)
		if err != nil {
			return err
		}
		if err := batch.Set(forkKey(f.Key), v); err != nil {
			return fmt.Errorf("put fork %s: %w", f.Key, err)
		}
	}
	if cs.Tip != nil {
		v, err := encodeTip(*cs.Tip)
		if err != nil {
			return err
		}
		if err := batch.Set(tipKey(), v); err != nil {
			return fmt.Errorf("put tip: %w", err)
		}
	}
	return batch.WriteSync()
}
