package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

var (
	bucketMain    = []byte("main_chain_by_height")
	bucketHeaders = []byte("headers_by_commitment")
	bucketForks   = []byte("fork_candidates")
	bucketMeta    = []byte("meta")

	keyTip = []byte("tip")
)

// BoltStore keeps relay state in a single bbolt file. Every Commit is one
// bbolt read-write transaction.
type BoltStore struct {
	networkDir string
	db         *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBolt(datadir string, network string) (*BoltStore, error) {
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
	if err := checkOrWriteManifest(networkDir, network, BackendBolt); err != nil {
		return nil, err
	}

	path := filepath.Join(networkDir, "db", "relay.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMain, bucketHeaders, bucketForks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &BoltStore{networkDir: networkDir, db: bdb}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) NetworkDir() string { return s.networkDir }

func heightKey(h uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], h)
	return k[:]
}

func (s *BoltStore) LoadTip() (Tip, bool, error) {
	var (
		tip Tip
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyTip)
		if v == nil {
			return nil
		}
		t, err := decodeTip(v)
		if err != nil {
			return err
		}
		tip, ok = t, true
		return nil
	})
	return tip, ok, err
}

func (s *BoltStore) CommitmentAt(height uint32) ([32]byte, bool, error) {
	var (
		out [32]byte
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMain).Get(heightKey(height))
		if v == nil {
			return nil
		}
		if len(v) != 32 {
			return fmt.Errorf("main chain: bad commitment length %d at height %d", len(v), height)
		}
		copy(out[:], v)
		ok = true
		return nil
	})
	return out, ok, err
}

func (s *BoltStore) HeaderByCommitment(commitment [32]byte) (consensus.StoredHeader, bool, error) {
	var (
		out consensus.StoredHeader
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeaders).Get(commitment[:])
		if v == nil {
			return nil
		}
		h, err := consensus.DecodeStoredHeader(v, 0)
		if err != nil {
			return fmt.Errorf("header archive: %w", err)
		}
		out, ok = h, true
		return nil
	})
	return out, ok, err
}

func (s *BoltStore) LoadFork(key ForkKey) (ForkCandidate, bool, error) {
	var (
		out ForkCandidate
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketForks).Get(encodeForkKey(key))
		if v == nil {
			return nil
		}
		f, err := decodeForkCandidate(key, v)
		if err != nil {
			return err
		}
		out, ok = f, true
		return nil
	})
	return out, ok, err
}

func (s *BoltStore) ForkCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketForks).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Commit(cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		headers := tx.Bucket(bucketHeaders)
		for _, h := range cs.Headers {
			c := h.Commitment()
			if err := headers.Put(c[:], h.Encode()); err != nil {
				return fmt.Errorf("put header: %w", err)
			}
		}
		main := tx.Bucket(bucketMain)
		for _, e := range cs.Canonical {
			c := e.Commitment
			if err := main.Put(heightKey(e.Height), c[:]); err != nil {
				return fmt.Errorf("put main chain %d: %w", e.Height, err)
			}
		}
		forks := tx.Bucket(bucketForks)
		for _, k := range cs.DeleteForks {
			if err := forks.Delete(encodeForkKey(k)); err != nil {
				return fmt.Errorf("delete fork %s: %w", k, err)
			}
		}
		for _, f := range cs.PutForks {
			v, err := encodeForkCandidate(f)
			if err != nil {
				return err
			}
			if err := forks.Put(encodeForkKey(f.Key), v); err != nil {
				return fmt.Errorf("put fork %s: %w", f.Key, err)
			}
		}
		if cs.Tip != nil {
			v, err := encodeTip(*cs.Tip)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketMeta).Put(keyTip, v); err != nil {
				return fmt.Errorf("put tip: %w", err)
			}
		}
		return nil
	})
}
