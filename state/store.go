package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"loaner/native/loaner"
	"loaner/storage"
)

const formatVersion uint64 = 1

var (
	snapshotPrefix  = []byte("loaner/snapshot/")
	manifestKey     = []byte("loaner/snapshot/manifest")
	registryKey     = []byte("loaner/snapshot/registry")
	ledgerKey       = []byte("loaner/snapshot/ledger")
	vaultKey        = []byte("loaner/snapshot/vault")
	communityPrefix = []byte("loaner/snapshot/community/")
	poolPrefix      = []byte("loaner/snapshot/pool/")
	loanPrefix      = []byte("loaner/snapshot/loan/")
)

var (
	// ErrNoSnapshot is returned by Load when nothing was saved yet.
	ErrNoSnapshot = errors.New("state: no snapshot stored")
	// ErrCorrupt is returned when stored records fail to decode or verify.
	ErrCorrupt = errors.New("state: snapshot corrupt")
)

type manifest struct {
	Version     uint64
	TakenAt     uint64
	Checksum    [32]byte
	Communities uint64
	Pools       uint64
	Loans       uint64
	HasLedger   bool
}

// Manifest describes the stored snapshot.
type Manifest struct {
	Version     uint64
	TakenAt     int64
	Checksum    [32]byte
	Communities int
	Pools       int
	Loans       int
}

// Store persists registry snapshots in a key-value database. Each save
// replaces the previous snapshot atomically.
type Store struct {
	db storage.Database
	mu sync.Mutex
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Save writes st, replacing any earlier snapshot, and returns its manifest.
func (s *Store) Save(st loaner.State) (Manifest, error) {
	if s == nil || s.db == nil {
		return Manifest{}, fmt.Errorf("state store not initialised")
	}
	entries, err := encodeState(st)
	if err != nil {
		return Manifest{}, err
	}
	m := manifest{
		Version:     formatVersion,
		TakenAt:     seconds(st.TakenAt),
		Checksum:    checksum(entries),
		Communities: uint64(len(st.Communities)),
		Pools:       uint64(len(st.Pools)),
		Loans:       uint64(len(st.Loans)),
		HasLedger:   st.Ledger != nil,
	}
	encodedManifest, err := rlp.EncodeToBytes(&m)
	if err != nil {
		return Manifest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	batch := storage.NewBatch()
	fresh := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		fresh[string(e.key)] = struct{}{}
	}
	if err := s.db.Iterate(snapshotPrefix, func(key, _ []byte) bool {
		if _, ok := fresh[string(key)]; !ok {
			batch.Delete(key)
		}
		return true
	}); err != nil {
		return Manifest{}, err
	}
	for _, e := range entries {
		batch.Put(e.key, e.value)
	}
	batch.Put(manifestKey, encodedManifest)
	if err := s.db.Write(batch); err != nil {
		return Manifest{}, fmt.Errorf("state: write snapshot: %w", err)
	}
	return m.public(), nil
}

// Load reads and verifies the stored snapshot.
func (s *Store) Load() (loaner.State, Manifest, error) {
	if s == nil || s.db == nil {
		return loaner.State{}, Manifest{}, fmt.Errorf("state store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(manifestKey)
	if errors.Is(err, storage.ErrNotFound) {
		return loaner.State{}, Manifest{}, ErrNoSnapshot
	}
	if err != nil {
		return loaner.State{}, Manifest{}, err
	}
	var m manifest
	if err := rlp.DecodeBytes(raw, &m); err != nil {
		return loaner.State{}, Manifest{}, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	if m.Version != formatVersion {
		return loaner.State{}, Manifest{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, m.Version)
	}

	var entries []entry
	if err := s.db.Iterate(snapshotPrefix, func(key, value []byte) bool {
		if !bytes.Equal(key, manifestKey) {
			entries = append(entries, entry{key: key, value: value})
		}
		return true
	}); err != nil {
		return loaner.State{}, Manifest{}, err
	}
	if checksum(entries) != m.Checksum {
		return loaner.State{}, Manifest{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	st, err := decodeState(entries)
	if err != nil {
		return loaner.State{}, Manifest{}, err
	}
	if uint64(len(st.Communities)) != m.Communities || uint64(len(st.Pools)) != m.Pools || uint64(len(st.Loans)) != m.Loans {
		return loaner.State{}, Manifest{}, fmt.Errorf("%w: entity counts disagree with manifest", ErrCorrupt)
	}
	return st, m.public(), nil
}

func (m manifest) public() Manifest {
	return Manifest{
		Version:     m.Version,
		TakenAt:     int64(m.TakenAt),
		Checksum:    m.Checksum,
		Communities: int(m.Communities),
		Pools:       int(m.Pools),
		Loans:       int(m.Loans),
	}
}

type entry struct {
	key   []byte
	value []byte
}

// checksum hashes entries in key order; entries from Iterate already are.
func checksum(entries []entry) [32]byte {
	h := blake3.New(32, nil)
	for _, e := range entries {
		_, _ = h.Write(e.key)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(e.value)
		_, _ = h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// keyed builds an entity key. The zero-padded index keeps creation order
// under the database's key ordering.
func keyed(prefix []byte, index int) []byte {
	return append(append([]byte(nil), prefix...), fmt.Sprintf("%016x", index)...)
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
}

// encodeState produces the snapshot entries sorted by key.
func encodeState(st loaner.State) ([]entry, error) {
	var entries []entry
	put := func(key []byte, v interface{}) error {
		encoded, err := rlp.EncodeToBytes(v)
		if err != nil {
			return fmt.Errorf("state: encode %s: %w", key, err)
		}
		entries = append(entries, entry{key: key, value: encoded})
		return nil
	}
	reg := encodeRegistry(st)
	if err := put(registryKey, &reg); err != nil {
		return nil, err
	}
	for i, c := range st.Communities {
		rec := encodeCommunity(c)
		if err := put(keyed(communityPrefix, i), &rec); err != nil {
			return nil, err
		}
	}
	for i, p := range st.Pools {
		rec := encodePool(p)
		if err := put(keyed(poolPrefix, i), &rec); err != nil {
			return nil, err
		}
	}
	for i, l := range st.Loans {
		rec := encodeLoan(l)
		if err := put(keyed(loanPrefix, i), &rec); err != nil {
			return nil, err
		}
	}
	if st.Ledger != nil {
		rec := encodeLedger(st.Ledger)
		if err := put(ledgerKey, &rec); err != nil {
			return nil, err
		}
	}
	if len(st.VaultPositions) > 0 {
		positions := encodePositions(st.VaultPositions)
		if err := put(vaultKey, positions); err != nil {
			return nil, err
		}
	}
	sortEntries(entries)
	return entries, nil
}

func decodeState(entries []entry) (loaner.State, error) {
	var st loaner.State
	var loans []loanRecord
	var pools []poolRecord
	var communities []communityRecord
	seenRegistry := false
	for _, e := range entries {
		var err error
		switch {
		case bytes.Equal(e.key, registryKey):
			var rec registryRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				err = decodeRegistry(rec, &st)
				seenRegistry = true
			}
		case bytes.Equal(e.key, ledgerKey):
			var rec ledgerRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				st.Ledger, err = decodeLedger(rec)
			}
		case bytes.Equal(e.key, vaultKey):
			var rec []balanceRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				st.VaultPositions, err = decodePositions(rec)
			}
		case bytes.HasPrefix(e.key, communityPrefix):
			var rec communityRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				communities = append(communities, rec)
			}
		case bytes.HasPrefix(e.key, poolPrefix):
			var rec poolRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				pools = append(pools, rec)
			}
		case bytes.HasPrefix(e.key, loanPrefix):
			var rec loanRecord
			if err = rlp.DecodeBytes(e.value, &rec); err == nil {
				loans = append(loans, rec)
			}
		default:
			err = fmt.Errorf("unexpected key")
		}
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				return st, err
			}
			return st, fmt.Errorf("%w: %s: %v", ErrCorrupt, e.key, err)
		}
	}
	if !seenRegistry {
		return st, fmt.Errorf("%w: registry record missing", ErrCorrupt)
	}
	for _, rec := range communities {
		snap, err := decodeCommunity(rec)
		if err != nil {
			return st, err
		}
		st.Communities = append(st.Communities, snap)
	}
	for _, rec := range pools {
		snap, err := decodePool(rec)
		if err != nil {
			return st, err
		}
		st.Pools = append(st.Pools, snap)
	}
	for _, rec := range loans {
		snap, err := decodeLoan(rec)
		if err != nil {
			return st, err
		}
		st.Loans = append(st.Loans, snap)
	}
	return st, nil
}
