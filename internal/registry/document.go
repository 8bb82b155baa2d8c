package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// UserRecord is one persisted borrower entry, per spec.md §4.3.
type UserRecord struct {
	User string `yaml:"user"`
}

// document is the on-disk shape: capitalized chain name -> borrower records.
type document map[string][]UserRecord

// chainSet is the in-memory state for one chain: the borrower set plus the
// last block height scanned for new Borrow events.
type chainSet struct {
	borrowers        map[string]struct{}
	lastScannedBlock uint64
}

// Registry is the shared, reader-writer-guarded borrower set described in
// spec.md §3/§4.3. Addresses are only ever added, never removed.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*chainSet
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{chains: make(map[string]*chainSet)}
}

// Load reads a persisted document and normalizes chain names to lowercase
// canonical form. A missing file is not an error — callers fall back to
// backward discovery per spec.md §4.3 "Initial load".
func Load(path string) (*Registry, error) {
	reg := New()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	for chainName, records := range doc {
		chain := strings.ToLower(strings.TrimSpace(chainName))
		if chain == "" {
			continue
		}
		set := reg.chainSetLocked(chain)
		for _, rec := range records {
			addr := strings.ToLower(strings.TrimSpace(rec.User))
			if addr == "" {
				continue
			}
			set.borrowers[addr] = struct{}{}
		}
	}
	return reg, nil
}

// Save emits a list of {user: address-hex} records under the capitalized
// chain name for every chain, per spec.md §4.3 "Save".
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	doc := make(document, len(r.chains))
	for chain, set := range r.chains {
		records := make([]UserRecord, 0, len(set.borrowers))
		for addr := range set.borrowers {
			records = append(records, UserRecord{User: addr})
		}
		doc[capitalize(chain)] = records
	}
	r.mu.RUnlock()

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func (r *Registry) chainSetLocked(chain string) *chainSet {
	set, ok := r.chains[chain]
	if !ok {
		set = &chainSet{borrowers: make(map[string]struct{})}
		r.chains[chain] = set
	}
	return set
}

// AddBorrower adds addr to chain's set, returning true if it was new.
func (r *Registry) AddBorrower(chain, addr string) bool {
	chain = strings.ToLower(strings.TrimSpace(chain))
	addr = strings.ToLower(strings.TrimSpace(addr))
	if chain == "" || addr == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.chainSetLocked(chain)
	if _, exists := set.borrowers[addr]; exists {
		return false
	}
	set.borrowers[addr] = struct{}{}
	return true
}

// Borrowers returns the current borrower set for chain.
func (r *Registry) Borrowers(chain string) []string {
	chain = strings.ToLower(strings.TrimSpace(chain))
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.chains[chain]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set.borrowers))
	for addr := range set.borrowers {
		out = append(out, addr)
	}
	return out
}

// LastScannedBlock returns the last block height discovery completed for
// chain, and whether one has been recorded yet.
func (r *Registry) LastScannedBlock(chain string) (uint64, bool) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.chains[chain]
	if !ok {
		return 0, false
	}
	return set.lastScannedBlock, set.lastScannedBlock > 0
}

// SetLastScannedBlock records the new high-water mark for chain.
func (r *Registry) SetLastScannedBlock(chain string, block uint64) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.chainSetLocked(chain)
	set.lastScannedBlock = block
}

// Chains returns every chain name known to the registry, lowercase.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for chain := range r.chains {
		out = append(out, chain)
	}
	return out
}

func capitalize(chain string) string {
	if chain == "" {
		return chain
	}
	return strings.ToUpper(chain[:1]) + chain[1:]
}
