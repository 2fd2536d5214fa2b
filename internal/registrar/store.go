package registrar

import (
	"time"

	"github.com/nextwave-voice/b2bua/internal/store"
)

// Store is the AoR -> Binding table, TTL-backed so expired bindings vanish
// on their own instead of needing an explicit sweep caller (spec.md
// section 3 invariant: a Binding is only valid while ExpiresAt is in the
// future). Grounded on services/signaling/registration/handler.go's Store,
// generalized to reuse internal/store.TTLStore the way internal/dialog's
// Manager does.
type Store struct {
	bindings *store.TTLStore[string, *Binding]
}

func NewStore() *Store {
	return &Store{bindings: store.NewTTLStore[string, *Binding](30 * time.Second)}
}

// Put inserts or replaces the binding for b.AOR, enforcing the
// at-most-one-binding-per-AoR invariant by overwrite.
func (s *Store) Put(b *Binding) {
	s.bindings.SetWithExpiry(b.AOR, b, b.ExpiresAt)
}

func (s *Store) Get(aor string) (*Binding, bool) {
	return s.bindings.Get(aor)
}

func (s *Store) Remove(aor string) {
	s.bindings.Delete(aor)
}

// Count reports the number of live bindings, exported for metrics.
func (s *Store) Count() int {
	return s.bindings.Len()
}

func (s *Store) Close() {
	s.bindings.Close()
}
