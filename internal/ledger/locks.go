package ledger

import "sync"

// KeyedMutex hands out one mutex per key. Locks are created on first use and
// never released; the key space (markets, users) is small enough that this
// does not matter.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

// Markets are always locked before users; every caller follows this order so
// the two-key acquisition cannot deadlock.

// LockMarket acquires the serialization lock for one market.
func (k *KeyedMutex) LockMarket(id string) func() {
	return k.Lock("market:" + id)
}

// LockUser acquires the serialization lock for one user's balance.
func (k *KeyedMutex) LockUser(id string) func() {
	return k.Lock("user:" + id)
}
