package compensation

import (
	"context"
	"sync"
)

// MemoryClaims is a process-local ClaimStore.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

// NewMemoryClaims creates an empty claim store.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: make(map[string]struct{})}
}

// Claim returns true the first time key is seen.
func (m *MemoryClaims) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[key]; ok {
		return false, nil
	}
	m.claims[key] = struct{}{}
	return true, nil
}

// MemoryDeadLetters keeps letters in memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []Letter
}

// Send appends letter.
func (m *MemoryDeadLetters) Send(ctx context.Context, letter Letter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, letter)
	return nil
}

// Letters returns a copy of the stored letters.
func (m *MemoryDeadLetters) Letters() []Letter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Letter(nil), m.letters...)
}

var (
	_ ClaimStore     = (*MemoryClaims)(nil)
	_ DeadLetterSink = (*MemoryDeadLetters)(nil)
)
