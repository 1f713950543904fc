// Package secure wraps memguard so cached secret material is encrypted at
// rest in process memory and protected from swapping. The lease cache stores
// encoded secret values in a Buffer instead of plain byte slices.
package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when reading a buffer after Destroy.
var ErrDestroyed = errors.New("secure buffer destroyed")

// Buffer holds sensitive bytes in an encrypted memguard enclave. The enclave
// encrypts with XSalsa20Poly1305, attempts to mlock the backing pages, and
// guards against overflow with guard pages.
type Buffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewBuffer copies data into a protected enclave. The caller keeps ownership
// of data and should zero it when possible; memguard wipes its own copy on
// enclave open/reseal cycles.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// Bytes decrypts the enclave and returns a heap copy of the plaintext. The
// locked buffer used for decryption is destroyed before returning, so the
// only plaintext left is the returned copy owned by the caller.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return nil, ErrDestroyed
	}

	locked, err := b.enclave.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()

	out := make([]byte, len(locked.Bytes()))
	copy(out, locked.Bytes())
	return out, nil
}

// Destroy marks the buffer unusable. Idempotent. The encrypted enclave bytes
// are safe to leave for garbage collection.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	b.enclave = nil
}
