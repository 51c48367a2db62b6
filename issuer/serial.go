package issuer

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
)

// serialBits is the size of generated serial numbers. 128 random bits keep
// the collision probability negligible; the UNIQUE constraint on
// (ca_id, serial_number) catches the rest.
const serialBits = 128

// SerialAllocator hands out serial numbers and serializes issuance per CA.
// Concurrent callers against the same CA take turns; callers against
// different CAs do not contend.
type SerialAllocator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSerialAllocator() *SerialAllocator {
	return &SerialAllocator{locks: make(map[string]*sync.Mutex)}
}

// NextSerial returns a fresh positive serial number.
func (a *SerialAllocator) NextSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		serial, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}

// LockCA acquires the per-CA issuance lock and returns the release func.
func (a *SerialAllocator) LockCA(caID string) func() {
	a.mu.Lock()
	lock, ok := a.locks[caID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[caID] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// FormatSerial renders a serial in the canonical stored form: uppercase hex
// without leading zeros.
func FormatSerial(serial *big.Int) string {
	return strings.ToUpper(serial.Text(16))
}
