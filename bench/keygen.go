package bench

import (
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyDistribution defines how keys are accessed
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // All keys equally likely
	DistZipfian    KeyDistribution = "zipfian"    // 80/20 rule (realistic)
	DistSequential KeyDistribution = "sequential" // Sequential access
	DistLatest     KeyDistribution = "latest"     // Recent keys (time-series)
	DistState      KeyDistribution = "state"      // Keccak-hashed account keys
)

// KeyGenerator generates keys according to distribution
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution

	mu  sync.Mutex
	rng *mrand.Rand

	// For Zipfian distribution
	zipf *mrand.Zipf

	// For sequential
	seqCounter atomic.Int64
}

func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))

	kg := &KeyGenerator{
		numKeys:      numKeys,
		keySize:      keySize,
		distribution: distribution,
		rng:          rng,
	}

	if distribution == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys))
	}

	return kg
}

// NextKey picks a key number from the configured distribution and formats
// it. Safe for concurrent workers.
func (kg *KeyGenerator) NextKey() []byte {
	var keyNum int

	switch kg.distribution {
	case DistSequential:
		keyNum = int(kg.seqCounter.Add(1) % int64(kg.numKeys))

	default:
		kg.mu.Lock()
		keyNum = kg.pickLocked()
		kg.mu.Unlock()
	}

	return kg.formatKey(keyNum)
}

func (kg *KeyGenerator) pickLocked() int {
	switch kg.distribution {
	case DistZipfian:
		return int(kg.zipf.Uint64())

	case DistLatest:
		// Access recent keys more often (exponential decay)
		span := kg.numKeys / 10
		if span < 100 {
			span = 100
		}
		offset := int(math.Abs(kg.rng.NormFloat64()) * float64(span))
		keyNum := kg.numKeys - 1 - offset
		if keyNum < 0 {
			keyNum = 0
		}
		return keyNum

	default:
		return kg.rng.Intn(kg.numKeys)
	}
}

// GenerateSequential returns the formatted key for index n, used for
// preloading.
func (kg *KeyGenerator) GenerateSequential(n int) []byte {
	return kg.formatKey(n)
}

func (kg *KeyGenerator) formatKey(n int) []byte {
	if kg.distribution == DistState {
		return kg.stateKey(n)
	}

	// Format: user<padded-number>, padded or truncated to keySize
	key := fmt.Sprintf("user%010d", n)

	if len(key) < kg.keySize {
		padding := make([]byte, kg.keySize-len(key))
		if len(padding) >= 8 {
			binary.LittleEndian.PutUint64(padding, uint64(n))
		} else {
			for i := range padding {
				padding[i] = byte(n + i)
			}
		}
		return append([]byte(key), padding...)
	}

	return []byte(key)[:kg.keySize]
}

// stateKey derives a key the way state databases do: the keccak hash of a
// 20-byte account address. This spreads keys uniformly through the key
// space regardless of the account number's locality.
func (kg *KeyGenerator) stateKey(n int) []byte {
	addr := make([]byte, 20)
	binary.BigEndian.PutUint64(addr[12:], uint64(n))

	hashed := crypto.Keccak256(addr)
	if kg.keySize <= len(hashed) {
		return hashed[:kg.keySize]
	}

	key := make([]byte, kg.keySize)
	for i := 0; i < kg.keySize; i += copy(key[i:], hashed) {
	}
	return key
}
