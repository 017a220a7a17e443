package service

import (
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

const (
	shortCodeLength = 7

	bloomCapacity  = 1_000_000
	bloomFalseRate = 0.001
)

// CodeGenerator produces short codes that are unlikely to collide with codes
// already seen by this process.
type CodeGenerator struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	newID  func() string
}

// NewCodeGenerator returns a generator with an empty filter.
func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{
		filter: bloom.NewWithEstimates(bloomCapacity, bloomFalseRate),
		newID:  uuid.NewString,
	}
}

// Next returns a code not yet known to the filter. A false positive only
// costs another draw; the catalog's unique key is the final arbiter.
func (g *CodeGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		code := strings.ReplaceAll(g.newID(), "-", "")[:shortCodeLength]
		if !g.filter.TestString(code) {
			return code
		}
	}
}

// Seen records code as taken.
func (g *CodeGenerator) Seen(code string) {
	g.mu.Lock()
	g.filter.AddString(code)
	g.mu.Unlock()
}

