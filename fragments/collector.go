package fragments

import (
	"sync"
)

// Collector buffers shares submitted asynchronously by guardians until a
// threshold is reached. Shares live in memory only and are wiped when taken
// or reset.
type Collector struct {
	mu      sync.Mutex
	byVault map[string]*pending
}

type pending struct {
	generation int
	shares     map[string]Share // by guardian
}

func NewCollector() *Collector {
	return &Collector{byVault: make(map[string]*pending)}
}

// Add stores share for the vault's current generation and returns the
// number of distinct guardians collected so far. Shares of an older
// generation are discarded when a newer generation is seen.
func (c *Collector) Add(vaultID string, generation int, share Share) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byVault[vaultID]
	if !ok || p.generation != generation {
		if ok {
			p.wipe()
		}
		p = &pending{generation: generation, shares: make(map[string]Share)}
		c.byVault[vaultID] = p
	}

	if old, ok := p.shares[share.GuardianID]; ok {
		wipeBytes(old.Data)
	}
	share.Data = append([]byte(nil), share.Data...)
	p.shares[share.GuardianID] = share
	return len(p.shares)
}

// Snapshot returns copies of the collected shares for generation.
func (c *Collector) Snapshot(vaultID string, generation int) []Share {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byVault[vaultID]
	if !ok || p.generation != generation {
		return nil
	}
	res := make([]Share, 0, len(p.shares))
	for _, s := range p.shares {
		s.Data = append([]byte(nil), s.Data...)
		res = append(res, s)
	}
	return res
}

// Count returns how many shares are held for the vault.
func (c *Collector) Count(vaultID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byVault[vaultID]; ok {
		return len(p.shares)
	}
	return 0
}

// Reset wipes and forgets every share collected for the vault.
func (c *Collector) Reset(vaultID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byVault[vaultID]; ok {
		p.wipe()
		delete(c.byVault, vaultID)
	}
}

// WipeShares zeroes the data of shares handed out by Snapshot.
func WipeShares(shares []Share) {
	for _, s := range shares {
		wipeBytes(s.Data)
	}
}

func (p *pending) wipe() {
	for _, s := range p.shares {
		wipeBytes(s.Data)
	}
}
