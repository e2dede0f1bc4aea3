package model

import (
	"sync"
)

// Chain is an in-memory indexed chain of blocks from genesis to a tip. It is used both for
// the validated active chain and for the best header chain.
type Chain struct {
	mu     sync.RWMutex
	blocks []*BlockIndex
}

func NewChain() *Chain {
	return &Chain{}
}

// Genesis returns the first block, nil for an empty chain.
func (c *Chain) Genesis() *BlockIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return nil
	}

	return c.blocks[0]
}

// Tip returns the last block, nil for an empty chain.
func (c *Chain) Tip() *BlockIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return nil
	}

	return c.blocks[len(c.blocks)-1]
}

// Height returns the height of the tip, -1 for an empty chain.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return int32(len(c.blocks)) - 1 //nolint:gosec // chain length fits int32
}

// At returns the block at height, nil when out of range.
func (c *Chain) At(height int32) *BlockIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.at(height)
}

func (c *Chain) at(height int32) *BlockIndex {
	if height < 0 || int(height) >= len(c.blocks) {
		return nil
	}

	return c.blocks[height]
}

// Contains reports whether idx is part of the chain.
func (c *Chain) Contains(idx *BlockIndex) bool {
	if idx == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.at(idx.Height) == idx
}

// Next returns the successor of idx on this chain, nil when idx is the tip or not part of it.
func (c *Chain) Next(idx *BlockIndex) *BlockIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.at(idx.Height) != idx {
		return nil
	}

	return c.at(idx.Height + 1)
}

// SetTip makes idx the tip, replacing blocks from the fork point upward. A nil idx clears
// the chain.
func (c *Chain) SetTip(idx *BlockIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx == nil {
		c.blocks = nil
		return
	}

	newLen := int(idx.Height) + 1

	switch {
	case newLen <= len(c.blocks):
		// drop stale entries so a later extension cannot match them
		clear(c.blocks[newLen:])
		c.blocks = c.blocks[:newLen]
	case newLen <= cap(c.blocks):
		c.blocks = c.blocks[:newLen]
	default:
		grown := make([]*BlockIndex, newLen, newLen*2)
		copy(grown, c.blocks)
		c.blocks = grown
	}

	for walk := idx; walk != nil && c.blocks[walk.Height] != walk; walk = walk.Prev {
		c.blocks[walk.Height] = walk
	}
}

// FindFork returns the last block of idx's ancestry that is on this chain.
func (c *Chain) FindFork(idx *BlockIndex) *BlockIndex {
	if idx == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	tipHeight := int32(len(c.blocks)) - 1 //nolint:gosec // chain length fits int32
	if idx.Height > tipHeight {
		idx = idx.GetAncestor(tipHeight)
	}

	for idx != nil && c.at(idx.Height) != idx {
		idx = idx.Prev
	}

	return idx
}
