package pow

import (
	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/model"
	"go.uber.org/atomic"
)

// AnchorCache remembers the ASERT anchor block of the active chain. It is owned by the
// validation engine, which resets it whenever the chain is reorganised or a block is
// invalidated.
type AnchorCache struct {
	anchor atomic.Pointer[model.BlockIndex]
}

func NewAnchorCache() *AnchorCache {
	return &AnchorCache{}
}

// Get returns the anchor for the chain ending at prev: the first block at the activation
// height. A nil cache looks the anchor up without storing it.
func (c *AnchorCache) Get(prev *model.BlockIndex, params *chaincfg.Params) *model.BlockIndex {
	if prev == nil || prev.Height < params.AxionHeight {
		return nil
	}

	if c != nil {
		if cached := c.anchor.Load(); cached != nil && prev.GetAncestor(cached.Height) == cached {
			return cached
		}
	}

	anchor := prev.GetAncestor(params.AxionHeight)

	if c != nil && anchor != nil {
		c.anchor.Store(anchor)
	}

	return anchor
}

// Reset forgets the cached anchor.
func (c *AnchorCache) Reset() {
	c.anchor.Store(nil)
}
