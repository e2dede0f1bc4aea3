package validator

import (
	"sort"
	"strconv"
	"time"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
)

// DoubleSpendProof records two transactions spending the same outpoint.
type DoubleSpendProof struct {
	ID       int
	Outpoint model.Outpoint
	First    *bt.Tx
	Second   *bt.Tx
	Created  time.Time
}

// DoubleSpendProofs keeps the proofs created by the mempool until they expire. A proof is
// only relevant while the first spend is unconfirmed.
type DoubleSpendProofs struct {
	cache  *cache.Cache
	nextID *atomic.Int64
}

func NewDoubleSpendProofs(expiry time.Duration) *DoubleSpendProofs {
	initPrometheusMetrics()

	return &DoubleSpendProofs{
		cache:  cache.New(expiry, expiry/2),
		nextID: atomic.NewInt64(0),
	}
}

// Add stores a proof that first and second both spend outpoint and returns it.
func (d *DoubleSpendProofs) Add(outpoint model.Outpoint, first, second *bt.Tx) *DoubleSpendProof {
	proof := &DoubleSpendProof{
		ID:       int(d.nextID.Inc()),
		Outpoint: outpoint,
		First:    first,
		Second:   second,
		Created:  time.Now(),
	}

	d.cache.Set(strconv.Itoa(proof.ID), proof, cache.DefaultExpiration)

	prometheusDoubleSpendProofs.Inc()

	return proof
}

func (d *DoubleSpendProofs) Get(id int) (*DoubleSpendProof, bool) {
	v, ok := d.cache.Get(strconv.Itoa(id))
	if !ok {
		return nil, false
	}

	return v.(*DoubleSpendProof), true
}

// ForTx returns the proofs involving txID, oldest first.
func (d *DoubleSpendProofs) ForTx(txID chainhash.Hash) []*DoubleSpendProof {
	var proofs []*DoubleSpendProof

	for _, item := range d.cache.Items() {
		proof := item.Object.(*DoubleSpendProof)
		if *proof.First.TxIDChainHash() == txID || *proof.Second.TxIDChainHash() == txID {
			proofs = append(proofs, proof)
		}
	}

	sort.Slice(proofs, func(i, j int) bool {
		return proofs[i].Created.Before(proofs[j].Created)
	})

	return proofs
}

func (d *DoubleSpendProofs) Len() int {
	return d.cache.ItemCount()
}
