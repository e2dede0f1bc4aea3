package validator

import (
	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/bscript/interpreter/scriptflag"
)

// ValidationFlags is the set of rules in force for a block, derived from its parent. It is
// computed once per block (or once per mempool acceptance, for the block after the tip) and
// passed by value.
type ValidationFlags struct {
	Height         int32 // height of the block the rules apply to
	MedianTimePast int64 // median time past of its parent

	P2SH            bool
	BIP34           bool
	StrictDER       bool // BIP66
	CLTV            bool // BIP65
	CSV             bool // BIP68, BIP112, BIP113
	UAHF            bool // SIGHASH_FORKID, strict encoding
	DAA             bool // LOW_S, NULLFAIL
	MagneticAnomaly bool // CTOR, CHECKDATASIG, min tx size, push-only scriptSig, clean stack
	Graviton        bool // MINIMALDATA
	Phonon          bool
	Axion           bool
}

// NewValidationFlags returns the rules for the block following prev. prev is nil for the
// genesis block, which is never validated against any rule.
func NewValidationFlags(prev *model.BlockIndex, params *chaincfg.Params) ValidationFlags {
	if prev == nil {
		return ValidationFlags{}
	}

	height := prev.Height + 1

	return ValidationFlags{
		Height:          height,
		MedianTimePast:  prev.MedianTimePast(),
		P2SH:            true,
		BIP34:           height >= params.BIP0034Height,
		StrictDER:       height >= params.BIP0066Height,
		CLTV:            height >= params.BIP0065Height,
		CSV:             height >= params.CSVHeight,
		UAHF:            prev.Height >= params.UAHFHeight,
		DAA:             prev.Height >= params.DAAHeight,
		MagneticAnomaly: prev.Height >= params.MagneticAnomalyHeight,
		Graviton:        prev.Height >= params.GravitonHeight,
		Phonon:          prev.Height >= params.PhononHeight,
		Axion:           prev.Height >= params.AxionHeight,
	}
}

// LockTimeCutoff is the time absolute lock times are compared with: the parent's median time
// past once BIP113 is active, the block's own timestamp before.
func (f ValidationFlags) LockTimeCutoff(blockTime int64) int64 {
	if f.CSV {
		return f.MedianTimePast
	}

	return blockTime
}

// ScriptFlags returns the consensus interpreter flags.
func (f ValidationFlags) ScriptFlags() scriptflag.Flag {
	var flags scriptflag.Flag

	if f.P2SH {
		flags |= scriptflag.Bip16
	}

	if f.StrictDER {
		flags |= scriptflag.VerifyDERSignatures
	}

	if f.CLTV {
		flags |= scriptflag.VerifyCheckLockTimeVerify
	}

	if f.CSV {
		flags |= scriptflag.VerifyCheckSequenceVerify
	}

	if f.UAHF {
		flags |= scriptflag.VerifyStrictEncoding | scriptflag.EnableSighashForkID | scriptflag.VerifyBip143SigHash
	}

	if f.DAA {
		flags |= scriptflag.VerifyLowS | scriptflag.VerifyNullFail
	}

	if f.MagneticAnomaly {
		flags |= scriptflag.VerifySigPushOnly | scriptflag.VerifyCleanStack
	}

	if f.Graviton {
		flags |= scriptflag.VerifyMinimalData
	}

	return flags
}

// StandardScriptFlags adds the relay policy flags to the consensus flags. A script that only
// fails the policy flags is non-standard, not invalid.
func (f ValidationFlags) StandardScriptFlags() scriptflag.Flag {
	return f.ScriptFlags() |
		scriptflag.Bip16 |
		scriptflag.VerifyDERSignatures |
		scriptflag.VerifyStrictEncoding |
		scriptflag.VerifyLowS |
		scriptflag.VerifyNullFail |
		scriptflag.VerifyMinimalData |
		scriptflag.DiscourageUpgradableNops |
		scriptflag.VerifyCleanStack |
		scriptflag.VerifyCheckLockTimeVerify |
		scriptflag.VerifyCheckSequenceVerify
}
