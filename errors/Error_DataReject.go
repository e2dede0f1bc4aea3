package errors

import "fmt"

// RejectCode represents a numeric value by which a remote peer is told why a block or
// transaction was rejected.
type RejectCode int

// These constants define the reject codes sent to peers.
const (
	RejectMalformed       RejectCode = 0x01
	RejectInvalid         RejectCode = 0x10
	RejectObsolete        RejectCode = 0x11
	RejectDuplicate       RejectCode = 0x12
	RejectNonstandard     RejectCode = 0x40
	RejectDust            RejectCode = 0x41
	RejectInsufficientFee RejectCode = 0x42
	RejectCheckpoint      RejectCode = 0x43
	RejectExceedsLimit    RejectCode = 0x44
)

// Internal reject codes, never sent over the wire.
const (
	RejectHighFee      RejectCode = 0x100
	RejectAlreadyKnown RejectCode = 0x101
	RejectConflict     RejectCode = 0x102
)

var rejectCodeStrings = map[RejectCode]string{
	RejectMalformed:       "REJECT_MALFORMED",
	RejectInvalid:         "REJECT_INVALID",
	RejectObsolete:        "REJECT_OBSOLETE",
	RejectDuplicate:       "REJECT_DUPLICATE",
	RejectNonstandard:     "REJECT_NONSTANDARD",
	RejectDust:            "REJECT_DUST",
	RejectInsufficientFee: "REJECT_INSUFFICIENTFEE",
	RejectCheckpoint:      "REJECT_CHECKPOINT",
	RejectExceedsLimit:    "REJECT_EXCEEDSLIMIT",
	RejectHighFee:         "REJECT_HIGHFEE",
	RejectAlreadyKnown:    "REJECT_ALREADYKNOWN",
	RejectConflict:        "REJECT_CONFLICT",
}

// String returns the RejectCode in human-readable form.
func (code RejectCode) String() string {
	if s, ok := rejectCodeStrings[code]; ok {
		return s
	}

	return fmt.Sprintf("Unknown RejectCode (%d)", int(code))
}

// IsInternal reports whether the code must not be relayed to a peer.
func (code RejectCode) IsInternal() bool {
	return code >= RejectHighFee
}

// RejectData is the typed data carried by every validation failure.
//
// Punishment is the score (0-100) the network layer should add to the misbehaviour of the
// originating peer. CorruptionPossible is set when the failure may be caused by local data
// corruption rather than by the sender, in which case the item must not be cached as invalid.
type RejectData struct {
	RejectCode         RejectCode `json:"rejectCode"`
	Punishment         int        `json:"punishment"`
	CorruptionPossible bool       `json:"corruptionPossible"`
	Reason             string     `json:"reason"`
}

func (r *RejectData) Error() string {
	return fmt.Sprintf("%s (%d): %s, punishment %d, corruption possible %t", r.RejectCode, int(r.RejectCode), r.Reason, r.Punishment, r.CorruptionPossible)
}

func (r *RejectData) GetData(key string) interface{} {
	switch key {
	case "rejectCode":
		return r.RejectCode
	case "punishment":
		return r.Punishment
	case "corruptionPossible":
		return r.CorruptionPossible
	case "reason":
		return r.Reason
	}

	return nil
}

func (r *RejectData) SetData(key string, value interface{}) {
	switch key {
	case "punishment":
		if v, ok := value.(int); ok {
			r.Punishment = v
		}
	case "corruptionPossible":
		if v, ok := value.(bool); ok {
			r.CorruptionPossible = v
		}
	}
}

func (r *RejectData) rejectData() *RejectData {
	return r
}

type rejectDataProvider interface {
	rejectData() *RejectData
}

func newReject(errCode ERR, code RejectCode, punishment int, corruption bool, reason string, params ...interface{}) *Error {
	e := New(errCode, reason, params...)

	e.data = &RejectData{
		RejectCode:         code,
		Punishment:         clampPunishment(punishment),
		CorruptionPossible: corruption,
		Reason:             e.message,
	}

	return e
}

// NewBlockRejectError creates a block validation failure. The reason is the short token sent
// to peers, e.g. "bad-txnmrklroot"; params are formatted into it as with New.
func NewBlockRejectError(code RejectCode, punishment int, reason string, params ...interface{}) error {
	return newReject(ERR_BLOCK_INVALID, code, punishment, false, reason, params...)
}

// NewTxRejectError creates a transaction validation failure.
func NewTxRejectError(code RejectCode, punishment int, reason string, params ...interface{}) error {
	return newReject(ERR_TX_INVALID, code, punishment, false, reason, params...)
}

// NewCorruptionError creates a failure that cannot be blamed on the sender.
func NewCorruptionError(reason string, params ...interface{}) error {
	return newReject(ERR_CORRUPTION, RejectInvalid, 0, true, reason, params...)
}

// GetRejectData returns the reject data found in err or in any error it wraps.
func GetRejectData(err error) (*RejectData, bool) {
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			return nil, false
		}

		if p, ok := e.data.(rejectDataProvider); ok {
			return p.rejectData(), true
		}

		err = e.wrappedErr
	}

	return nil, false
}

// RejectCodeOf returns the reject code of err, RejectInvalid when err carries none.
func RejectCodeOf(err error) RejectCode {
	if r, ok := GetRejectData(err); ok {
		return r.RejectCode
	}

	return RejectInvalid
}

// PunishmentOf returns the punishment score carried by err, 0 when it carries none.
func PunishmentOf(err error) int {
	if r, ok := GetRejectData(err); ok {
		return r.Punishment
	}

	return 0
}

// IsCorruptionPossible reports whether err may have been caused by local corruption.
func IsCorruptionPossible(err error) bool {
	if r, ok := GetRejectData(err); ok {
		return r.CorruptionPossible
	}

	return false
}

// RejectReason formats err the way it is reported back to the submitter: the numeric reject
// code followed by the reason, e.g. "16: bad-txns-inputs-duplicate".
func RejectReason(err error) string {
	if err == nil {
		return ""
	}

	if r, ok := GetRejectData(err); ok {
		return fmt.Sprintf("%d: %s", int(r.RejectCode), r.Reason)
	}

	var e *Error
	if As(err, &e) {
		return fmt.Sprintf("%d: %s", int(RejectInvalid), e.Message())
	}

	return fmt.Sprintf("%d: %s", int(RejectInvalid), err.Error())
}

func clampPunishment(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
