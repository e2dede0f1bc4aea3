package errors

// ERR is the error code carried by every *Error. Codes are grouped in ranges per domain so
// GetErrorCategory can bucket them for logging and metrics.
type ERR int32

const (
	ERR_UNKNOWN            ERR = 0
	ERR_INVALID_ARGUMENT   ERR = 1
	ERR_THRESHOLD_EXCEEDED ERR = 2
	ERR_NOT_FOUND          ERR = 3
	ERR_PROCESSING         ERR = 4
	ERR_CONFIGURATION      ERR = 5
	ERR_CONTEXT            ERR = 6
	ERR_CONTEXT_CANCELED   ERR = 7
	ERR_ERROR              ERR = 9

	// block errors
	ERR_BLOCK_NOT_FOUND      ERR = 10
	ERR_BLOCK_INVALID        ERR = 11
	ERR_BLOCK_EXISTS         ERR = 12
	ERR_BLOCK_ERROR          ERR = 13
	ERR_BLOCK_PARENT_INVALID ERR = 14
	ERR_CHECKPOINT           ERR = 15

	// transaction errors
	ERR_TX_NOT_FOUND            ERR = 30
	ERR_TX_INVALID              ERR = 31
	ERR_TX_INVALID_DOUBLE_SPEND ERR = 32
	ERR_TX_ALREADY_EXISTS       ERR = 33
	ERR_TX_MISSING_PARENT       ERR = 34
	ERR_TX_LOCKTIME             ERR = 35
	ERR_TX_ERROR                ERR = 39

	// service errors
	ERR_SERVICE_UNAVAILABLE ERR = 50
	ERR_SERVICE_NOT_STARTED ERR = 51
	ERR_SERVICE_ERROR       ERR = 52
	ERR_SHUTDOWN            ERR = 53

	// storage errors
	ERR_STORAGE_UNAVAILABLE ERR = 60
	ERR_STORAGE_NOT_STARTED ERR = 61
	ERR_STORAGE_ERROR       ERR = 62
	ERR_CORRUPTION          ERR = 63

	// utxo errors
	ERR_UTXO_NOT_FOUND ERR = 70
	ERR_UTXO_SPENT     ERR = 71
	ERR_UTXO_ERROR     ERR = 72

	// state errors
	ERR_STATE_INITIALIZATION ERR = 100
	ERR_STATE_ERROR          ERR = 101
)

var ERR_name = map[int32]string{
	0:   "UNKNOWN",
	1:   "INVALID_ARGUMENT",
	2:   "THRESHOLD_EXCEEDED",
	3:   "NOT_FOUND",
	4:   "PROCESSING",
	5:   "CONFIGURATION",
	6:   "CONTEXT",
	7:   "CONTEXT_CANCELED",
	9:   "ERROR",
	10:  "BLOCK_NOT_FOUND",
	11:  "BLOCK_INVALID",
	12:  "BLOCK_EXISTS",
	13:  "BLOCK_ERROR",
	14:  "BLOCK_PARENT_INVALID",
	15:  "CHECKPOINT",
	30:  "TX_NOT_FOUND",
	31:  "TX_INVALID",
	32:  "TX_INVALID_DOUBLE_SPEND",
	33:  "TX_ALREADY_EXISTS",
	34:  "TX_MISSING_PARENT",
	35:  "TX_LOCKTIME",
	39:  "TX_ERROR",
	50:  "SERVICE_UNAVAILABLE",
	51:  "SERVICE_NOT_STARTED",
	52:  "SERVICE_ERROR",
	53:  "SHUTDOWN",
	60:  "STORAGE_UNAVAILABLE",
	61:  "STORAGE_NOT_STARTED",
	62:  "STORAGE_ERROR",
	63:  "CORRUPTION",
	70:  "UTXO_NOT_FOUND",
	71:  "UTXO_SPENT",
	72:  "UTXO_ERROR",
	100: "STATE_INITIALIZATION",
	101: "STATE_ERROR",
}

func (x ERR) String() string {
	if name, ok := ERR_name[int32(x)]; ok {
		return name
	}

	return "INVALID_CODE"
}
