package errors

var (
	ErrUnknown              = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument      = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrThresholdExceeded    = New(ERR_THRESHOLD_EXCEEDED, "threshold exceeded")
	ErrNotFound             = New(ERR_NOT_FOUND, "not found")
	ErrProcessing           = New(ERR_PROCESSING, "error processing")
	ErrConfiguration        = New(ERR_CONFIGURATION, "configuration error")
	ErrContext              = New(ERR_CONTEXT, "context error")
	ErrContextCanceled      = New(ERR_CONTEXT_CANCELED, "context canceled")
	ErrError                = New(ERR_ERROR, "generic error")
	ErrBlockNotFound        = New(ERR_BLOCK_NOT_FOUND, "block not found")
	ErrBlockInvalid         = New(ERR_BLOCK_INVALID, "block invalid")
	ErrBlockExists          = New(ERR_BLOCK_EXISTS, "block exists")
	ErrBlockError           = New(ERR_BLOCK_ERROR, "block error")
	ErrBlockParentInvalid   = New(ERR_BLOCK_PARENT_INVALID, "block parent invalid")
	ErrCheckpoint           = New(ERR_CHECKPOINT, "checkpoint mismatch")
	ErrTxNotFound           = New(ERR_TX_NOT_FOUND, "tx not found")
	ErrTxInvalid            = New(ERR_TX_INVALID, "tx invalid")
	ErrTxInvalidDoubleSpend = New(ERR_TX_INVALID_DOUBLE_SPEND, "tx invalid double spend")
	ErrTxAlreadyExists      = New(ERR_TX_ALREADY_EXISTS, "tx already exists")
	ErrTxMissingParent      = New(ERR_TX_MISSING_PARENT, "tx missing parent")
	ErrTxLockTime           = New(ERR_TX_LOCKTIME, "bad lock time")
	ErrTxError              = New(ERR_TX_ERROR, "tx error")
	ErrServiceUnavailable   = New(ERR_SERVICE_UNAVAILABLE, "service unavailable")
	ErrServiceNotStarted    = New(ERR_SERVICE_NOT_STARTED, "service not started")
	ErrServiceError         = New(ERR_SERVICE_ERROR, "service error")
	ErrShutdown             = New(ERR_SHUTDOWN, "shutdown")
	ErrStorageUnavailable   = New(ERR_STORAGE_UNAVAILABLE, "storage unavailable")
	ErrStorageNotStarted    = New(ERR_STORAGE_NOT_STARTED, "storage not started")
	ErrStorageError         = New(ERR_STORAGE_ERROR, "storage error")
	ErrCorruption           = New(ERR_CORRUPTION, "data corruption")
	ErrUtxoNotFound         = New(ERR_UTXO_NOT_FOUND, "utxo not found")
	ErrSpent                = New(ERR_UTXO_SPENT, "utxo already spent")
	ErrUtxoError            = New(ERR_UTXO_ERROR, "utxo error")
	ErrStateInitialization  = New(ERR_STATE_INITIALIZATION, "error initializing state")
	ErrStateError           = New(ERR_STATE_ERROR, "error in state")
)

// errors initialization functions

func NewUnknownError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN, message, params...)
}
func NewInvalidArgumentError(message string, params ...interface{}) error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}
func NewThresholdExceededError(message string, params ...interface{}) error {
	return New(ERR_THRESHOLD_EXCEEDED, message, params...)
}
func NewNotFoundError(message string, params ...interface{}) error {
	return New(ERR_NOT_FOUND, message, params...)
}
func NewProcessingError(message string, params ...interface{}) error {
	return New(ERR_PROCESSING, message, params...)
}
func NewConfigurationError(message string, params ...interface{}) error {
	return New(ERR_CONFIGURATION, message, params...)
}
func NewContextError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT, message, params...)
}
func NewContextCanceledError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT_CANCELED, message, params...)
}
func NewError(message string, params ...interface{}) error {
	return New(ERR_ERROR, message, params...)
}
func NewBlockNotFoundError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_NOT_FOUND, message, params...)
}
func NewBlockInvalidError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_INVALID, message, params...)
}
func NewBlockExistsError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_EXISTS, message, params...)
}
func NewBlockError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_ERROR, message, params...)
}
func NewBlockParentInvalidError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_PARENT_INVALID, message, params...)
}
func NewCheckpointError(message string, params ...interface{}) error {
	return New(ERR_CHECKPOINT, message, params...)
}
func NewTxNotFoundError(message string, params ...interface{}) error {
	return New(ERR_TX_NOT_FOUND, message, params...)
}
func NewTxInvalidError(message string, params ...interface{}) error {
	return New(ERR_TX_INVALID, message, params...)
}
func NewTxAlreadyExistsError(message string, params ...interface{}) error {
	return New(ERR_TX_ALREADY_EXISTS, message, params...)
}
func NewTxMissingParentError(message string, params ...interface{}) error {
	return New(ERR_TX_MISSING_PARENT, message, params...)
}
func NewTxLockTimeError(message string, params ...interface{}) error {
	return New(ERR_TX_LOCKTIME, message, params...)
}
func NewTxError(message string, params ...interface{}) error {
	return New(ERR_TX_ERROR, message, params...)
}
func NewServiceUnavailableError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_UNAVAILABLE, message, params...)
}
func NewServiceNotStartedError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_NOT_STARTED, message, params...)
}
func NewServiceError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_ERROR, message, params...)
}
func NewShutdownError(message string, params ...interface{}) error {
	return New(ERR_SHUTDOWN, message, params...)
}
func NewStorageUnavailableError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_UNAVAILABLE, message, params...)
}
func NewStorageNotStartedError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_NOT_STARTED, message, params...)
}
func NewStorageError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_ERROR, message, params...)
}
func NewUtxoNotFoundError(message string, params ...interface{}) error {
	return New(ERR_UTXO_NOT_FOUND, message, params...)
}
func NewUtxoSpentError(message string, params ...interface{}) error {
	return New(ERR_UTXO_SPENT, message, params...)
}
func NewUtxoError(message string, params ...interface{}) error {
	return New(ERR_UTXO_ERROR, message, params...)
}
func NewStateInitializationError(message string, params ...interface{}) error {
	return New(ERR_STATE_INITIALIZATION, message, params...)
}
func NewStateError(message string, params ...interface{}) error {
	return New(ERR_STATE_ERROR, message, params...)
}
