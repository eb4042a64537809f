package node

// Error strings surfaced to clients and API callers. These literals
// are part of the wire protocol and must stay stable.
const (
	ErrLimitExceeded           = "limit exceeded"
	ErrUnauthorized            = "unauthorized"
	ErrPermissionDenied        = "permission denied"
	ErrNotAvailable            = "not available"
	ErrInternalServerError     = "internal server error"
	ErrMethodNotFound          = "method not found"
	ErrProjectNotFound         = "project not found"
	ErrNamespaceNotFound       = "namespace not found"
	ErrDuplicateName           = "duplicate name"
	ErrInvalidToken            = "invalid token"
	ErrInvalidTimestamp        = "invalid timestamp"
	ErrInvalidConnectionParams = "invalid connection parameters"
	ErrChannelRequired         = "channel required"
	ErrMaxChannelLength        = "maximum channel length exceeded"
	ErrNoAuthAddress           = "no auth address found"
)
