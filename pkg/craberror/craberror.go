package craberror

import "fmt"

/* PostgreSQL SQLSTATE codes the proxy emits on its own behalf. */
const (
	ProtocolViolation   = "08P01"
	InvalidPassword     = "28P01"
	TooManyConnections  = "53300"
	DuplicatePrepStmt   = "42P05"
	InvalidSQLStatement = "26000"
	UndefinedCursor     = "34000"
	SystemError         = "58000"
	ConnectionFailure   = "08006"
	FeatureNotSupported = "0A000"
)

var defaultMessageMap = map[string]string{
	ProtocolViolation:   "protocol violation",
	InvalidPassword:     "password authentication failed",
	TooManyConnections:  "too many connections for shard",
	DuplicatePrepStmt:   "prepared statement already exists",
	InvalidSQLStatement: "prepared statement does not exist",
	UndefinedCursor:     "portal does not exist",
	SystemError:         "proxy internal error",
	ConnectionFailure:   "backend connection failure",
	FeatureNotSupported: "feature not supported",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := defaultMessageMap[errorCode]
	if ok {
		return rep
	}
	return "unexpected error"
}

var _ error = &CrabError{}

// CrabError is an error that carries the SQLSTATE code the frontend
// should see in the synthetic ErrorResponse.
type CrabError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *CrabError {
	return &CrabError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, args ...any) *CrabError {
	return &CrabError{
		Err:       fmt.Errorf(format, args...),
		ErrorCode: errorCode,
	}
}

func (er *CrabError) Error() string {
	return er.Err.Error()
}

func (er *CrabError) Unwrap() error {
	return er.Err
}

// CodeOf extracts the SQLSTATE for an arbitrary error, falling back to
// the internal-error class for plain errors.
func CodeOf(err error) string {
	switch er := err.(type) {
	case *CrabError:
		return er.ErrorCode
	default:
		return SystemError
	}
}
