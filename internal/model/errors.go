package model

import "errors"

// Failure classes. Wrap these with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrIndexUnavailable aborts the whole run: no documents can be discovered.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrFetchFailed marks one document that could not be retrieved.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrHeaderMissing means no bridge-pool-assignment header precedes the data lines.
	ErrHeaderMissing = errors.New("header missing")
	// ErrHeaderMalformed means the header keyword matched but its timestamp did not parse.
	ErrHeaderMalformed = errors.New("header malformed")
	// ErrSchema aborts the whole run: the destination schema could not be bootstrapped.
	ErrSchema = errors.New("schema error")
	// ErrTransaction marks one document whose export was rolled back.
	ErrTransaction = errors.New("transaction error")
)

// FailureKind returns a stable identifier for the failure class of err,
// or "error" when err matches none of them.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, ErrHeaderMissing):
		return "header_missing"
	case errors.Is(err, ErrHeaderMalformed):
		return "header_malformed"
	case errors.Is(err, ErrSchema):
		return "schema_error"
	case errors.Is(err, ErrTransaction):
		return "transaction_error"
	default:
		return "error"
	}
}
