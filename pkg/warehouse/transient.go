package warehouse

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// SQLSTATE codes in the closed transient set.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// classifyDBError wraps a database error into the structured error
// taxonomy so the retry policy can decide on it. Only serialization
// failures, deadlocks, and connection-level I/O map to retryable types;
// everything else propagates as a non-retryable query error.
func classifyDBError(err error, message string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlstateSerializationFailure, pgErr.Code == sqlstateDeadlockDetected:
			return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeConflict, message)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception class
			return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeConnection, message)
		default:
			return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeQuery, message)
		}
	}

	if isConnectionError(err) {
		return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeConnection, message)
	}

	return xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeQuery, message)
}

// isConnectionError reports connection-level I/O failures outside the
// SQLSTATE taxonomy: dropped sockets, timeouts, and writes pgx marks
// safe to retry.
func isConnectionError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
