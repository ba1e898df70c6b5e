package warehouse

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

func TestClassifyDBError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantType  xsinkerrors.ErrorType
		retryable bool
	}{
		{
			"serialization failure",
			&pgconn.PgError{Code: "40001"},
			xsinkerrors.ErrorTypeConflict, true,
		},
		{
			"deadlock detected",
			&pgconn.PgError{Code: "40P01"},
			xsinkerrors.ErrorTypeConflict, true,
		},
		{
			"connection exception class",
			&pgconn.PgError{Code: "08006"},
			xsinkerrors.ErrorTypeConnection, true,
		},
		{
			"unique violation is not transient",
			&pgconn.PgError{Code: "23505"},
			xsinkerrors.ErrorTypeQuery, false,
		},
		{
			"syntax error is not transient",
			&pgconn.PgError{Code: "42601"},
			xsinkerrors.ErrorTypeQuery, false,
		},
		{
			"dropped socket",
			io.EOF,
			xsinkerrors.ErrorTypeConnection, true,
		},
		{
			"unexpected eof",
			io.ErrUnexpectedEOF,
			xsinkerrors.ErrorTypeConnection, true,
		},
		{
			"net op error",
			&net.OpError{Op: "write", Err: errors.New("broken pipe")},
			xsinkerrors.ErrorTypeConnection, true,
		},
		{
			"plain error",
			errors.New("something else"),
			xsinkerrors.ErrorTypeQuery, false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyDBError(tc.err, "op failed")
			require.Error(t, classified)
			assert.True(t, xsinkerrors.IsType(classified, tc.wantType), "wrong error type")
			assert.Equal(t, tc.retryable, xsinkerrors.IsRetryable(classified))
			assert.ErrorIs(t, classified, tc.err)
		})
	}
}

func TestClassifyDBErrorNil(t *testing.T) {
	assert.NoError(t, classifyDBError(nil, "op failed"))
}
