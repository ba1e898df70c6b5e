package warehouse

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// booleanTokens is the fixed token set accepted for boolean columns.
var booleanTokens = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true,
	"false": false, "f": false, "no": false, "n": false, "0": false,
}

// Accepted textual formats for temporal columns, tried in order.
var (
	timestampFormats = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	dateFormats = []string{"2006-01-02"}
	timeFormats = []string{"15:04:05.999999999", "15:04:05", "15:04"}
)

// coerceValue converts one string cell to the native type of its
// destination column. Coercion failures are non-transient data errors.
func coerceValue(value string, col ColumnDescriptor) (any, error) {
	switch col.TypeName {
	case "smallint", "integer", "bigint":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, coerceError(value, col, err)
		}
		return n, nil

	case "numeric", "decimal", "real", "double precision":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, coerceError(value, col, err)
		}
		return f, nil

	case "boolean":
		b, ok := booleanTokens[strings.ToLower(strings.TrimSpace(value))]
		if !ok {
			return nil, coerceError(value, col, nil)
		}
		return b, nil

	case "date":
		return parseTemporal(value, col, dateFormats)

	case "timestamp without time zone", "timestamp with time zone":
		return parseTemporal(value, col, timestampFormats)

	case "time without time zone", "time with time zone":
		return parseTemporal(value, col, timeFormats)

	case "bytea":
		raw := strings.TrimPrefix(strings.TrimSpace(value), `\x`)
		data, err := hex.DecodeString(raw)
		if err != nil {
			return nil, coerceError(value, col, err)
		}
		return data, nil

	case "json", "jsonb":
		// JSON-typed columns take the text as-is; the server validates.
		return value, nil

	case "text", "character varying", "character", "varchar", "name", "uuid", "citext":
		return value, nil

	default:
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeData,
			"unsupported column type %q for column %q", col.TypeName, col.Name)
	}
}

func parseTemporal(value string, col ColumnDescriptor, formats []string) (any, error) {
	v := strings.TrimSpace(value)
	for _, layout := range formats {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return nil, coerceError(value, col, nil)
}

func coerceError(value string, col ColumnDescriptor, cause error) error {
	e := xsinkerrors.Newf(xsinkerrors.ErrorTypeData,
		"cannot coerce value %q to %s for column %q", value, col.TypeName, col.Name)
	if cause != nil {
		e.Cause = cause
	}
	return e
}
