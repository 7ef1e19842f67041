package sqlstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

// keyOf normalizes the primary-key values of row by column type and returns
// both the typed components and a canonical lookup string.
func keyOf(table domain.Table, row domain.Row) ([]any, string, error) {
	cols := table.KeyColumns()
	values := make([]any, len(cols))
	parts := make([]string, len(cols))
	for i, col := range cols {
		v, err := castKey(col, row[col.Name])
		if err != nil {
			return nil, "", apperrors.WrapWithMetadata(
				apperrors.CodeKeyCastError,
				fmt.Sprintf("cast key column %s.%s", table.Name, col.Name),
				map[string]string{"table": table.Name, "column": col.Name, "value": fmt.Sprint(row[col.Name])},
				err,
			)
		}
		values[i] = v
		parts[i] = encodeKeyPart(v)
	}
	return values, strings.Join(parts, "\x1f"), nil
}

func castKey(col domain.Column, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("null key value")
	}
	switch col.Type {
	case domain.Integer:
		return castInt(v)
	case domain.Text:
		return castText(v)
	case domain.Real:
		return castFloat(v)
	case domain.Boolean:
		return castBool(v)
	case domain.Timestamp:
		t, err := castTime(v)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported key type %s", col.Type)
	}
}

func encodeKeyPart(v any) string {
	switch x := v.(type) {
	case int64:
		return "i" + strconv.FormatInt(x, 10)
	case string:
		return "s" + x
	case float64:
		return "f" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b" + strconv.FormatBool(x)
	case time.Time:
		return "t" + x.UTC().Format(time.RFC3339Nano)
	default:
		return "?" + fmt.Sprint(x)
	}
}

func castInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return castInt(float64(x))
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return castInt(string(x))
	case []byte:
		return castInt(string(x))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot cast %T to integer", v)
	}
}

func castText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return string(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := castInt(x)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("cannot cast %T to text", v)
	}
}

func castFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case []byte:
		return castFloat(string(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("parse real %q: %w", x, err)
		}
		return f, nil
	default:
		n, err := castInt(v)
		if err != nil {
			return 0, fmt.Errorf("cannot cast %T to real", v)
		}
		return float64(n), nil
	}
}

func castBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case []byte:
		return strconv.ParseBool(string(x))
	default:
		n, err := castInt(v)
		if err != nil {
			return false, fmt.Errorf("cannot cast %T to boolean", v)
		}
		return n != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func castTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case []byte:
		return castTime(string(x))
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q", x)
	default:
		return time.Time{}, fmt.Errorf("cannot cast %T to timestamp", v)
	}
}

// bindValue converts a row value to what the driver should store for col.
// Values that cannot be converted are passed through for the store to judge.
func (d Dialect) bindValue(col domain.Column, v any) any {
	if v == nil {
		return nil
	}
	switch col.Type {
	case domain.Integer:
		if n, err := castInt(v); err == nil {
			return n
		}
	case domain.Text:
		if s, err := castText(v); err == nil {
			return s
		}
	case domain.Real:
		if f, err := castFloat(v); err == nil {
			return f
		}
	case domain.Boolean:
		if b, err := castBool(v); err == nil {
			return b
		}
	case domain.Timestamp:
		if t, err := castTime(v); err == nil {
			return d.bindTime(t)
		}
	}
	return v
}
