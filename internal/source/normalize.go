package source

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Record is one normalized row, ready for JSON encoding.
type Record map[string]any

// IdentityField carries the stable remote identity of every record.
const IdentityField = "id_original"

type columnKind int

const (
	kindOther columnKind = iota
	kindDecimal
	kindBinary
	kindDate
	kindTime
	kindTimestamp
	kindTimestampTZ
)

func kindOf(databaseType string) columnKind {
	t := strings.ToUpper(databaseType)
	switch {
	case t == "":
		return kindOther
	case strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return kindDecimal
	case strings.Contains(t, "BYTEA"), t == "BLOB", strings.Contains(t, "BINARY"), t == "OCTETS":
		return kindBinary
	case t == "TIMESTAMPTZ", strings.Contains(t, "WITH TIME ZONE") && strings.Contains(t, "TIMESTAMP"):
		return kindTimestampTZ
	case strings.Contains(t, "TIMESTAMP"), t == "DATETIME":
		return kindTimestamp
	case t == "DATE":
		return kindDate
	case strings.HasPrefix(t, "TIME"):
		return kindTime
	}
	return kindOther
}

// Normalizer converts driver values into JSON-safe values.
type Normalizer struct {
	legacy *encoding.Decoder
}

// NewNormalizer returns a normalizer decoding non-UTF-8 text with the named
// legacy charset. Unknown or empty names fall back to Windows-1252, the
// usual charset of point-of-sale databases.
func NewNormalizer(charset string) *Normalizer {
	return &Normalizer{legacy: legacyCharmap(charset).NewDecoder()}
}

func legacyCharmap(name string) *charmap.Charmap {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "")) {
	case "ISO8859_1", "ISO88591", "LATIN1":
		return charmap.ISO8859_1
	case "ISO8859_15", "ISO885915", "LATIN9":
		return charmap.ISO8859_15
	case "WIN1250", "WINDOWS1250", "CP1250":
		return charmap.Windows1250
	default:
		return charmap.Windows1252
	}
}

// Value normalizes a single column value.
func (n *Normalizer) Value(kind columnKind, v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case bool:
		return typed
	case int64:
		return typed
	case int32:
		return int64(typed)
	case int16:
		return int64(typed)
	case int:
		return int64(typed)
	case float32:
		return n.float(kind, float64(typed))
	case float64:
		return n.float(kind, typed)
	case *big.Float:
		return n.decimal(typed.Text('f', -1))
	case time.Time:
		return formatTime(kind, typed)
	case []byte:
		if kind == kindBinary {
			return hex.EncodeToString(typed)
		}
		if kind == kindDecimal {
			return n.decimal(string(typed))
		}
		return n.text(typed)
	case string:
		if kind == kindDecimal {
			return n.decimal(typed)
		}
		return n.text([]byte(typed))
	case fmt.Stringer:
		// Decimal types from drivers (shopspring decimal in firebirdsql).
		if kind == kindDecimal || strings.HasSuffix(fmt.Sprintf("%T", v), "decimal.Decimal") {
			return n.decimal(typed.String())
		}
		return n.text([]byte(typed.String()))
	}
	return n.text([]byte(fmt.Sprint(v)))
}

func (n *Normalizer) float(kind columnKind, f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if kind == kindDecimal {
		return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return f
}

// decimal keeps exact precision by emitting the digits as a JSON number.
func (n *Normalizer) decimal(s string) any {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}
	return json.Number(s)
}

func (n *Normalizer) text(b []byte) string {
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else if decoded, err := n.legacy.Bytes(b); err == nil {
		s = string(decoded)
	} else {
		s = strings.ToValidUTF8(string(b), "�")
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

func formatTime(kind columnKind, t time.Time) string {
	switch kind {
	case kindDate:
		return t.Format("2006-01-02")
	case kindTime:
		return t.Format("15:04:05")
	case kindTimestampTZ:
		return t.Format(time.RFC3339Nano)
	}
	if t.Nanosecond() != 0 {
		return t.Format("2006-01-02T15:04:05.000000")
	}
	return t.Format("2006-01-02T15:04:05")
}

// declaredScale returns the scale of a fixed-point column, from the driver
// when it reports one and from a "NUMERIC(p,s)" type name otherwise.
func declaredScale(ct *sql.ColumnType) int {
	if _, scale, ok := ct.DecimalSize(); ok && scale > 0 {
		return int(scale)
	}
	return scaleOf(ct.DatabaseTypeName())
}

func scaleOf(databaseType string) int {
	open := strings.IndexByte(databaseType, '(')
	end := strings.IndexByte(databaseType, ')')
	if open < 0 || end < open {
		return 0
	}
	parts := strings.Split(databaseType[open+1:end], ",")
	if len(parts) != 2 {
		return 0
	}
	scale, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || scale < 0 {
		return 0
	}
	return scale
}

// withScale pads a decimal value to scale fractional digits, so a column
// reads the same for 7 and 7.5. Digits are never dropped.
func withScale(v any, scale int) any {
	if scale <= 0 {
		return v
	}
	var s string
	switch typed := v.(type) {
	case int64:
		s = strconv.FormatInt(typed, 10)
	case json.Number:
		s = typed.String()
	default:
		return v
	}
	if strings.ContainsAny(s, "eE") {
		return v
	}
	frac := 0
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		frac = len(s) - dot - 1
	} else {
		s += "."
	}
	if frac < scale {
		s += strings.Repeat("0", scale-frac)
	}
	return json.Number(s)
}

// buildRecord turns a scanned row into a Record. The marker column and the
// locator are stripped; the key column becomes the record identity. scales,
// when given, holds the declared scale of each decimal column.
func (n *Normalizer) buildRecord(names []string, kinds []columnKind, scales []int, values []any, keyColumn, markerColumn, locator string) Record {
	rec := make(Record, len(names)+1)
	key := strings.ToLower(keyColumn)
	marker := strings.ToLower(markerColumn)
	var identity string
	for i, name := range names {
		col := strings.ToLower(strings.TrimSpace(name))
		if col == marker || col == strings.ToLower(locatorAlias) {
			continue
		}
		value := n.Value(kinds[i], values[i])
		if kinds[i] == kindDecimal && i < len(scales) {
			value = withScale(value, scales[i])
		}
		if key != "" && col == key {
			identity = identityString(value)
			continue
		}
		rec[col] = value
	}
	if identity == "" {
		identity = locator
	}
	rec[IdentityField] = identity
	return rec
}

func identityString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case int64:
		return strconv.FormatInt(typed, 10)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
