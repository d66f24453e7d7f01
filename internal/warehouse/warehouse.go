// Package warehouse stores delivered rows in the central multi-tenant
// Postgres database. Each tenant owns a schema; tables and columns are
// created as rows arrive.
package warehouse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pkg/errors"
)

// IdentityField is the conflict key of every warehouse table.
const IdentityField = "id_original"

var (
	// ErrUnknownTenant means the token matches no active tenant.
	ErrUnknownTenant = errors.New("unknown or inactive tenant")
	// ErrInvalidRecord means a row cannot be stored as sent.
	ErrInvalidRecord = errors.New("invalid record")
)

// Row is one delivered record, decoded with json.Number for numbers.
type Row map[string]any

// Cascade names a child table removed along with its parent row.
type Cascade struct {
	Table      string
	ForeignKey string
}

// ID returns the row identity as text.
func (r Row) ID() string {
	switch v := r[IdentityField].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// SortRows orders rows by identity, so concurrent writers lock rows in the
// same order.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
}

// columnType infers the SQL type of a column from a sample value.
func columnType(v any) string {
	if n, ok := v.(json.Number); ok {
		if _, err := n.Int64(); err == nil {
			return "BIGINT"
		}
		return "NUMERIC"
	}
	return "TEXT"
}

// typeRank orders the types columns are created with, from narrowest to
// widest; every value of a type fits the ones above it. Types the warehouse
// did not create rank -1 and are left alone.
func typeRank(sqlType string) int {
	switch strings.ToLower(sqlType) {
	case "bigint", "integer", "smallint":
		return 0
	case "numeric", "real", "double precision":
		return 1
	case "text", "character varying", "character":
		return 2
	}
	return -1
}

// widerType returns whichever of a and b holds the other.
func widerType(a, b string) string {
	if typeRank(b) > typeRank(a) {
		return b
	}
	return a
}

// alterations returns the ALTER TABLE clauses that add missing columns and
// widen existing ones to hold the wanted types.
func alterations(existing map[string]string, names []string, wanted map[string]string) []string {
	var out []string
	for _, name := range names {
		want := wanted[name]
		have, ok := existing[name]
		if !ok {
			out = append(out, fmt.Sprintf("ADD COLUMN IF NOT EXISTS %s %s", quoteIdentifier(name), want))
			continue
		}
		cur := typeRank(have)
		if cur < 0 || typeRank(want) <= cur {
			continue
		}
		col := quoteIdentifier(name)
		out = append(out, fmt.Sprintf("ALTER COLUMN %s TYPE %s USING %s::%s", col, want, col, strings.ToLower(want)))
	}
	return out
}

// sqlValue converts a decoded JSON value to a driver argument.
func sqlValue(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return v, nil
	case float64:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidRecord, err.Error())
		}
		return string(b), nil
	}
}

// columns returns the sorted union of column names across rows, with the
// narrowest type holding every non-null value of each.
func columns(rows []Row) ([]string, map[string]string, error) {
	types := map[string]string{}
	for _, row := range rows {
		for name, v := range row {
			if !catalog.IsIdentifier(name) || strings.Contains(name, "$") {
				return nil, nil, errors.Wrapf(ErrInvalidRecord, "column name %q", name)
			}
			cur, seen := types[name]
			switch {
			case v == nil:
				if !seen {
					types[name] = ""
				}
			case !seen || cur == "":
				types[name] = columnType(v)
			default:
				types[name] = widerType(cur, columnType(v))
			}
		}
	}
	names := make([]string, 0, len(types))
	for name, typ := range types {
		if typ == "" {
			types[name] = columnType(nil)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, types, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func qualified(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}
