package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pdvdash/storesync/internal/warehouse"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const batchSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id_original"],
		"properties": {
			"id_original": {"type": "string", "minLength": 1}
		}
	}
}`

const deleteSchemaJSON = `{
	"type": "object",
	"required": ["id_original"],
	"properties": {
		"id_original": {"type": "string", "minLength": 1}
	}
}`

var (
	batchSchema  = mustCompileSchema("batch.json", batchSchemaJSON)
	deleteSchema = mustCompileSchema("delete.json", deleteSchemaJSON)
)

func mustCompileSchema(name, doc string) *jsonschema.Schema {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		panic(err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return sch
}

// validate parses body, keeping numbers as json.Number, and checks it
// against sch.
func validate(sch *jsonschema.Schema, body []byte) (any, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, errors.New("invalid json body")
	}
	if err := sch.Validate(inst); err != nil {
		return nil, errors.Wrap(err, "invalid payload")
	}
	return inst, nil
}

// decodeBatch turns a validated batch body into rows with lower-case
// column names.
func decodeBatch(body []byte) ([]warehouse.Row, error) {
	inst, err := validate(batchSchema, body)
	if err != nil {
		return nil, err
	}
	items, _ := inst.([]any)
	rows := make([]warehouse.Row, 0, len(items))
	for _, item := range items {
		obj, _ := item.(map[string]any)
		row := make(warehouse.Row, len(obj))
		for k, v := range obj {
			row[strings.ToLower(strings.TrimSpace(k))] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeDelete(body []byte) (string, error) {
	inst, err := validate(deleteSchema, body)
	if err != nil {
		return "", err
	}
	obj, _ := inst.(map[string]any)
	id, _ := obj[warehouse.IdentityField].(string)
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
