package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lexilearn/token-gateway/internal/permission"
)

// maxResolvedBody bounds how much of a write body the resolver will read
// to extract field names.
const maxResolvedBody = 1 << 20

// RESTResolver maps conventional REST paths under prefix to model
// operations:
//
//	GET    {prefix}/{model}          list
//	POST   {prefix}/{model}          create
//	GET    {prefix}/{model}/{id}     read
//	PUT    {prefix}/{model}/{id}     update
//	PATCH  {prefix}/{model}/{id}     update
//	DELETE {prefix}/{model}/{id}     delete
//	POST   {prefix}/{model}/bulk     bulk_create
//	PUT    {prefix}/{model}/bulk     bulk_update
//	DELETE {prefix}/{model}/bulk     bulk_delete
//
// Read fields come from the "fields" query parameter (comma-separated);
// write fields are the top-level keys of the JSON body (first object of a
// bulk array). Paths outside prefix resolve to no model and skip the
// permission stage.
func RESTResolver(prefix string) ModelResolver {
	prefix = strings.TrimSuffix(prefix, "/")

	return func(r *http.Request) (string, permission.Operation, []string) {
		rest, ok := strings.CutPrefix(r.URL.Path, prefix+"/")
		if !ok {
			return "", "", nil
		}

		model, remainder, _ := strings.Cut(strings.Trim(rest, "/"), "/")
		if model == "" {
			return "", "", nil
		}

		bulk := remainder == "bulk"
		hasID := remainder != "" && !bulk

		op, ok := resolveOperation(r.Method, hasID, bulk)
		if !ok {
			return "", "", nil
		}

		var fields []string
		if op.ReadShaped() {
			fields = splitFields(r.URL.Query().Get("fields"))
		} else if op != permission.OpDelete && op != permission.OpBulkDelete {
			fields = bodyFields(r)
		}
		return model, op, fields
	}
}

func resolveOperation(method string, hasID, bulk bool) (permission.Operation, bool) {
	switch {
	case bulk:
		switch method {
		case http.MethodPost:
			return permission.OpBulkCreate, true
		case http.MethodPut, http.MethodPatch:
			return permission.OpBulkUpdate, true
		case http.MethodDelete:
			return permission.OpBulkDelete, true
		}
	case hasID:
		switch method {
		case http.MethodGet:
			return permission.OpRead, true
		case http.MethodPut, http.MethodPatch:
			return permission.OpUpdate, true
		case http.MethodDelete:
			return permission.OpDelete, true
		}
	default:
		switch method {
		case http.MethodGet:
			return permission.OpList, true
		case http.MethodPost:
			return permission.OpCreate, true
		}
	}
	return "", false
}

func splitFields(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// bodyFields extracts top-level JSON keys from a write body, restoring the
// body for the handler. Unparseable bodies yield no fields; the upstream
// rejects those on its own.
func bodyFields(r *http.Request) []string {
	if r.Body == nil {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResolvedBody))
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		// Bulk bodies are arrays; take the first element's keys.
		var arr []map[string]json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil || len(arr) == 0 {
			return nil
		}
		obj = arr[0]
	}

	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	return fields
}
