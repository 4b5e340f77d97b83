package httpapi

import (
	"net/http"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/sanitize"
)

// resolveOutputPath implements GET /spell-executions/{id}/output?path=….
// Accepted shapes: "step.<name>.stdout" or "step.<name>.json[.<dot.path>]".
// The leading "step.<name>" selects the per-step output entry that
// internal/receipt/internal/sanitize.ProjectReceipt populated; the
// remainder is either the literal "stdout" field or a jsonpath descent into
// the step's "json" payload.
func resolveOutputPath(receipt *sanitize.Receipt, path string) (interface{}, *apierr.Error) {
	parts := strings.Split(path, ".")
	if len(parts) < 3 || parts[0] != "step" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeInvalidOutputPath, "path must start with step.<name>.")
	}
	name := parts[1]
	field := parts[2]
	rest := parts[3:]

	if receipt == nil || receipt.Outputs == nil {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "no outputs recorded for this execution")
	}
	entry, ok := receipt.Outputs[name]
	if !ok {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "no such step output: "+name)
	}
	entryMap, ok := entry.(map[string]interface{})
	if !ok {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "no such step output: "+name)
	}

	switch field {
	case "stdout":
		if len(rest) != 0 {
			return nil, apierr.New(http.StatusBadRequest, apierr.CodeInvalidOutputPath, "stdout does not accept a nested path")
		}
		val, ok := entryMap["stdout"]
		if !ok {
			return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "step has no stdout output")
		}
		return val, nil
	case "json":
		val, ok := entryMap["json"]
		if !ok {
			return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "step has no json output")
		}
		if len(rest) == 0 {
			return val, nil
		}
		expr := "$." + strings.Join(rest, ".")
		result, err := jsonpath.Get(expr, val)
		if err != nil {
			return nil, apierr.New(http.StatusNotFound, apierr.CodeOutputNotFound, "no value at path: "+path)
		}
		return result, nil
	default:
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeInvalidOutputPath, "path field must be stdout or json")
	}
}
