// Package router maps operation types to their execution destination. The
// table is static: an operation is either handled inside the kernel or
// forwarded to one named worker, and names outside the table are rejected
// before any other processing.
package router

import (
	"errors"
	"sort"
	"strings"
)

// ErrUnknownOperation marks an operation name outside the whitelist.
var ErrUnknownOperation = errors.New("unknown operation")

// Destination selects who executes an operation.
type Destination string

const (
	// DestLocal is handled by an in-kernel handler.
	DestLocal Destination = "local"
	// DestPython is the document/AI worker.
	DestPython Destination = "python"
	// DestNetwork is the external-API hub worker.
	DestNetwork Destination = "network"
	// DestNative is the crypto/performance worker.
	DestNative Destination = "native"
)

// IsLocal reports whether the destination is an in-kernel handler.
func (d Destination) IsLocal() bool { return d == DestLocal }

// Worker returns the worker name for remote destinations, "" for local.
func (d Destination) Worker() string {
	if d.IsLocal() {
		return ""
	}
	return string(d)
}

// Route is the resolved dispatch decision for one operation.
type Route struct {
	Operation   string
	Destination Destination
	// Method is the name sent to the worker. Workers speak a lower-case
	// vocabulary, so EXPORT_PDF travels as export_pdf.
	Method string
}

var table = map[string]Destination{
	// Kernel-local.
	"PING":                        DestLocal,
	"GET_STATUS":                  DestLocal,
	"GET_ENGINE_STATUS":           DestLocal,
	"QUERY_CONTRACTS":             DestLocal,
	"GET_CONTRACT_BY_ID":          DestLocal,
	"QUERY_EXECUTION_HISTORY":     DestLocal,
	"QUERY_ACTIVITY_LOGS":         DestLocal,
	"START_WORKFLOW":              DestLocal,
	"RESOLVE_APPROVAL":            DestLocal,
	"GET_PENDING_APPROVALS":       DestLocal,
	"REGISTER_WORKFLOW_TRIGGER":   DestLocal,
	"UNREGISTER_WORKFLOW_TRIGGER": DestLocal,
	"LIST_WORKFLOW_TRIGGERS":      DestLocal,
	"GET_AI_SUGGESTIONS":          DestLocal,
	"GENERATE_DRAFT":              DestLocal,
	"SHUTDOWN":                    DestLocal,

	// Document and AI operations.
	"EXPORT_EXCEL":   DestPython,
	"EXPORT_PDF":     DestPython,
	"EXPORT_IMAGE":   DestPython,
	"PDF_MERGE":      DestPython,
	"PDF_SPLIT":      DestPython,
	"PDF_ROTATE":     DestPython,
	"PDF_WATERMARK":  DestPython,
	"IMAGE_COMPRESS": DestPython,
	"IMAGE_CONVERT":  DestPython,
	"IMAGE_RESIZE":   DestPython,
	"LIST_TEMPLATES": DestPython,
	"LOAD_TEMPLATE":  DestPython,
	"OCR_EXTRACT":    DestPython,
	"AI_QUERY":       DestPython,
	"AI_LEARN":       DestPython,

	// External-API hub.
	"EXTERNAL_API_CALL":     DestNetwork,
	"LIST_PROVIDERS":        DestNetwork,
	"GET_PROVIDER_INFO":     DestNetwork,
	"SAVE_CREDENTIAL":       DestNetwork,
	"DELETE_CREDENTIAL":     DestNetwork,
	"GET_RATE_LIMIT_STATUS": DestNetwork,
	"GET_METRICS":           DestNetwork,

	// Crypto and performance.
	"CRYPTO_ENCRYPT":   DestNative,
	"CRYPTO_DECRYPT":   DestNative,
	"CRYPTO_HASH":      DestNative,
	"PARALLEL_PROCESS": DestNative,
	"COMPRESS_DATA":    DestNative,
}

// Resolve looks an operation up in the table. Matching is exact and
// case-sensitive.
func Resolve(operation string) (Route, error) {
	dest, ok := table[operation]
	if !ok {
		return Route{}, ErrUnknownOperation
	}
	route := Route{Operation: operation, Destination: dest, Method: operation}
	if !dest.IsLocal() {
		route.Method = WorkerMethod(operation)
	}
	return route, nil
}

// Known reports whether the operation is in the whitelist.
func Known(operation string) bool {
	_, ok := table[operation]
	return ok
}

// WorkerMethod translates an operation name to the workers' method
// vocabulary.
func WorkerMethod(operation string) string {
	return strings.ToLower(operation)
}

// Operations returns the whitelist in sorted order, for status surfaces.
func Operations() []string {
	ops := make([]string, 0, len(table))
	for op := range table {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
