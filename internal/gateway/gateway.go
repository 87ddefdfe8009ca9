// Package gateway applies rule-based security checks to every inbound
// request before it reaches the Router. Every rejection is logged as a
// security event and answered with VALIDATION_FAILED.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/store"
)

// maxPathLength is the host path ceiling. Values beyond it cannot name a
// real file on this platform and are rejected outright.
const maxPathLength = 4096

// traversalPatterns are the sequences that reject a path regardless of
// where they appear in it.
var traversalPatterns = []string{"../", "..\\", "/..", "\\.."}

// pathKeys are the payload fields interpreted as filesystem paths wherever
// they appear in the request body. A path key may carry a single string or
// a list of strings.
var pathKeys = map[string]struct{}{
	"path":          {},
	"file_path":     {},
	"filePath":      {},
	"input_path":    {},
	"inputPath":     {},
	"output_path":   {},
	"outputPath":    {},
	"output_dir":    {},
	"outputDir":     {},
	"template_path": {},
	"templatePath":  {},
	"source":        {},
	"destination":   {},
	"files":         {},
	"paths":         {},
}

// documentOperations are the operations whose path arguments must carry an
// allow-listed extension.
var documentOperations = map[string]struct{}{
	"EXPORT_EXCEL":   {},
	"EXPORT_PDF":     {},
	"EXPORT_IMAGE":   {},
	"PDF_MERGE":      {},
	"PDF_SPLIT":      {},
	"PDF_ROTATE":     {},
	"PDF_WATERMARK":  {},
	"IMAGE_COMPRESS": {},
	"IMAGE_CONVERT":  {},
	"IMAGE_RESIZE":   {},
	"LIST_TEMPLATES": {},
	"LOAD_TEMPLATE":  {},
	"OCR_EXTRACT":    {},
}

// allowedExtensions is the closed set of file extensions document
// operations may touch. Extensionless paths (output directories) pass this
// rule and are screened by the traversal and deny-list rules only.
var allowedExtensions = map[string]struct{}{
	".pdf":  {},
	".xlsx": {},
	".xls":  {},
	".csv":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".gif":  {},
	".tiff": {},
	".webp": {},
	".json": {},
	".txt":  {},
}

// DefaultDenyList blocks system directories from every path-carrying
// operation. Patterns are doublestar globs matched against the
// slash-normalized path.
func DefaultDenyList() []string {
	return []string{
		"/etc/**",
		"/sys/**",
		"/proc/**",
		"/dev/**",
		"/boot/**",
		"/root/.ssh/**",
		"/var/run/**",
		"C:/Windows/**",
		"C:/Program Files/**",
	}
}

// ValidationError describes one failed gateway rule.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDenyList overrides the default system-directory deny list.
func WithDenyList(globs []string) Option {
	return func(g *Gateway) {
		g.denyList = globs
	}
}

// Gateway screens inbound requests. Rejections are recorded as security
// events in the activity log and published on the bus.
type Gateway struct {
	activity *store.ActivityService
	bus      *eventbus.Bus
	denyList []string
}

// New creates a Gateway. Both collaborators are optional: a nil activity
// service skips the audit write, a nil bus skips the event publish.
func New(activity *store.ActivityService, bus *eventbus.Bus, opts ...Option) *Gateway {
	g := &Gateway{
		activity: activity,
		bus:      bus,
		denyList: DefaultDenyList(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate applies every rule to one request. rawSize is the length of the
// serialized line as read from the transport. A non-nil return is always a
// *ValidationError, already recorded as a security event.
func (g *Gateway) Validate(ctx context.Context, req protocol.Request, rawSize int) error {
	verr := g.check(req, rawSize)
	if verr == nil {
		return nil
	}
	g.recordViolation(ctx, req, verr)
	return verr
}

func (g *Gateway) check(req protocol.Request, rawSize int) *ValidationError {
	if strings.TrimSpace(req.ID) == "" {
		return &ValidationError{Rule: "empty-id", Message: "request id must not be empty"}
	}
	if strings.TrimSpace(req.Type) == "" {
		return &ValidationError{Rule: "empty-operation", Message: "operation type must not be empty"}
	}
	if rawSize > protocol.MaxRequestBytes {
		return &ValidationError{
			Rule:    "oversize-request",
			Message: fmt.Sprintf("request of %d bytes exceeds the %d byte limit", rawSize, protocol.MaxRequestBytes),
		}
	}

	paths := extractPaths(req.Payload)
	for _, p := range paths {
		if verr := g.checkPath(p); verr != nil {
			return verr
		}
	}

	if _, isDoc := documentOperations[req.Type]; isDoc {
		for _, p := range paths {
			if verr := checkExtension(p); verr != nil {
				return verr
			}
		}
	}

	return nil
}

func (g *Gateway) checkPath(path string) *ValidationError {
	for _, pattern := range traversalPatterns {
		if strings.Contains(path, pattern) {
			return &ValidationError{
				Rule:    "path-traversal",
				Message: fmt.Sprintf("path %q contains a traversal sequence", path),
			}
		}
	}

	if len(path) > maxPathLength {
		return &ValidationError{
			Rule:    "path-too-long",
			Message: fmt.Sprintf("path of %d characters exceeds the host maximum of %d", len(path), maxPathLength),
		}
	}

	// Windows separators are normalized by hand: filepath.ToSlash only
	// rewrites the host separator, and the kernel screens foreign paths too.
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, deny := range g.denyList {
		if normalized == strings.TrimSuffix(deny, "/**") {
			return denied(path)
		}
		if ok, err := doublestar.Match(deny, normalized); err == nil && ok {
			return denied(path)
		}
	}
	return nil
}

func denied(path string) *ValidationError {
	return &ValidationError{
		Rule:    "path-denied",
		Message: fmt.Sprintf("path %q is under a protected system directory", path),
	}
}

func checkExtension(path string) *ValidationError {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return nil
	}
	if _, ok := allowedExtensions[ext]; !ok {
		return &ValidationError{
			Rule:    "extension-not-allowed",
			Message: fmt.Sprintf("file extension %q is not allowed for document operations", ext),
		}
	}
	return nil
}

// recordViolation writes the security event: structured log line, activity
// row with security severity, and a bus event for anything subscribed to
// violations (workflow triggers included).
func (g *Gateway) recordViolation(ctx context.Context, req protocol.Request, verr *ValidationError) {
	log.Warn(log.CatGateway, "request rejected", "id", req.ID, "type", req.Type,
		"rule", verr.Rule, "reason", verr.Message)

	if g.activity != nil {
		g.activity.Record(ctx, store.ActivityEntry{
			Action:     "security.validation_failed",
			EntityType: "request",
			EntityID:   req.ID,
			Severity:   store.SeveritySecurity,
			Module:     "gateway",
			Message:    verr.Error(),
		})
	}

	if g.bus != nil {
		g.bus.Publish(eventbus.TopicSecurityViolation, map[string]any{
			"id":     req.ID,
			"type":   req.Type,
			"rule":   verr.Rule,
			"reason": verr.Message,
		})
	}
}

// extractPaths collects every path-like string from the payload, depth
// first, so nested operation parameters are screened too.
func extractPaths(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	var out []string
	collectPaths(doc, &out)
	return out
}

func collectPaths(node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if _, isPath := pathKeys[key]; isPath {
				appendPathValues(val, out)
				continue
			}
			collectPaths(val, out)
		}
	case []any:
		for _, item := range v {
			collectPaths(item, out)
		}
	}
}

// appendPathValues accepts a single path or a list of paths.
func appendPathValues(val any, out *[]string) {
	switch p := val.(type) {
	case string:
		if p != "" {
			*out = append(*out, p)
		}
	case []any:
		for _, item := range p {
			if s, ok := item.(string); ok && s != "" {
				*out = append(*out, s)
			}
		}
	}
}
