package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Problem is an RFC 7807 problem document. Extension members carry the
// classified error context so UIs can render actionable messages.
type Problem struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Category   string         `json:"category,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// HTTPErrorAdapter maps classified errors to RFC 7807 problem responses.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates a new adapter. A nil logger falls back to the
// default package logger.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// StatusCodeFor determines the HTTP status code for a given error based on
// its classification. Unknown errors map to 500.
func (a *HTTPErrorAdapter) StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if c, ok := AsClassified(err); ok {
		switch c.Category() {
		case CategoryValidation, CategoryAssertion, CategoryCustom:
			return http.StatusUnprocessableEntity
		case CategoryBadPath, CategoryBadRequest, CategoryConfig:
			return http.StatusBadRequest
		case CategoryTicket:
			return http.StatusForbidden
		case CategoryAuth:
			return http.StatusForbidden
		case CategoryNotFound:
			return http.StatusNotFound
		case CategoryRateLimited:
			return http.StatusTooManyRequests
		case CategoryTool, CategoryBus:
			return http.StatusBadGateway
		case CategoryFabric, CategoryStore, CategoryInternal:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

// ProblemFor converts an error into a problem document.
func (a *HTTPErrorAdapter) ProblemFor(err error, instance string) Problem {
	status := a.StatusCodeFor(err)
	p := Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Instance: instance,
	}
	if c, ok := AsClassified(err); ok {
		p.Type = "https://specbench.inful.dev/problems/" + string(c.Category())
		p.Title = c.Message()
		p.Category = string(c.Category())
		p.Retryable = c.CanRetry()
		if cause := c.Cause(); cause != nil {
			p.Detail = cause.Error()
		}
		if len(c.Context()) > 0 {
			p.Extensions = map[string]any(c.Context())
		}
		return p
	}
	if err != nil {
		// Sanitized: internal error text never leaks to clients.
		p.Detail = "internal error"
	}
	return p
}

// WriteProblem writes an RFC 7807 response and logs with severity-appropriate level.
func (a *HTTPErrorAdapter) WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	p := a.ProblemFor(err, r.URL.Path)
	b, jerr := json.Marshal(p)
	if jerr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"about:blank","title":"Internal Server Error","status":500}`))
		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_, _ = w.Write(b)

	if c, ok := AsClassified(err); ok {
		a.logger.Log(r.Context(), a.slogLevelFromSeverity(c.Severity()), c.Error(),
			slog.String("path", r.URL.Path),
			slog.Int("status", p.Status))
		return
	}
	a.logger.Error(err.Error(), slog.String("path", r.URL.Path))
}

func (a *HTTPErrorAdapter) slogLevelFromSeverity(s ErrorSeverity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
