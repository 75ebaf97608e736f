// Package diag translates raw validator output into structured, categorized
// diagnostics a client can render without ever seeing tool stderr.
package diag

// Category is the sealed set of diagnostic categories.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryTypes      Category = "types"
	CategoryStructure  Category = "structure"
	CategoryReferences Category = "references"
	CategorySyntax     Category = "syntax"
)

// Severity mirrors the validator's severity levels.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one translated finding. Location fields are populated when
// the raw message carried a file:line:column reference.
type Diagnostic struct {
	RawMessage      string   `json:"raw_message"`
	FriendlyMessage string   `json:"friendly_message"`
	Explanation     string   `json:"explanation"`
	Suggestions     []string `json:"suggestions"`
	Category        Category `json:"category"`
	Severity        Severity `json:"severity"`
	Filename        string   `json:"filename,omitempty"`
	Line            int      `json:"line,omitempty"`
	Column          int      `json:"column,omitempty"`
	Path            string   `json:"path,omitempty"`
	ErrorType       string   `json:"error_type,omitempty"`
	Context         string   `json:"context,omitempty"`
}
