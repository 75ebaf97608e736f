// Package engine runs the resolve pipeline: materialize fragments, validate
// them with the external CUE toolchain, export the resolved document, and
// derive the spec hash plus artifact projection.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/diag"
	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/toolrunner"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

// Result is the outcome of one resolve. A failed resolve still carries
// diagnostics; SpecHash and Artifacts are only set on success.
type Result struct {
	OK            bool              `json:"ok"`
	Diagnostics   []diag.Diagnostic `json:"diagnostics,omitempty"`
	Warnings      []diag.Diagnostic `json:"warnings,omitempty"`
	SpecHash      string            `json:"spec_hash,omitempty"`
	CanonicalJSON []byte            `json:"-"`
	Resolved      map[string]any    `json:"-"`
	Artifacts     []store.Artifact  `json:"-"`
	Duration      time.Duration     `json:"-"`
}

// Engine coordinates the external toolchain. All resolves share a bounded
// worker pool; queue wait counts against the caller's deadline.
type Engine struct {
	runner  *toolrunner.Runner
	ws      *workspace.Manager
	pool    *workerPool
	schema  *jsonschema.Schema
	metrics metrics.Recorder

	toolsMu sync.RWMutex
	tools   config.ToolsConfig
}

// New builds an Engine. A schema compile failure is logged and disables the
// structural assertion only.
func New(ws *workspace.Manager, tools config.ToolsConfig, maxConcurrency int, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	e := &Engine{
		runner:  toolrunner.New(),
		ws:      ws,
		tools:   tools,
		pool:    newWorkerPool(maxConcurrency),
		metrics: rec,
	}
	schema, err := compileResolvedSchema()
	if err != nil {
		slog.Error("Structural schema failed to compile; schema assertion disabled", "error", err)
	} else {
		e.schema = schema
	}
	return e
}

// UpdateTools swaps the toolchain configuration. In-flight resolves keep
// the settings they started with; the config watcher calls this on reload.
func (e *Engine) UpdateTools(tools config.ToolsConfig) {
	e.toolsMu.Lock()
	e.tools = tools
	e.toolsMu.Unlock()
}

func (e *Engine) toolset() config.ToolsConfig {
	e.toolsMu.RLock()
	defer e.toolsMu.RUnlock()
	return e.tools
}

// ValidateProject materializes the given fragments and runs the full
// pipeline. Tool failures are reported as diagnostics on the Result;
// the error return is reserved for infrastructure faults.
func (e *Engine) ValidateProject(ctx context.Context, projectID string, fragments []store.Fragment) (*Result, error) {
	start := time.Now()
	tools := e.toolset()

	if err := e.pool.acquire(ctx); err != nil {
		return nil, derrors.ToolError("resolve queue wait exceeded deadline").WithCause(err).Build()
	}
	defer e.pool.release()

	if err := e.materialize(projectID, fragments); err != nil {
		return nil, err
	}

	res := &Result{}
	dir := e.ws.FragmentsDir(projectID)

	// Stage 1: vet. Catches unification and constraint errors with the best
	// source positions the toolchain can give.
	vetStart := time.Now()
	vet := e.runner.Run(ctx, toolrunner.Spec{
		Cmd:     tools.ValidatorBinary,
		Args:    []string{"vet", "-c=false", "./..."},
		Dir:     dir,
		Timeout: tools.ToolTimeout(),
	})
	e.metrics.ObserveStageDuration("vet", time.Since(vetStart))
	e.metrics.IncToolRun("vet", toolResultLabel(vet))
	if !vet.OK {
		res.Diagnostics = toolFailureDiagnostics(vet, tools.ToolTimeout())
		res.Duration = time.Since(start)
		e.metrics.ObserveResolveDuration(res.Duration, false)
		return res, nil
	}

	// Stage 2: export. Produces the fully resolved JSON document.
	exportStart := time.Now()
	export := e.runner.Run(ctx, toolrunner.Spec{
		Cmd:     tools.ProjectorBinary,
		Args:    []string{"export", "--out", "json", "./..."},
		Dir:     dir,
		Timeout: tools.ToolTimeout(),
	})
	e.metrics.ObserveStageDuration("export", time.Since(exportStart))
	e.metrics.IncToolRun("export", toolResultLabel(export))
	if !export.OK {
		res.Diagnostics = toolFailureDiagnostics(export, tools.ToolTimeout())
		res.Duration = time.Since(start)
		e.metrics.ObserveResolveDuration(res.Duration, false)
		return res, nil
	}

	var resolved map[string]any
	if err := json.Unmarshal([]byte(export.Stdout), &resolved); err != nil {
		res.Diagnostics = []diag.Diagnostic{exportDecodeDiagnostic(err)}
		res.Duration = time.Since(start)
		e.metrics.ObserveResolveDuration(res.Duration, false)
		return res, nil
	}
	res.Resolved = resolved

	// Stage 3: canonical hash.
	hash, canonical, err := SpecHash(resolved)
	if err != nil {
		return nil, derrors.InternalError("canonicalize resolved spec").WithCause(err).Build()
	}

	// Stage 4: assertions and custom checks over the resolved document.
	assertStart := time.Now()
	res.Diagnostics = append(res.Diagnostics, e.runAssertions(resolved, canonical)...)
	customErrs, warnings := e.runCustomChecks(resolved)
	res.Diagnostics = append(res.Diagnostics, customErrs...)
	res.Warnings = warnings
	e.metrics.ObserveStageDuration("assert", time.Since(assertStart))

	res.Duration = time.Since(start)
	if len(res.Diagnostics) > 0 {
		e.metrics.ObserveResolveDuration(res.Duration, false)
		return res, nil
	}

	res.OK = true
	res.SpecHash = hash
	res.CanonicalJSON = canonical
	res.Artifacts = ExtractArtifacts(projectID, resolved)
	e.metrics.ObserveResolveDuration(res.Duration, true)
	return res, nil
}

// FormatFragment pipes content through the formatter and returns the
// formatted text. Formatting is interactive, so it runs under the tighter
// analysis timeout rather than the resolve timeout. A formatter rejection
// surfaces as a validation error carrying the tool's stderr.
func (e *Engine) FormatFragment(ctx context.Context, content string) (string, error) {
	tools := e.toolset()
	timeout := tools.AnalysisTimeout()
	if timeout <= 0 {
		timeout = tools.ToolTimeout()
	}

	run := e.runner.Run(ctx, toolrunner.Spec{
		Cmd:     tools.FormatterBinary,
		Args:    []string{"fmt", "-"},
		Timeout: timeout,
		Stdin:   content,
	})
	e.metrics.IncToolRun("fmt", toolResultLabel(run))

	switch {
	case run.OK:
		return run.Stdout, nil
	case run.SpawnFailed():
		return "", derrors.ToolError("formatter binary could not be started").WithCause(run.Err).Build()
	case run.TimedOut():
		return "", derrors.ToolError(fmt.Sprintf("formatter timed out after %s", timeout)).Build()
	default:
		return "", derrors.ValidationError("fragment does not parse").
			WithContext("stderr", strings.TrimSpace(run.Stderr)).Build()
	}
}

// CleanupProject removes a project's materialized workspace.
func (e *Engine) CleanupProject(projectID string) error {
	return e.ws.Cleanup(projectID)
}

// materialize brings workdir/<project>/fragments/ in sync with the given
// fragment set: writes every fragment and removes stale matches so deleted
// fragments stop influencing the resolve.
func (e *Engine) materialize(projectID string, fragments []store.Fragment) error {
	wanted := make(map[string]struct{}, len(fragments))
	for _, f := range fragments {
		wanted[f.Path] = struct{}{}
		if err := e.ws.WriteFragment(projectID, f.Path, f.Content); err != nil {
			return derrors.StoreError("materialize fragment").
				WithContext("path", f.Path).WithCause(err).Build()
		}
	}
	stale, err := e.ws.StaleFragments(projectID, wanted)
	if err != nil {
		// A workspace dir that does not exist yet has nothing stale in it.
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return derrors.StoreError("scan workspace for stale fragments").
			WithContext("project_id", projectID).WithCause(err).Build()
	}
	for _, rel := range stale {
		if err := e.ws.RemoveFragment(projectID, rel); err != nil {
			slog.Warn("Failed to remove stale fragment", "project", projectID, "path", rel, "error", err)
		}
	}
	return nil
}

func toolFailureDiagnostics(r toolrunner.Result, timeout time.Duration) []diag.Diagnostic {
	switch {
	case r.SpawnFailed():
		detail := "spawn failed"
		if r.Err != nil {
			detail = r.Err.Error()
		}
		return []diag.Diagnostic{diag.SpawnFailure(detail)}
	case r.TimedOut():
		return []diag.Diagnostic{diag.Timeout(fmt.Sprintf("tool timed out after %s", timeout))}
	default:
		return diag.FromExit(r.Stderr)
	}
}

func exportDecodeDiagnostic(err error) diag.Diagnostic {
	return diag.Diagnostic{
		RawMessage:      err.Error(),
		FriendlyMessage: "Resolved output is not valid JSON",
		Explanation:     "The projector exited successfully but its output could not be decoded, so no version can be derived.",
		Suggestions: []string{
			"Verify the projector binary supports --out json",
			"Check the projector binary version",
		},
		Category:  diag.CategoryValidation,
		Severity:  diag.SeverityError,
		ErrorType: "export_decode",
	}
}

func toolResultLabel(r toolrunner.Result) metrics.ResultLabel {
	switch {
	case r.OK:
		return metrics.ResultSuccess
	case r.TimedOut():
		return metrics.ResultTimeout
	default:
		return metrics.ResultFailure
	}
}
