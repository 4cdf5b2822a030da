// Package preflight validates the runtime environment before the
// service starts: data directories, disk space, and the model
// endpoints the pipeline depends on.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	config *config.Config
	output io.Writer
}

// New creates a checker for the given configuration.
func New(cfg *config.Config, output io.Writer) *Checker {
	if output == nil {
		output = os.Stdout
	}
	return &Checker{config: cfg, output: output}
}

// RunAll runs every check and returns the results. Storage checks are
// required; model endpoints degrade at runtime, so they only warn.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	results := []CheckResult{
		c.CheckDataDir(filepath.Dir(c.config.Database.Path)),
		c.CheckDataDir(c.config.VectorStore.Root),
		c.CheckDiskSpace(filepath.Dir(c.config.Database.Path)),
		c.CheckEmbedder(ctx),
		c.CheckLLM(ctx),
		c.CheckReranker(ctx),
		c.CheckExternalSearch(),
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus collapses results into ready, ready_with_warnings, or
// failed.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "xu-news System Check")
	_, _ = fmt.Fprintln(c.output, "====================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))
}

// CheckDataDir verifies the directory exists (creating it if needed)
// and is writable.
func (c *Checker) CheckDataDir(dir string) CheckResult {
	result := CheckResult{
		Name:     "data_dir " + dir,
		Required: true,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create: %v", err)
		return result
	}

	testFile := filepath.Join(dir, ".xu-news-preflight-test")
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("not writable: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(testFile)

	result.Status = StatusPass
	result.Message = "writable"
	return result
}
