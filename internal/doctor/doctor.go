// Package doctor checks that a loaded configuration can actually serve jobs
// on this host.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/codegate/internal/auth"
	"github.com/mattjoyce/codegate/internal/config"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host and the provider set.
type Doctor struct {
	cfg              *config.Config
	providers        *provider.Registry
	manifestProblems []error
}

// New creates a Doctor. manifestProblems are the load failures reported by
// provider discovery.
func New(cfg *config.Config, providers *provider.Registry, manifestProblems []error) *Doctor {
	return &Doctor{cfg: cfg, providers: providers, manifestProblems: manifestProblems}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorkspaceRoot(r)
	d.validateHistoryPath(r)
	d.validateProviders(r)
	d.validateManifests(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)
	d.warnLimits(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorkspaceRoot checks the scratch root can be created and written.
func (d *Doctor) validateWorkspaceRoot(r *Result) {
	root := d.cfg.Workspace.Root
	if err := os.MkdirAll(root, 0o755); err != nil {
		d.addError(r, "workspace", "workspace.root", fmt.Sprintf("cannot create %s: %v", root, err))
		return
	}
	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		d.addError(r, "workspace", "workspace.root", fmt.Sprintf("%s is not writable: %v", root, err))
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	if err := storage.CheckLocalFilesystem(root); err != nil {
		d.addWarning(r, "workspace", "workspace.root", err.Error())
	}
}

// validateHistoryPath checks the SQLite history file would be usable.
func (d *Doctor) validateHistoryPath(r *Result) {
	path := d.cfg.History.Path
	if path == "" {
		return
	}
	if err := storage.CheckLocalFilesystem(path); err != nil {
		d.addError(r, "history", "history.path", err.Error())
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "history", "history.path", fmt.Sprintf("cannot create %s: %v", dir, err))
	}
}

// validateProviders checks the default provider exists and reports
// providers whose binary is missing.
func (d *Doctor) validateProviders(r *Result) {
	def := d.cfg.Defaults.Provider
	p, err := d.providers.Get(def)
	if err != nil {
		d.addError(r, "providers", "defaults.provider", err.Error())
	} else if !p.IsAvailable() {
		d.addWarning(r, "providers", "defaults.provider",
			fmt.Sprintf("default provider %q: binary %q not found on PATH", def, p.Binary()))
	}

	for _, info := range d.providers.List() {
		if info.Available || info.Name == def {
			continue
		}
		d.addWarning(r, "providers", "",
			fmt.Sprintf("provider %q: binary %q not found on PATH", info.Name, info.Binary))
	}
}

func (d *Doctor) validateManifests(r *Result) {
	for _, err := range d.manifestProblems {
		d.addError(r, "manifests", "providers_dir", err.Error())
	}
}

var knownScopes = map[string]bool{
	auth.ScopeExecute: true,
	auth.ScopeCancel:  true,
	auth.ScopeRead:    true,
	auth.ScopeAll:     true,
}

// validateTokenScopes checks every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected execute, cancel, read or *)", scope))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnLimits flags limits that load fine but behave badly.
func (d *Doctor) warnLimits(r *Result) {
	l := d.cfg.Limits
	if l.QueueTimeout >= l.MaxTimeout {
		d.addWarning(r, "limits", "limits.queue_timeout",
			fmt.Sprintf("queue_timeout %s is not shorter than max_timeout %s; callers may wait longer for a slot than for a job", l.QueueTimeout, l.MaxTimeout))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
