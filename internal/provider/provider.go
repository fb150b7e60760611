// Package provider describes the external agent programs codegate can run.
//
// A Provider knows how to turn (prompt, model, workspace) into a command line
// and how to turn the program's stdout into an Output. Spawning and
// supervising the process is the job of package process.
package provider

import (
	"encoding/json"
	"os/exec"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/codegate/internal/provider Provider

// SpawnSpec is the command line for one execution.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Output is the parsed result of a finished process. A non-zero ExitCode is
// data, not an error.
type Output struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// Provider is an external agent program.
type Provider interface {
	Name() string
	Binary() string
	BuildSpawnSpec(prompt, model, dir string) SpawnSpec
	ParseOutput(stdout string, exitCode int) (Output, error)
	IsAvailable() bool
}

// Info describes a provider for listings.
type Info struct {
	Name      string `json:"name"`
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
}

var lookPath = exec.LookPath

func binaryAvailable(binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

// parseTextOutput trims surrounding whitespace.
func parseTextOutput(stdout string, exitCode int) (Output, error) {
	return Output{Output: strings.TrimSpace(stdout), ExitCode: exitCode}, nil
}

// parseJSONOutput extracts the answer from a JSON document. A JSON string is
// used as-is; an object yields its "result" or "text" field; anything else is
// re-encoded. Output that is not JSON falls back to trimmed text.
func parseJSONOutput(stdout string, exitCode int) (Output, error) {
	var parsed any
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil || parsed == nil {
		return parseTextOutput(stdout, exitCode)
	}

	switch v := parsed.(type) {
	case string:
		return Output{Output: v, ExitCode: exitCode}, nil
	case map[string]any:
		for _, key := range []string{"result", "text"} {
			if field, ok := v[key]; ok && field != nil {
				return Output{Output: stringify(field), ExitCode: exitCode}, nil
			}
		}
	}
	return Output{Output: stringify(parsed), ExitCode: exitCode}, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
