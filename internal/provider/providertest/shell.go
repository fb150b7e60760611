// Package providertest supplies providers backed by /bin/sh for tests.
package providertest

import (
	"os/exec"
	"strings"

	"github.com/mattjoyce/codegate/internal/provider"
)

// Shell is a provider whose process is `/bin/sh -c <script> sh <prompt> <model>`.
// Inside the script $1 is the prompt, $2 the model and the working directory
// is the workspace.
type Shell struct {
	ProviderName string
	Script       string
	Env          map[string]string
}

var _ provider.Provider = (*Shell)(nil)

// NewShell returns a shell provider named name running script.
func NewShell(name, script string) *Shell {
	return &Shell{ProviderName: name, Script: script}
}

func (s *Shell) Name() string   { return s.ProviderName }
func (s *Shell) Binary() string { return "/bin/sh" }

func (s *Shell) IsAvailable() bool {
	_, err := exec.LookPath("/bin/sh")
	return err == nil
}

func (s *Shell) BuildSpawnSpec(prompt, model, _ string) provider.SpawnSpec {
	return provider.SpawnSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", s.Script, "sh", prompt, model},
		Env:     s.Env,
	}
}

func (s *Shell) ParseOutput(stdout string, exitCode int) (provider.Output, error) {
	return provider.Output{Output: strings.TrimSpace(stdout), ExitCode: exitCode}, nil
}
