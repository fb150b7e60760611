package provider

type builtin struct {
	name   string
	binary string
}

func (b builtin) Name() string      { return b.name }
func (b builtin) Binary() string    { return b.binary }
func (b builtin) IsAvailable() bool { return binaryAvailable(b.binary) }

// ClaudeCode runs Anthropic's claude CLI in print mode with JSON output.
type ClaudeCode struct{ builtin }

// NewClaudeCode returns the claude-code provider.
func NewClaudeCode() *ClaudeCode {
	return &ClaudeCode{builtin{name: "claude-code", binary: "claude"}}
}

func (p *ClaudeCode) BuildSpawnSpec(prompt, model, _ string) SpawnSpec {
	return SpawnSpec{
		Command: p.binary,
		Args: []string{
			"-p", prompt,
			"--model", model,
			"--output-format", "json",
			"--dangerously-skip-permissions",
		},
	}
}

func (p *ClaudeCode) ParseOutput(stdout string, exitCode int) (Output, error) {
	return parseJSONOutput(stdout, exitCode)
}

// Codex runs OpenAI's codex CLI unattended.
type Codex struct{ builtin }

// NewCodex returns the codex provider.
func NewCodex() *Codex {
	return &Codex{builtin{name: "codex", binary: "codex"}}
}

func (p *Codex) BuildSpawnSpec(prompt, model, _ string) SpawnSpec {
	return SpawnSpec{
		Command: p.binary,
		Args:    []string{"--quiet", "--full-auto", "--model", model, prompt},
	}
}

func (p *Codex) ParseOutput(stdout string, exitCode int) (Output, error) {
	return parseTextOutput(stdout, exitCode)
}

// Aider runs aider with a single message and no git commits.
type Aider struct{ builtin }

// NewAider returns the aider provider.
func NewAider() *Aider {
	return &Aider{builtin{name: "aider", binary: "aider"}}
}

func (p *Aider) BuildSpawnSpec(prompt, model, _ string) SpawnSpec {
	return SpawnSpec{
		Command: p.binary,
		Args: []string{
			"--message", prompt,
			"--model", model,
			"--yes",
			"--no-auto-commits",
			"--no-stream",
		},
	}
}

func (p *Aider) ParseOutput(stdout string, exitCode int) (Output, error) {
	return parseTextOutput(stdout, exitCode)
}

// Builtins returns the providers compiled into codegate.
func Builtins() []Provider {
	return []Provider{NewClaudeCode(), NewCodex(), NewAider()}
}
