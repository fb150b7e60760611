package provider

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,49}$`)

// Output formats a manifest may declare.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// Manifest declares an additional provider on disk.
//
//	name: gemini
//	binary: gemini
//	args: ["--model", "{{.Model}}", "--prompt", "{{.Prompt}}"]
//	env: {NO_COLOR: "1"}
//	output: text
type Manifest struct {
	Name   string            `yaml:"name"`
	Binary string            `yaml:"binary"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env,omitempty"`
	Output string            `yaml:"output,omitempty"`
}

// templateData is what manifest argument templates can reference.
type templateData struct {
	Prompt    string
	Model     string
	Workspace string
}

// ManifestProvider runs a command declared by a Manifest.
type ManifestProvider struct {
	manifest Manifest
	path     string
	binary   string
	args     []*template.Template
}

var _ Provider = (*ManifestProvider)(nil)

func (p *ManifestProvider) Name() string      { return p.manifest.Name }
func (p *ManifestProvider) Binary() string    { return p.binary }
func (p *ManifestProvider) IsAvailable() bool { return binaryAvailable(p.binary) }

// Path returns the directory the manifest was loaded from.
func (p *ManifestProvider) Path() string { return p.path }

func (p *ManifestProvider) BuildSpawnSpec(prompt, model, dir string) SpawnSpec {
	data := templateData{Prompt: prompt, Model: model, Workspace: dir}
	args := make([]string, 0, len(p.args))
	for i, tmpl := range p.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			// Templates are checked at load time; keep the literal on the off chance.
			args = append(args, p.manifest.Args[i])
			continue
		}
		args = append(args, buf.String())
	}

	var env map[string]string
	if len(p.manifest.Env) > 0 {
		env = make(map[string]string, len(p.manifest.Env))
		for k, v := range p.manifest.Env {
			env[k] = v
		}
	}
	return SpawnSpec{Command: p.binary, Args: args, Env: env}
}

func (p *ManifestProvider) ParseOutput(stdout string, exitCode int) (Output, error) {
	if p.manifest.Output == OutputJSON {
		return parseJSONOutput(stdout, exitCode)
	}
	return parseTextOutput(stdout, exitCode)
}

// Discover scans dir for <name>/manifest.yaml files. Manifests that fail to
// load are returned in problems and skipped; err is reserved for an
// unreadable dir.
func Discover(dir string) (providers []*ManifestProvider, problems []error, err error) {
	absDir, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve providers dir %q: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("providers dir does not exist: %s", absDir)
		}
		return nil, nil, fmt.Errorf("failed to stat providers dir %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("providers dir is not a directory: %s", absDir)
	}

	seen := make(map[string]string)
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		p, err := LoadManifest(path)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		if prev, dup := seen[p.Name()]; dup {
			problems = append(problems, fmt.Errorf("%s: duplicate provider %q (keeping %s)", path, p.Name(), prev))
			return nil
		}
		seen[p.Name()] = p.path
		providers = append(providers, p)
		return nil
	})
	if err != nil {
		return nil, problems, fmt.Errorf("failed to scan providers dir %s: %w", absDir, err)
	}
	return providers, problems, nil
}

// LoadManifest reads and validates a single manifest file.
func LoadManifest(manifestPath string) (*ManifestProvider, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	providerDir := filepath.Dir(manifestPath)
	binary := m.Binary
	if strings.ContainsRune(binary, '/') && !filepath.IsAbs(binary) {
		binary = filepath.Join(providerDir, binary)
	}

	args := make([]*template.Template, 0, len(m.Args))
	for i, a := range m.Args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		// Catch references to fields that do not exist.
		if err := tmpl.Execute(&bytes.Buffer{}, templateData{}); err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		args = append(args, tmpl)
	}

	return &ManifestProvider{
		manifest: m,
		path:     providerDir,
		binary:   binary,
		args:     args,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must match %s", m.Name, namePattern)
	}
	if strings.TrimSpace(m.Binary) == "" {
		return fmt.Errorf("binary is required")
	}
	if strings.Contains(m.Binary, "..") {
		return fmt.Errorf("binary contains path traversal: %s", m.Binary)
	}
	switch m.Output {
	case "":
		m.Output = OutputText
	case OutputText, OutputJSON:
	default:
		return fmt.Errorf("invalid output %q (valid: text, json)", m.Output)
	}
	return nil
}
