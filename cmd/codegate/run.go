package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/workspace"
)

type runOptions struct {
	provider string
	model    string
	timeout  time.Duration
	files    []string
	outDir   string
	jsonOut  bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt locally without the HTTP server",
		Long: `Run executes a single prompt through a provider on this machine and prints
the output. With no prompt argument, or "-", the prompt is read from stdin.
Files passed with --file are seeded into the workspace; files the provider
creates or changes are written under --out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			log.SetupWriter(cmd.ErrOrStderr(), "warn", cfg.Service.LogFormat)

			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			files, err := readSeedFiles(ro.files)
			if err != nil {
				return err
			}

			logger := log.WithComponent("run")
			providers, _, err := buildProviders(cfg, logger)
			if err != nil {
				return err
			}
			st, err := buildStack(cmd.Context(), cfg, providers, logger)
			if err != nil {
				return err
			}
			defer st.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := st.dispatcher.Execute(ctx, dispatch.Request{
				Prompt:    prompt,
				Provider:  ro.provider,
				Model:     ro.model,
				TimeoutMs: ro.timeout.Milliseconds(),
				Files:     files,
			})
			if err != nil {
				return err
			}
			return printRunResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, ro)
		},
	}
	cmd.Flags().StringVarP(&ro.provider, "provider", "p", "", "provider name (default from config)")
	cmd.Flags().StringVarP(&ro.model, "model", "m", "", "model name (default from config)")
	cmd.Flags().DurationVar(&ro.timeout, "timeout", 0, "execution timeout (default from config)")
	cmd.Flags().StringArrayVarP(&ro.files, "file", "f", nil, "seed a file into the workspace (repeatable)")
	cmd.Flags().StringVarP(&ro.outDir, "out", "o", "", "write changed files under this directory")
	cmd.Flags().BoolVar(&ro.jsonOut, "json", false, "print the full result as JSON")
	return cmd
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}

// readSeedFiles loads local files as workspace entries. Relative paths keep
// their layout; absolute paths are seeded by base name.
func readSeedFiles(paths []string) ([]workspace.FileEntry, error) {
	entries := make([]workspace.FileEntry, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		rel := filepath.Clean(p)
		if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
			rel = filepath.Base(rel)
		}
		entry := workspace.FileEntry{Path: filepath.ToSlash(rel), Encoding: workspace.EncodingUTF8}
		if utf8.Valid(data) {
			entry.Content = string(data)
		} else {
			entry.Content = base64.StdEncoding.EncodeToString(data)
			entry.Encoding = workspace.EncodingBase64
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func printRunResult(stdout, stderr io.Writer, res *dispatch.Result, ro *runOptions) error {
	if ro.outDir != "" {
		if err := writeResultFiles(ro.outDir, res.Files); err != nil {
			return err
		}
	}

	if ro.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, res.Output)
		fmt.Fprintf(stderr, "provider=%s model=%s exit=%d duration=%dms files=%d\n",
			res.Provider, res.Model, res.ExitCode, res.DurationMs, len(res.Files))
	}

	if res.ExitCode != 0 {
		return exitCodeError{code: res.ExitCode}
	}
	return nil
}

func writeResultFiles(dir string, files []workspace.FileEntry) error {
	for _, f := range files {
		rel := filepath.FromSlash(f.Path)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("refusing to write %q outside %s", f.Path, dir)
		}
		data, err := f.Bytes()
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
	}
	return nil
}
