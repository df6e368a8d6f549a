package tool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/blah-code/daemon/internal/validation"
)

// registerBuiltins binds the five built-in tools onto r: read_file,
// write_file, list_files, grep, exec.
func registerBuiltins(r *Runtime) {
	register(r, Spec{
		Name:        "read_file",
		Description: "Read a UTF-8 text file relative to the working directory.",
		Permission:  PermRead,
		Schema:      schemaFor[readFileInput](),
	}, handleReadFile)

	register(r, Spec{
		Name:        "write_file",
		Description: "Write a UTF-8 text file relative to the working directory, creating missing parent directories.",
		Permission:  PermWrite,
		Schema:      schemaFor[writeFileInput](),
	}, handleWriteFile)

	register(r, Spec{
		Name:        "list_files",
		Description: "List files matching a glob pattern within the working directory.",
		Permission:  PermRead,
		Schema:      schemaFor[listFilesInput](),
	}, handleListFiles)

	register(r, Spec{
		Name:        "grep",
		Description: "Search files for a case-insensitive regular expression.",
		Permission:  PermRead,
		Schema:      schemaFor[grepInput](),
	}, handleGrep)

	register(r, Spec{
		Name:        "exec",
		Description: "Run a shell command in the working directory.",
		Permission:  PermExec,
		Schema:      schemaFor[execInput](),
	}, handleExec)
}

func register[P any](r *Runtime, spec Spec, h func(ctx context.Context, p P, cwd string) (map[string]any, error)) {
	r.register(spec, func(ctx context.Context, input map[string]any, cwd string) (map[string]any, error) {
		p, err := decode[P](input)
		if err != nil {
			return nil, err
		}
		return h(ctx, p, cwd)
	})
}

type readFileInput struct {
	Path string `json:"path"`
}

func handleReadFile(_ context.Context, p readFileInput, cwd string) (map[string]any, error) {
	resolved, err := validation.ResolveWithinCwd(cwd, p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return map[string]any{"path": p.Path, "content": string(data)}, nil
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func handleWriteFile(_ context.Context, p writeFileInput, cwd string) (map[string]any, error) {
	resolved, err := validation.ResolveWithinCwd(cwd, p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: create parents: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return map[string]any{"path": p.Path, "bytes": len(p.Content)}, nil
}

type listFilesInput struct {
	Pattern string `json:"pattern,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func handleListFiles(_ context.Context, p listFilesInput, cwd string) (map[string]any, error) {
	pattern := p.Pattern
	if pattern == "" {
		pattern = "**/*"
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	seen := map[string]struct{}{}
	var files []string
	_ = filepath.WalkDir(cwd, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(cwd, path)
		if err != nil {
			return nil
		}
		ok, _ := matchGlob(pattern, rel)
		if !ok {
			return nil
		}
		if _, dup := seen[rel]; dup {
			return nil
		}
		seen[rel] = struct{}{}
		files = append(files, rel)
		if len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	sort.Strings(files)
	return map[string]any{"files": files, "total": len(files)}, nil
}

type grepInput struct {
	Pattern string `json:"pattern"`
	Glob    string `json:"glob,omitempty"`
}

func handleGrep(_ context.Context, p grepInput, cwd string) (map[string]any, error) {
	glob := p.Glob
	if glob == "" {
		glob = "**/*"
	}
	re, err := regexp.Compile("(?i)" + p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("grep: invalid pattern: %w", err)
	}

	const maxFiles = 300
	const maxMatches = 200

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	filesScanned := 0

	_ = filepath.WalkDir(cwd, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if filesScanned >= maxFiles || len(matches) >= maxMatches {
			return fs.SkipAll
		}
		rel, err := filepath.Rel(cwd, path)
		if err != nil {
			return nil
		}
		ok, _ := matchGlob(glob, rel)
		if !ok {
			return nil
		}
		filesScanned++

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, match{File: rel, Line: lineNo, Text: line})
				if len(matches) >= maxMatches {
					break
				}
			}
		}
		return nil
	})

	out := make([]map[string]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"file": m.File, "line": m.Line, "text": m.Text}
	}
	return map[string]any{"matches": out}, nil
}

type execInput struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

func handleExec(ctx context.Context, p execInput, cwd string) (map[string]any, error) {
	timeoutMs := p.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 30000
	}
	if timeoutMs < 100 {
		timeoutMs = 100
	}
	if timeoutMs > 120000 {
		timeoutMs = 120000
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", p.Command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.Writer(&stdout)
	cmd.Stderr = io.Writer(&stderr)

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return map[string]any{
		"command":  p.Command,
		"exitCode": exitCode,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
	}, nil
}

// matchGlob extends path.Match with "**" support for recursive globs, the
// shape of pattern the built-in list_files/grep tools accept.
func matchGlob(pattern, name string) (bool, error) {
	if pattern == "**/*" || pattern == "**" {
		return true, nil
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b []byte
	b = append(b, '^')
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			b = append(b, '.', '*')
			i += 2
			if i < len(pattern) && pattern[i] == '/' {
				i++
			}
		case c == '*':
			b = append(b, '[', '^', '/', ']', '*')
			i++
		case c == '?':
			b = append(b, '[', '^', '/', ']')
			i++
		case c == '.':
			b = append(b, '\\', '.')
			i++
		default:
			b = append(b, c)
			i++
		}
	}
	b = append(b, '$')
	return regexp.Compile(string(b))
}
