package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

const (
	execTimeout    = 30 * time.Second
	execAPITimeout = 45 * time.Second
	execWorkdir    = "/tmp/nwh-exec"
)

type runner struct {
	file    string
	command string
}

var runners = map[string]runner{
	"python":     {file: "main.py", command: "python3 main.py"},
	"javascript": {file: "main.js", command: "node main.js"},
	"typescript": {file: "main.ts", command: "npx --yes ts-node main.ts"},
	"go":         {file: "main.go", command: "go run main.go"},
	"rust":       {file: "main.rs", command: "rustc -o main main.rs && ./main"},
}

var exitMarker = regexp.MustCompile(`(?m)^Exit code: (\d+)\s*$`)

// ExecResult is the outcome of running user code in a sandbox.
type ExecResult struct {
	SandboxID  string `json:"sandbox_id"`
	Language   string `json:"language"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// SupportedLanguages lists the languages Execute accepts.
func SupportedLanguages() []string {
	return []string{"python", "javascript", "typescript", "go", "rust"}
}

// Execute writes code into a running sandbox and runs it under a 30s limit.
func (s Service) Execute(ctx context.Context, user domain.User, id, code, language string) (*ExecResult, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = "python"
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code required", ErrInvalidInput)
	}
	command, err := buildCommand(language, code)
	if err != nil {
		return nil, err
	}
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	if sb.State() != domain.StateStarted {
		return nil, fmt.Errorf("%w: state %s", ErrNotRunning, sb.State())
	}

	start := s.now()
	res, err := s.vendor.Execute(ctx, id, command, execAPITimeout)
	if err != nil {
		return nil, err
	}
	output, exitCode := parseExitCode(res.Result, res.ExitCode)
	result := &ExecResult{
		SandboxID:  id,
		Language:   language,
		Output:     output,
		ExitCode:   exitCode,
		Success:    exitCode == 0,
		DurationMS: s.now().Sub(start).Milliseconds(),
	}
	s.touch(ctx, user.ID, *sb)
	s.record(ctx, id, user.ID, domain.ActivityExecuted, "code executed", map[string]any{"language": language, "exit_code": exitCode})
	return result, nil
}

// buildCommand produces a shell command that writes the program and runs it.
// The source travels base64-encoded so no quoting of user code is needed.
func buildCommand(language, code string) (string, error) {
	r, ok := runners[language]
	if !ok {
		return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, language)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	script := fmt.Sprintf(
		`mkdir -p %[1]s && cd %[1]s && echo %[2]s | base64 -d > %[3]s && timeout %[4]ds sh -c "%[5]s" 2>&1; echo "Exit code: $?"`,
		execWorkdir, encoded, r.file, int(execTimeout/time.Second), r.command,
	)
	return "sh -c '" + script + "'", nil
}

// parseExitCode strips the trailing exit marker and returns its code. When
// no marker is present the vendor-reported code is used.
func parseExitCode(raw string, fallback int) (string, int) {
	matches := exitMarker.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return strings.TrimRight(raw, "\n"), fallback
	}
	last := matches[len(matches)-1]
	code, err := strconv.Atoi(raw[last[2]:last[3]])
	if err != nil {
		code = fallback
	}
	output := raw[:last[0]] + raw[last[1]:]
	return strings.TrimRight(output, "\n"), code
}
