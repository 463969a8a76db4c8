package project

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

// Export formats.
const (
	FormatZip    = "zip"
	FormatJSON   = "json"
	FormatGitHub = "github"
	FormatDocker = "docker"
)

// Export is a downloadable rendering of a project.
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Export renders an owned project in format. An empty format means zip.
func (s Service) Export(ctx context.Context, user domain.User, id, format string) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatZip
	}
	p, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	base := slug(p.Name)

	var out *Export
	switch format {
	case FormatJSON:
		body, err := json.MarshalIndent(jsonExport{Project: *p, ExportedAt: s.now().UTC(), ExportFormat: FormatJSON}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode project export: %w", err)
		}
		out = &Export{Filename: base + ".json", ContentType: "application/json", Body: body}
	case FormatZip, FormatGitHub, FormatDocker:
		body, err := zipFiles(bundle(format, *p), p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("build project archive: %w", err)
		}
		name := base + ".zip"
		if format != FormatZip {
			name = base + "-" + format + ".zip"
		}
		out = &Export{Filename: name, ContentType: "application/zip", Body: body}
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, format)
	}
	s.logger.Info("project exported", "project_id", p.ID, "user_id", user.ID, "format", format, "bytes", len(out.Body))
	return out, nil
}

type jsonExport struct {
	domain.Project
	ExportedAt   time.Time `json:"exported_at"`
	ExportFormat string    `json:"export_format"`
}

// bundle lays out the archive entries for format.
func bundle(format string, p domain.Project) map[string]string {
	ext := extension(p.Language)
	files := map[string]string{}
	switch format {
	case FormatGitHub:
		files["README.md"] = readme(p, "")
		files[".gitignore"] = gitignore(p.Language)
		files["src/main."+ext] = p.Code
		addManifest(files, "", p)
	case FormatDocker:
		files["Dockerfile"] = dockerfile(p.Language, "app/")
		files["docker-compose.yml"] = fmt.Sprintf("services:\n  %s:\n    build: .\n    ports:\n      - \"8000:8000\"\n", slug(p.Name))
		files[".dockerignore"] = ".git\n.env\n__pycache__/\nnode_modules/\n"
		files["app/main."+ext] = p.Code
		files["README.md"] = readme(p, "docker compose up --build")
		addManifest(files, "app/", p)
	default:
		files["main."+ext] = p.Code
		files["README.md"] = readme(p, "")
		files["Dockerfile"] = dockerfile(p.Language, "")
		files[".gitignore"] = gitignore(p.Language)
		addManifest(files, "", p)
	}
	return files
}

func addManifest(files map[string]string, dir string, p domain.Project) {
	switch p.Language {
	case "python":
		files[dir+"requirements.txt"] = Requirements(p.Code) + "\n"
	case "javascript", "typescript":
		files[dir+"package.json"] = fmt.Sprintf("{\n  \"name\": %q,\n  \"version\": \"1.0.0\",\n  \"main\": \"main.js\",\n  \"scripts\": {\"start\": \"node main.js\"}\n}\n", slug(p.Name))
	}
}

// zipFiles writes files in name order so identical projects give identical archives.
func zipFiles(files map[string]string, modified time.Time) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var baseRequirements = []string{"flask==2.3.3", "requests==2.31.0"}

// requirementHints maps code markers to the pins they pull in.
var requirementHints = []struct {
	markers []string
	pins    []string
}{
	{[]string{"numpy", "np."}, []string{"numpy==1.24.3"}},
	{[]string{"pandas", "pd."}, []string{"pandas==2.0.3"}},
	{[]string{"torch"}, []string{"torch==2.0.1"}},
	{[]string{"transformers"}, []string{"transformers==4.30.2"}},
	{[]string{"fastapi"}, []string{"fastapi==0.104.1", "uvicorn==0.24.0"}},
}

// Requirements guesses a requirements.txt body from the imports in code.
func Requirements(code string) string {
	reqs := append([]string(nil), baseRequirements...)
	for _, hint := range requirementHints {
		for _, marker := range hint.markers {
			if strings.Contains(code, marker) {
				reqs = append(reqs, hint.pins...)
				break
			}
		}
	}
	return strings.Join(reqs, "\n")
}

func extension(language string) string {
	switch language {
	case "python":
		return "py"
	case "javascript":
		return "js"
	case "typescript":
		return "ts"
	case "go":
		return "go"
	case "rust":
		return "rs"
	}
	return "txt"
}

func dockerfile(language, dir string) string {
	switch language {
	case "python":
		return "FROM python:3.11-slim\n\nWORKDIR /app\n\nCOPY " + dir + "requirements.txt .\nRUN pip install --no-cache-dir -r requirements.txt\n\nCOPY " + orDot(dir) + " .\n\nEXPOSE 8000\n\nCMD [\"python\", \"main.py\"]\n"
	case "javascript", "typescript":
		return "FROM node:18-alpine\n\nWORKDIR /app\n\nCOPY " + dir + "package*.json ./\nRUN npm ci --only=production\n\nCOPY " + orDot(dir) + " .\n\nEXPOSE 8000\n\nCMD [\"npm\", \"start\"]\n"
	}
	return "FROM alpine:latest\nWORKDIR /app\nCOPY " + orDot(dir) + " .\nEXPOSE 8000\nCMD [\"echo\", \"Configure Dockerfile for " + language + "\"]\n"
}

func orDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func readme(p domain.Project, run string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nCreated with Neural Weights Hub.\n\n## Language\n%s\n\n", p.Name, p.Language)
	if run != "" {
		fmt.Fprintf(&b, "## Running\n\n```\n%s\n```\n\nThe app listens on port 8000.\n\n", run)
	}
	fmt.Fprintf(&b, "## Created\n%s\n", p.CreatedAt.UTC().Format("2006-01-02"))
	return b.String()
}

func gitignore(language string) string {
	out := "# Environment\n.env\n.env.local\n*.log\n"
	switch language {
	case "python":
		out += "\n# Python\n__pycache__/\n*.py[cod]\nbuild/\ndist/\n*.egg-info/\n"
	case "javascript", "typescript":
		out += "\n# Node.js\nnode_modules/\nnpm-debug.log*\n.next/\nout/\n"
	}
	return out
}
