package project

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

var savedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func projectRepo() *stubProjectRepository {
	return &stubProjectRepository{projects: map[string]domain.Project{
		"bot-1": {ID: "bot-1", UserID: "u1", Name: "Slack Bot", Language: "python", Code: "import numpy as np\nprint(np.zeros(2))", Version: 3, CreatedAt: savedAt, UpdatedAt: savedAt},
		"web-1": {ID: "web-1", UserID: "u1", Name: "Web", Language: "javascript", Code: "console.log(1)", CreatedAt: savedAt, UpdatedAt: savedAt},
	}}
}

func unzip(t *testing.T, body []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	files := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		files[f.Name] = string(raw)
	}
	return files
}

func TestExportArchives(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		format   string
		filename string
		want     []string
		absent   []string
	}{
		{name: "default zip", id: "bot-1", filename: "slack-bot.zip", want: []string{"main.py", "README.md", "Dockerfile", "requirements.txt", ".gitignore"}, absent: []string{"package.json"}},
		{name: "github layout", id: "bot-1", format: "GitHub", filename: "slack-bot-github.zip", want: []string{"src/main.py", "README.md", "requirements.txt"}, absent: []string{"main.py"}},
		{name: "docker layout", id: "bot-1", format: "docker", filename: "slack-bot-docker.zip", want: []string{"Dockerfile", "docker-compose.yml", "app/main.py", "app/requirements.txt"}},
		{name: "node project", id: "web-1", format: "zip", filename: "web.zip", want: []string{"main.js", "package.json"}, absent: []string{"requirements.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(projectRepo(), savedAt)
			out, err := svc.Export(context.Background(), domain.User{ID: "u1"}, tt.id, tt.format)
			if err != nil {
				t.Fatalf("Export returned error: %v", err)
			}
			if out.Filename != tt.filename || out.ContentType != "application/zip" {
				t.Fatalf("unexpected export %q %q", out.Filename, out.ContentType)
			}
			files := unzip(t, out.Body)
			for _, name := range tt.want {
				if _, ok := files[name]; !ok {
					t.Fatalf("archive missing %s, got %v", name, files)
				}
			}
			for _, name := range tt.absent {
				if _, ok := files[name]; ok {
					t.Fatalf("archive should not contain %s", name)
				}
			}
		})
	}
}

func TestExportZipContents(t *testing.T) {
	svc := newTestService(projectRepo(), savedAt)
	out, err := svc.Export(context.Background(), domain.User{ID: "u1"}, "bot-1", "")
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	files := unzip(t, out.Body)
	if files["main.py"] != projectRepo().projects["bot-1"].Code {
		t.Fatalf("main.py should hold the project code, got %q", files["main.py"])
	}
	if !strings.Contains(files["requirements.txt"], "numpy==1.24.3") || !strings.HasPrefix(files["requirements.txt"], "flask==2.3.3") {
		t.Fatalf("unexpected requirements %q", files["requirements.txt"])
	}
	if !strings.Contains(files["Dockerfile"], "EXPOSE 8000") || !strings.HasPrefix(files["README.md"], "# Slack Bot") {
		t.Fatalf("unexpected Dockerfile or README")
	}

	again, _ := svc.Export(context.Background(), domain.User{ID: "u1"}, "bot-1", "zip")
	if !bytes.Equal(out.Body, again.Body) {
		t.Fatalf("exports of an unchanged project should be identical")
	}
}

func TestExportJSON(t *testing.T) {
	svc := newTestService(projectRepo(), savedAt.Add(time.Hour))
	out, err := svc.Export(context.Background(), domain.User{ID: "u1"}, "bot-1", "json")
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if out.Filename != "slack-bot.json" || out.ContentType != "application/json" {
		t.Fatalf("unexpected export %q %q", out.Filename, out.ContentType)
	}
	var decoded struct {
		ID           string    `json:"id"`
		Version      int       `json:"version"`
		ExportFormat string    `json:"export_format"`
		ExportedAt   time.Time `json:"exported_at"`
	}
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if decoded.ID != "bot-1" || decoded.Version != 3 || decoded.ExportFormat != "json" || !decoded.ExportedAt.Equal(savedAt.Add(time.Hour)) {
		t.Fatalf("unexpected json export %+v", decoded)
	}
}

func TestExportRejects(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		id     string
		format string
		want   error
	}{
		{name: "other user", user: "u2", id: "bot-1", want: ErrForbidden},
		{name: "missing project", user: "u1", id: "nope", want: repository.ErrNotFound},
		{name: "empty id", user: "u1", id: " ", want: ErrInvalidInput},
		{name: "unknown format", user: "u1", id: "bot-1", format: "tarball", want: ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(projectRepo(), savedAt)
			if _, err := svc.Export(context.Background(), domain.User{ID: tt.user}, tt.id, tt.format); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequirements(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{code: "print(1)", want: "flask==2.3.3\nrequests==2.31.0"},
		{code: "import pandas as pd", want: "flask==2.3.3\nrequests==2.31.0\npandas==2.0.3"},
		{code: "from fastapi import FastAPI", want: "flask==2.3.3\nrequests==2.31.0\nfastapi==0.104.1\nuvicorn==0.24.0"},
	}
	for _, tt := range tests {
		if got := Requirements(tt.code); got != tt.want {
			t.Fatalf("Requirements(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
