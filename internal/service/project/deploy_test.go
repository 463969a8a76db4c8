package project

import (
	"context"
	"errors"
	"testing"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
)

type stubDeployer struct {
	inputs []deploy.Input
	err    error
}

func (d *stubDeployer) Deploy(ctx context.Context, user domain.User, in deploy.Input) (*domain.Deployment, error) {
	d.inputs = append(d.inputs, in)
	dep := &domain.Deployment{ID: "dep-1", UserID: user.ID, SandboxID: "sb-app", Status: domain.DeploymentRunning}
	if d.err != nil {
		dep.Status = domain.DeploymentFailed
		return dep, d.err
	}
	return dep, nil
}

func TestDeployLaunchesProjectCode(t *testing.T) {
	deployer := &stubDeployer{}
	svc := newTestService(projectRepo(), savedAt)
	svc.deployer = deployer

	dep, err := svc.Deploy(context.Background(), domain.User{ID: "u1"}, "bot-1")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if dep.ID != "dep-1" || len(deployer.inputs) != 1 {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	in := deployer.inputs[0]
	if in.AppName != "Slack Bot" || in.AppType != deploy.AppCustom || in.ModelType != "gpt-20b" {
		t.Fatalf("unexpected deploy input %+v", in)
	}
	if in.Code != projectRepo().projects["bot-1"].Code || in.Requirements != Requirements(in.Code) {
		t.Fatalf("project code and requirements should be deployed, got %+v", in)
	}
}

func TestDeployRejects(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		id       string
		deployer bool
		want     error
	}{
		{name: "no deployer", user: "u1", id: "bot-1", want: ErrNotConfigured},
		{name: "other user", user: "u2", id: "bot-1", deployer: true, want: ErrForbidden},
		{name: "non python", user: "u1", id: "web-1", deployer: true, want: ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer := &stubDeployer{}
			svc := newTestService(projectRepo(), savedAt)
			if tt.deployer {
				svc.deployer = deployer
			}
			if _, err := svc.Deploy(context.Background(), domain.User{ID: tt.user}, tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(deployer.inputs) != 0 {
				t.Fatalf("rejected deploys must not reach the deployer")
			}
		})
	}
}

func TestDeployReturnsFailedRecord(t *testing.T) {
	svc := newTestService(projectRepo(), savedAt)
	svc.deployer = &stubDeployer{err: errors.New("launch app: exit code 1")}

	dep, err := svc.Deploy(context.Background(), domain.User{ID: "u1"}, "bot-1")
	if err == nil || dep == nil || dep.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed record with error, got %+v %v", dep, err)
	}
}
