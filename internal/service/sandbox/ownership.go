package sandbox

import (
	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

// Owner returns the owning user id recorded on a vendor sandbox.
func Owner(sb daytona.Sandbox) string {
	return sb.Label(domain.LabelOwner)
}

// OwnedBy reports whether userID owns sb. An empty user owns nothing.
func OwnedBy(sb daytona.Sandbox, userID string) bool {
	return userID != "" && Owner(sb) == userID
}

// FilterOwned returns the sandboxes owned by userID, preserving order.
func FilterOwned(list []daytona.Sandbox, userID string) []daytona.Sandbox {
	owned := make([]daytona.Sandbox, 0, len(list))
	for _, sb := range list {
		if OwnedBy(sb, userID) {
			owned = append(owned, sb)
		}
	}
	return owned
}

// IsWorkspace reports whether sb is a user workspace. App sandboxes belong
// to a deployment and are managed through it.
func IsWorkspace(sb daytona.Sandbox) bool {
	return sb.Label(domain.LabelKind) != domain.KindApp
}

// Workspaces drops app sandboxes from list, preserving order.
func Workspaces(list []daytona.Sandbox) []daytona.Sandbox {
	out := make([]daytona.Sandbox, 0, len(list))
	for _, sb := range list {
		if IsWorkspace(sb) {
			out = append(out, sb)
		}
	}
	return out
}
