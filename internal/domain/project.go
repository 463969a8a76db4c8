package domain

import "time"

// Project is a saved code snapshot from a collaborative sandbox session.
type Project struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	SandboxID     string    `json:"sandbox_id,omitempty"`
	Name          string    `json:"name"`
	Language      string    `json:"language"`
	Code          string    `json:"code"`
	Collaborators []string  `json:"collaborators"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
