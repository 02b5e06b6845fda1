package model

import "time"

// DatabaseInfo is one database reported by an agent.
type DatabaseInfo struct {
	Name      string `json:"name"`
	HasAccess bool   `json:"has_access"`
}

// FileInfo is one stored artifact reported by an agent.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modified_at"`
	HasAccess  bool      `json:"has_access"`
}

// Location returns the path an agent fetches the file from, falling back to its name.
func (f FileInfo) Location() string {
	if f.Path != "" {
		return f.Path
	}
	return f.Name
}
