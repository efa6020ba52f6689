package v1

import "time"

// Memory is one entry from the local store or the shared decision log.
type Memory struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Tag       string    `json:"tag"`
	Author    string    `json:"author,omitempty"`
	Shared    bool      `json:"shared"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchResult is a ranked hit from code, memories or entities.
type SearchResult struct {
	Source    string    `json:"source"`
	Score     float64   `json:"score"`
	Title     string    `json:"title,omitempty"`
	Snippet   string    `json:"snippet"`
	Locator   string    `json:"locator"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IndexReport summarizes one index run.
type IndexReport struct {
	Mode      string `json:"mode"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
	Frames    int    `json:"frames"`
	Entities  int    `json:"entities"`
	Commit    string `json:"commit,omitempty"`
	UpToDate  bool   `json:"up_to_date"`
}

// Health is the outcome of a doctor run.
type Health struct {
	Healthy         bool     `json:"healthy"`
	Findings        []string `json:"findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
