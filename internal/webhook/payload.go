package webhook

import (
	"strings"
)

// Payload is the provider independent form of a push event.
type Payload struct {
	Repository Repository `json:"repository"`
	Ref        string     `json:"ref"`
	Commits    []Commit   `json:"commits"`
	Pusher     Person     `json:"pusher"`
}

// Repository identifies the pushed repository.
type Repository struct {
	URL      string `json:"url"`
	FullName string `json:"fullName"`
}

// Commit is one pushed commit.
type Commit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Author    Person `json:"author"`
	Timestamp string `json:"timestamp"`
}

// Person is a commit author or pusher.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Branch strips refs/heads/ from Ref.
func (p *Payload) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// LatestCommit returns the last commit of the push, or nil for an empty push.
func (p *Payload) LatestCommit() *Commit {
	if len(p.Commits) == 0 {
		return nil
	}
	return &p.Commits[len(p.Commits)-1]
}

// NormalizeURL folds the differences between a clone URL and a browse URL
// of the same repository.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}
