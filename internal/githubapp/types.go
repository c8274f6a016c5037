package githubapp

import "time"

// Wire types for the subset of the upstream REST surface FlakeGuard uses.
// Unknown fields are ignored on decode.

type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

type CheckRunAction struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Identifier  string `json:"identifier"`
}

type CheckRunRequest struct {
	Name       string           `json:"name"`
	HeadSHA    string           `json:"head_sha,omitempty"`
	Status     string           `json:"status,omitempty"`
	Conclusion string           `json:"conclusion,omitempty"`
	Output     *CheckRunOutput  `json:"output,omitempty"`
	Actions    []CheckRunAction `json:"actions,omitempty"`
}

type CheckRun struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	HeadSHA    string          `json:"head_sha"`
	Status     string          `json:"status"`
	Conclusion string          `json:"conclusion"`
	Output     *CheckRunOutput `json:"output,omitempty"`
	HTMLURL    string          `json:"html_url,omitempty"`
}

type checkRunList struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

type Job struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type jobList struct {
	TotalCount int   `json:"total_count"`
	Jobs       []Job `json:"jobs"`
}

type Artifact struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	SizeBytes int64      `json:"size_in_bytes"`
	Expired   bool       `json:"expired"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type artifactList struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

type Label struct {
	Name string `json:"name"`
}

type Issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	State   string  `json:"state"`
	Labels  []Label `json:"labels"`
	HTMLURL string  `json:"html_url"`
}

type IssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type issueSearchResult struct {
	TotalCount int     `json:"total_count"`
	Items      []Issue `json:"items"`
}

type GitObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

type Ref struct {
	Ref    string    `json:"ref"`
	Object GitObject `json:"object"`
}

type FileContent struct {
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"` // base64
	Encoding string `json:"encoding"`
}

type PullRequestBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type PullRequest struct {
	Number  int               `json:"number"`
	Title   string            `json:"title"`
	State   string            `json:"state"`
	HTMLURL string            `json:"html_url"`
	Head    PullRequestBranch `json:"head"`
	Base    PullRequestBranch `json:"base"`
}

type Commit struct {
	SHA string `json:"sha"`
}

type Installation struct {
	ID                  int64  `json:"id"`
	RepositorySelection string `json:"repository_selection"`
	Account             struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
}
