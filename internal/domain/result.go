package domain

import "time"

// CheckName identifies one evaluator check. The values match the names the
// grading sheets have always used.
type CheckName string

const (
	CheckLicense  CheckName = "MIT LICENSE"
	CheckReadme   CheckName = "Professional README"
	CheckBehavior CheckName = "Playwright Test"
)

// AllChecks lists the evaluator checklist in execution order.
var AllChecks = []CheckName{CheckLicense, CheckReadme, CheckBehavior}

// Result is one check outcome for one repo. Rows are append-only.
type Result struct {
	ID        int64
	Email     string
	Task      string
	Round     int
	Target    string
	RepoURL   string
	CommitSHA string
	PagesURL  string
	Check     CheckName
	Score     int
	Reason    string
	Logs      string
	CreatedAt time.Time
}

// Passed reports a score of 1.
func (r *Result) Passed() bool { return r.Score == 1 }

// NewResult starts a result row for repo.
func NewResult(repo Repo, check CheckName) Result {
	return Result{
		Email:     repo.Email,
		Task:      repo.Task,
		Round:     repo.Round,
		Target:    repo.Target(),
		RepoURL:   repo.RepoURL,
		CommitSHA: repo.CommitSHA,
		PagesURL:  repo.PagesURL,
		Check:     check,
	}
}

// Filter narrows list queries. Zero fields match everything.
type Filter struct {
	Email string
	Task  string
	Round int
}
