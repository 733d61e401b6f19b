package manifest

import "dmb/internal/engine"

type SystemInfo struct {
	Hostname string `yaml:"hostname" json:"hostname"`
	OS       string `yaml:"os" json:"os"`
	Kernel   string `yaml:"kernel" json:"kernel"`
}

// Run is the report written after every non-dry backup run.
type Run struct {
	StartedAt  int64         `yaml:"started_at" json:"started_at"`
	FinishedAt int64         `yaml:"finished_at" json:"finished_at"`
	System     SystemInfo    `yaml:"system" json:"system"`
	Source     string        `yaml:"source" json:"source"`
	Mirror     string        `yaml:"mirror" json:"mirror"`
	Device     string        `yaml:"device" json:"device"`
	DryRun     bool          `yaml:"dry_run" json:"dry_run"`
	LastRun    string        `yaml:"last_run" json:"last_run"`
	Retried    int           `yaml:"retried" json:"retried"`
	Copy       engine.Report `yaml:"copy" json:"copy"`
	Committed  bool          `yaml:"committed" json:"committed"`
	Error      string        `yaml:"error,omitempty" json:"error,omitempty"`
}

// Succeeded reports whether the run advanced the checkpoint.
func (r *Run) Succeeded() bool {
	return r.Committed && r.Error == ""
}
