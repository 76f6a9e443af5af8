package views

import (
	"time"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

// Bucket holds the counters of one group.
type Bucket struct {
	TotalWorkers   int `json:"total_workers"`
	ActiveWorkers  int `json:"active_workers"`
	WorkingWorkers int `json:"working_workers"`
	LocatedWorkers int `json:"located_workers"`
}

func (b *Bucket) add(worker presence.Worker, stale bool) {
	b.TotalWorkers++
	if !stale {
		b.ActiveWorkers++
	}
	if worker.AttendanceStatus == presence.AttendanceWorking {
		b.WorkingWorkers++
	}
	if worker.HasLocation() {
		b.LocatedWorkers++
	}
}

// ProjectBucket is the counters of one known project.
type ProjectBucket struct {
	ProjectID presence.ProjectID `json:"project_id"`
	Name      string             `json:"name"`
	Bucket
}

// Stats is the dashboard aggregate at one snapshot revision.
type Stats struct {
	Revision      uint64          `json:"revision"`
	ComputedAt    time.Time       `json:"computed_at"`
	Global        Bucket          `json:"global"`
	Uncategorized Bucket          `json:"uncategorized"`
	Projects      []ProjectBucket `json:"projects"`
}

// Project returns the bucket of a known project.
func (s Stats) Project(id presence.ProjectID) (ProjectBucket, bool) {
	for _, bucket := range s.Projects {
		if bucket.ProjectID == id {
			return bucket, true
		}
	}
	return ProjectBucket{}, false
}

// DashboardStats computes global, uncategorized and per-project counters in
// one pass over the workers. Every known project gets a bucket, even when empty.
func DashboardStats(snapshot presence.Snapshot, now time.Time, threshold time.Duration) Stats {
	stats := Stats{
		Revision:   snapshot.Revision,
		ComputedAt: now,
		Projects:   make([]ProjectBucket, len(snapshot.Projects)),
	}
	known := make(map[presence.ProjectID]presence.Project, len(snapshot.Projects))
	positions := make(map[presence.ProjectID]int, len(snapshot.Projects))
	for i, project := range snapshot.Projects {
		known[project.ID] = project
		positions[project.ID] = i
		stats.Projects[i] = ProjectBucket{ProjectID: project.ID, Name: project.Name}
	}

	for _, worker := range snapshot.Workers {
		stale := presence.ComputeStale(worker, now, threshold)
		stats.Global.add(worker, stale)
		group := ResolveGroup(worker, known)
		if group.Uncategorized {
			stats.Uncategorized.add(worker, stale)
			continue
		}
		stats.Projects[positions[group.ProjectID]].add(worker, stale)
	}
	return stats
}
