// Package views derives project-scoped projections from presence snapshots.
// Every function here is pure: it reads a snapshot and never mutates it.
package views

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

// ErrInvalidFilter indicates a project filter that cannot be parsed.
var ErrInvalidFilter = errors.New("views: invalid project filter")

// FilterKind enumerates the supported project filters.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterProject
	FilterUncategorized
)

const (
	allKeyword           = "all"
	uncategorizedKeyword = "uncategorized"
)

// ProjectFilter selects which workers a view shows.
type ProjectFilter struct {
	kind      FilterKind
	projectID presence.ProjectID
}

// AllProjects matches every worker.
func AllProjects() ProjectFilter {
	return ProjectFilter{kind: FilterAll}
}

// Uncategorized matches workers without a known project.
func Uncategorized() ProjectFilter {
	return ProjectFilter{kind: FilterUncategorized}
}

// ForProject matches workers assigned to the given known project.
func ForProject(id presence.ProjectID) ProjectFilter {
	return ProjectFilter{kind: FilterProject, projectID: id}
}

// ParseProjectFilter accepts "", "all", "uncategorized" or a project id.
func ParseProjectFilter(raw string) (ProjectFilter, error) {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "", allKeyword:
		return AllProjects(), nil
	case uncategorizedKeyword:
		return Uncategorized(), nil
	}
	id, err := presence.NewProjectID(trimmed)
	if err != nil {
		return ProjectFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return ForProject(id), nil
}

// Kind returns the filter kind.
func (f ProjectFilter) Kind() FilterKind {
	return f.kind
}

// ProjectID returns the selected project when Kind is FilterProject.
func (f ProjectFilter) ProjectID() (presence.ProjectID, bool) {
	return f.projectID, f.kind == FilterProject
}

// String renders the filter in the form ParseProjectFilter accepts.
func (f ProjectFilter) String() string {
	switch f.kind {
	case FilterProject:
		return f.projectID.String()
	case FilterUncategorized:
		return uncategorizedKeyword
	default:
		return allKeyword
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f ProjectFilter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *ProjectFilter) UnmarshalText(text []byte) error {
	parsed, err := ParseProjectFilter(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Group is the grouping key a worker resolves to.
type Group struct {
	ProjectID     presence.ProjectID `json:"project_id,omitempty"`
	Uncategorized bool               `json:"uncategorized"`
}

// ResolveGroup places a worker under its project when the project is known,
// otherwise under the uncategorized bucket.
func ResolveGroup(worker presence.Worker, known map[presence.ProjectID]presence.Project) Group {
	if worker.ProjectID == nil {
		return Group{Uncategorized: true}
	}
	if _, ok := known[*worker.ProjectID]; !ok {
		return Group{Uncategorized: true}
	}
	return Group{ProjectID: *worker.ProjectID}
}

// Matches reports whether a worker resolved to group passes the filter.
func (f ProjectFilter) Matches(group Group) bool {
	switch f.kind {
	case FilterProject:
		return !group.Uncategorized && group.ProjectID == f.projectID
	case FilterUncategorized:
		return group.Uncategorized
	default:
		return true
	}
}

// WorkerView is a worker with its derived presence attributes.
type WorkerView struct {
	presence.Worker
	Stale   bool  `json:"stale"`
	Located bool  `json:"located"`
	Group   Group `json:"group"`
}

// VisibleWorkers returns the workers of snapshot matching filter, in id order.
func VisibleWorkers(snapshot presence.Snapshot, filter ProjectFilter, now time.Time, threshold time.Duration) []WorkerView {
	known := snapshot.ProjectIndex()
	visible := make([]WorkerView, 0, len(snapshot.Workers))
	for _, worker := range snapshot.Workers {
		group := ResolveGroup(worker, known)
		if !filter.Matches(group) {
			continue
		}
		visible = append(visible, WorkerView{
			Worker:  worker,
			Stale:   presence.ComputeStale(worker, now, threshold),
			Located: worker.HasLocation(),
			Group:   group,
		})
	}
	return visible
}
