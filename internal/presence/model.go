package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidWorkerID indicates that a worker identifier is empty or exceeds storage bounds.
	ErrInvalidWorkerID = errors.New("presence: invalid worker id")
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("presence: invalid project id")
	// ErrInvalidAttendanceStatus indicates an attendance value outside the known enumeration.
	ErrInvalidAttendanceStatus = errors.New("presence: invalid attendance status")
)

// WorkerID represents a validated worker identifier.
type WorkerID string

// NewWorkerID validates raw input and returns a WorkerID.
func NewWorkerID(rawInput string) (WorkerID, error) {
	trimmed, err := normalizeIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkerID, err)
	}
	return WorkerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkerID) String() string {
	return string(id)
}

// UnmarshalJSON accepts both numeric and string identifiers.
func (id *WorkerID) UnmarshalJSON(data []byte) error {
	raw, err := identifierFromJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkerID, err)
	}
	parsed, err := NewWorkerID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed, err := normalizeIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProjectID, err)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// UnmarshalJSON accepts both numeric and string identifiers.
func (id *ProjectID) UnmarshalJSON(data []byte) error {
	raw, err := identifierFromJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProjectID, err)
	}
	parsed, err := NewProjectID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func normalizeIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

func identifierFromJSON(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", errors.New("missing")
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return "", err
		}
		return value, nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return "", fmt.Errorf("unsupported identifier %s", string(data))
	}
	return number.String(), nil
}

// AttendanceStatus enumerates the daily attendance state of a worker.
type AttendanceStatus string

const (
	AttendanceNotStarted AttendanceStatus = "NOT_STARTED"
	AttendanceWorking    AttendanceStatus = "WORKING"
	AttendanceFinished   AttendanceStatus = "FINISHED"
)

// ParseAttendanceStatus validates the raw value against the known statuses.
func ParseAttendanceStatus(raw string) (AttendanceStatus, error) {
	switch status := AttendanceStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case AttendanceNotStarted, AttendanceWorking, AttendanceFinished:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAttendanceStatus, raw)
	}
}

// Worker is the presence record of one field worker.
type Worker struct {
	ID               WorkerID         `json:"id"`
	Name             string           `json:"name"`
	Position         string           `json:"position"`
	ProjectID        *ProjectID       `json:"project_id"`
	Latitude         *float64         `json:"latitude"`
	Longitude        *float64         `json:"longitude"`
	AttendanceStatus AttendanceStatus `json:"today_attendance_status"`
	ShiftStart       *time.Time       `json:"shift_start"`
	ShiftEnd         *time.Time       `json:"shift_end"`
	LastUpdate       *time.Time       `json:"last_update"`
}

// HasLocation reports whether both coordinates are known.
func (w Worker) HasLocation() bool {
	return w.Latitude != nil && w.Longitude != nil
}

func (w Worker) clone() Worker {
	copied := w
	copied.ProjectID = clonePointer(w.ProjectID)
	copied.Latitude = clonePointer(w.Latitude)
	copied.Longitude = clonePointer(w.Longitude)
	copied.ShiftStart = clonePointer(w.ShiftStart)
	copied.ShiftEnd = clonePointer(w.ShiftEnd)
	copied.LastUpdate = clonePointer(w.LastUpdate)
	return copied
}

// Project is read-only reference data used for grouping and labels.
type Project struct {
	ID   ProjectID `json:"id"`
	Name string    `json:"name"`
}

// Snapshot is a consistent copy of the store taken at one revision.
type Snapshot struct {
	Revision uint64
	Workers  []Worker
	Projects []Project
	TakenAt  time.Time
}

// ProjectIndex maps project identifiers to their reference records.
func (s Snapshot) ProjectIndex() map[ProjectID]Project {
	index := make(map[ProjectID]Project, len(s.Projects))
	for _, project := range s.Projects {
		index[project.ID] = project
	}
	return index
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
