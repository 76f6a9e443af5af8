package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxUnixSeconds is 9999-12-31T23:59:59Z; numeric timestamps beyond it
// in either direction are rejected.
const maxUnixSeconds = 253402300799

var (
	// ErrMissingIdentity indicates a payload without `id` or `worker_id`.
	ErrMissingIdentity = errors.New("presence: payload carries no worker identity")
	// ErrInvalidField indicates a field value that cannot be decoded.
	ErrInvalidField = errors.New("presence: invalid field")
)

// Field distinguishes an absent value from an explicit null and a present value.
type Field[T any] struct {
	Set   bool
	Value *T
}

// Present returns a field carrying value.
func Present[T any](value T) Field[T] {
	return Field[T]{Set: true, Value: &value}
}

// Null returns a field explicitly cleared by the payload.
func Null[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f Field[T]) applyTo(target **T) {
	if !f.Set {
		return
	}
	*target = clonePointer(f.Value)
}

// WorkerUpdate is a partial Worker record. Only fields marked Set are merged.
type WorkerUpdate struct {
	ID               WorkerID
	Name             Field[string]
	Position         Field[string]
	ProjectID        Field[ProjectID]
	Latitude         Field[float64]
	Longitude        Field[float64]
	AttendanceStatus Field[AttendanceStatus]
	ShiftStart       Field[time.Time]
	ShiftEnd         Field[time.Time]
	// LastUpdate is a hint carried by snapshot records; live merges ignore it.
	LastUpdate Field[time.Time]
}

// Worker materializes the update into a full record, leaving unset fields zero.
func (u WorkerUpdate) Worker() Worker {
	worker := Worker{ID: u.ID}
	u.mergeInto(&worker)
	return worker
}

func (u WorkerUpdate) mergeInto(worker *Worker) {
	if u.Name.Set {
		worker.Name = valueOrZero(u.Name.Value)
	}
	if u.Position.Set {
		worker.Position = valueOrZero(u.Position.Value)
	}
	if u.AttendanceStatus.Set {
		worker.AttendanceStatus = valueOrZero(u.AttendanceStatus.Value)
	}
	u.ProjectID.applyTo(&worker.ProjectID)
	u.Latitude.applyTo(&worker.Latitude)
	u.Longitude.applyTo(&worker.Longitude)
	u.ShiftStart.applyTo(&worker.ShiftStart)
	u.ShiftEnd.applyTo(&worker.ShiftEnd)
}

// DecodeWorkerUpdate normalizes a JSON object into a WorkerUpdate.
// Identity is taken from `id`, falling back to `worker_id`.
func DecodeWorkerUpdate(fields map[string]json.RawMessage) (WorkerUpdate, error) {
	var update WorkerUpdate

	rawID, ok := identityField(fields)
	if !ok {
		return WorkerUpdate{}, ErrMissingIdentity
	}
	if err := update.ID.UnmarshalJSON(rawID); err != nil {
		return WorkerUpdate{}, err
	}

	var err error
	if update.Name, err = decodeField(fields, "name", decodeString); err != nil {
		return WorkerUpdate{}, err
	}
	if update.Position, err = decodeField(fields, "position", decodeString); err != nil {
		return WorkerUpdate{}, err
	}
	if update.ProjectID, err = decodeField(fields, "project_id", decodeProjectID); err != nil {
		return WorkerUpdate{}, err
	}
	if update.Latitude, err = decodeField(fields, "latitude", coordinateDecoder(90)); err != nil {
		return WorkerUpdate{}, err
	}
	if update.Longitude, err = decodeField(fields, "longitude", coordinateDecoder(180)); err != nil {
		return WorkerUpdate{}, err
	}
	if update.AttendanceStatus, err = decodeField(fields, "today_attendance_status", decodeAttendance); err != nil {
		return WorkerUpdate{}, err
	}
	if update.ShiftStart, err = decodeField(fields, "shift_start", decodeTimestamp); err != nil {
		return WorkerUpdate{}, err
	}
	if update.ShiftEnd, err = decodeField(fields, "shift_end", decodeTimestamp); err != nil {
		return WorkerUpdate{}, err
	}
	if update.LastUpdate, err = decodeField(fields, "last_update", decodeTimestamp); err != nil {
		return WorkerUpdate{}, err
	}
	return update, nil
}

// HasIdentity reports whether the object names a worker.
func HasIdentity(fields map[string]json.RawMessage) bool {
	_, ok := identityField(fields)
	return ok
}

func identityField(fields map[string]json.RawMessage) (json.RawMessage, bool) {
	for _, key := range []string{"id", "worker_id"} {
		raw, ok := fields[key]
		if ok && !isNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

func decodeField[T any](fields map[string]json.RawMessage, key string, decode func(json.RawMessage) (T, error)) (Field[T], error) {
	raw, ok := fields[key]
	if !ok {
		return Field[T]{}, nil
	}
	if isNull(raw) {
		return Null[T](), nil
	}
	value, err := decode(raw)
	if err != nil {
		return Field[T]{}, fmt.Errorf("%w %s: %v", ErrInvalidField, key, err)
	}
	return Present(value), nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	return value, nil
}

func decodeProjectID(raw json.RawMessage) (ProjectID, error) {
	var id ProjectID
	if err := id.UnmarshalJSON(raw); err != nil {
		return "", err
	}
	return id, nil
}

func decodeAttendance(raw json.RawMessage) (AttendanceStatus, error) {
	value, err := decodeString(raw)
	if err != nil {
		return "", err
	}
	return ParseAttendanceStatus(value)
}

func coordinateDecoder(limit float64) func(json.RawMessage) (float64, error) {
	return func(raw json.RawMessage) (float64, error) {
		value, err := decodeNumber(raw)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return 0, fmt.Errorf("%v is not a finite coordinate", value)
		}
		if value < -limit || value > limit {
			return 0, fmt.Errorf("%v outside [-%v, %v]", value, limit, limit)
		}
		return value, nil
	}
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		text, err := decodeString(trimmed)
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(strings.TrimSpace(text), 64)
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return 0, err
	}
	return value, nil
}

// decodeTimestamp accepts RFC 3339 strings or unix seconds.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		text, err := decodeString(trimmed)
		if err != nil {
			return time.Time{}, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	}
	seconds, err := decodeNumber(trimmed)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(seconds) || seconds < -maxUnixSeconds || seconds > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("unix seconds %v out of range", seconds)
	}
	whole := int64(seconds)
	nanos := int64((seconds - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func valueOrZero[T any](value *T) T {
	var zero T
	if value == nil {
		return zero
	}
	return *value
}

// DecodeTimestamp accepts RFC 3339 strings or unix seconds.
func DecodeTimestamp(raw json.RawMessage) (time.Time, error) {
	return decodeTimestamp(raw)
}

// DecodeLatitude accepts a number or numeric string within [-90, 90].
func DecodeLatitude(raw json.RawMessage) (float64, error) {
	return coordinateDecoder(90)(raw)
}

// DecodeLongitude accepts a number or numeric string within [-180, 180].
func DecodeLongitude(raw json.RawMessage) (float64, error) {
	return coordinateDecoder(180)(raw)
}
