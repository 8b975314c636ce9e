package pipeline

import (
	"encoding/json"
	"time"

	"tagmanager/internal/models"
)

type Status string

const (
	StatusStored      Status = "stored"
	StatusDuplicate   Status = "duplicate"
	StatusVideoMoved  Status = "video_moved"
	StatusDiscarded   Status = "discarded"
	StatusLeftInPlace Status = "left_in_place"
	StatusSkipped     Status = "skipped"
	// StatusFailed means the unit failed and could not be moved to discard.
	StatusFailed Status = "failed"
)

// Outcome is the terminal state of one import entry.
type Outcome struct {
	Path         string
	Status       Status
	ImageID      models.ImageID
	Fingerprint  string
	Destination  string
	Err          error
	MoveErr      error
	ThumbnailErr error
}

type outcomeJSON struct {
	Path         string         `json:"path"`
	Status       Status         `json:"status"`
	ImageID      models.ImageID `json:"image_id,omitempty"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Destination  string         `json:"destination,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	MoveError    string         `json:"move_error,omitempty"`
	ThumbnailErr string         `json:"thumbnail_error,omitempty"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		Path:         o.Path,
		Status:       o.Status,
		ImageID:      o.ImageID,
		Fingerprint:  o.Fingerprint,
		Destination:  o.Destination,
		Error:        errString(o.Err),
		MoveError:    errString(o.MoveErr),
		ThumbnailErr: errString(o.ThumbnailErr),
	}
	if kind := KindOf(o.Err); kind != 0 {
		out.Kind = kind.String()
	}
	return json.Marshal(out)
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var in outcomeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Outcome{
		Path:         in.Path,
		Status:       in.Status,
		ImageID:      in.ImageID,
		Fingerprint:  in.Fingerprint,
		Destination:  in.Destination,
		Err:          errFromString(in.Error),
		MoveErr:      errFromString(in.MoveError),
		ThumbnailErr: errFromString(in.ThumbnailErr),
	}
	return nil
}

type BackfillFailure struct {
	ImageID models.ImageID `json:"image_id"`
	Error   string         `json:"error"`
}

type BackfillReport struct {
	Attempted   int               `json:"attempted"`
	Thumbnailed int               `json:"thumbnailed"`
	Failures    []BackfillFailure `json:"failures,omitempty"`
}

type Report struct {
	Started      time.Time      `json:"started"`
	Finished     time.Time      `json:"finished"`
	Outcomes     []Outcome      `json:"outcomes"`
	Backfill     BackfillReport `json:"backfill"`
	PeakInFlight int            `json:"peak_in_flight"`
}

func (r Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Stored returns the outcomes that produced a new image record on disk.
func (r Report) Stored() []Outcome {
	var stored []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusStored {
			stored = append(stored, o)
		}
	}
	return stored
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type recordedError string

func (e recordedError) Error() string { return string(e) }

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return recordedError(s)
}
