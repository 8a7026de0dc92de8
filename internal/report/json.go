package report

import (
	"encoding/json"
	"io"

	"github.com/supabase/opensnoop/internal/trace"
)

type JSONRecord struct {
	Time string `json:"time,omitempty"`
	Comm string `json:"comm"`
	PID  int    `json:"pid"`
	FD   int    `json:"fd"`
	Path string `json:"path"`
}

// JSON writes one object per line.
type JSON struct {
	encoder *json.Encoder
	diag    io.Writer
}

func NewJSON(w, diag io.Writer) *JSON {
	return &JSON{encoder: json.NewEncoder(w), diag: diag}
}

func (j *JSON) WriteHeader() error {
	return nil
}

func (j *JSON) Emit(rec trace.OpenRecord) error {
	return j.encoder.Encode(JSONRecord{
		Time: rec.Time,
		Comm: rec.Comm,
		PID:  rec.PID,
		FD:   rec.FD,
		Path: rec.Path,
	})
}

func (j *JSON) Warn(line string) error {
	return warn(j.diag, line)
}
