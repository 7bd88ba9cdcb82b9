package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame is one entry of a captured stack trace.
type Frame struct {
	ClassName  string `json:"class_name"`
	MethodName string `json:"method_name"`
	FileName   string `json:"file_name"`
	LineNum    int    `json:"line_num"`
}

// Occurrence is a single captured exception or ANR instance. Occurrences are
// created at ingestion time and immutable thereafter; a group references them
// by id and never owns them.
type Occurrence struct {
	ID         uuid.UUID `json:"id"`
	AppID      uuid.UUID `json:"app_id"`
	SessionID  uuid.UUID `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       Kind      `json:"type" binding:"required"`
	ThreadName string    `json:"thread_name"`
	Frames     []Frame   `json:"frames"`
	Message    string    `json:"message"`
	Handled    bool      `json:"handled"`
	Foreground bool      `json:"foreground"`
	Attribute  Attribute `json:"attribute"`
}

// Validate checks the parts of an occurrence the ingestion path requires.
func (o Occurrence) Validate() error {
	if o.Type != KindException && o.Type != KindANR {
		return fmt.Errorf("%q is not an ingestible occurrence type", o.Type)
	}
	if o.ID == uuid.Nil {
		return fmt.Errorf("occurrence id missing")
	}
	if o.SessionID == uuid.Nil {
		return fmt.Errorf("occurrence session id missing")
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("occurrence timestamp missing")
	}
	return o.Attribute.Validate()
}
