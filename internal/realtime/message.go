package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the closed set of notifications a client can receive.
type MessageType string

const (
	Welcome      MessageType = "Welcome"
	JobList      MessageType = "JobList"
	JobActive    MessageType = "JobActive"
	JobCompleted MessageType = "JobCompleted"
	JobFailed    MessageType = "JobFailed"
	JobAborted   MessageType = "JobAborted"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingParam       = errors.New("missing message parameter")
)

var templates = map[MessageType]string{
	Welcome:      "Hello, ${userEmail}! Welcome to the Job Monitoring System. You can monitor your job statuses in real-time.",
	JobList:      "Here is a list of the jobs associated with your account (${userEmail}).",
	JobActive:    "${userEmail}, your job with ID ${jobId} has been taken in charge.",
	JobCompleted: "${userEmail}, your job with ID ${jobId} has been completed.",
	JobFailed:    "${userEmail}, your job with ID ${jobId} has failed.",
	JobAborted:   "${userEmail}, your job with ID ${jobId} was aborted due to insufficient tokens.",
}

func (t MessageType) Valid() bool {
	_, ok := templates[t]
	return ok
}

func (t MessageType) needsJobID() bool {
	switch t {
	case JobActive, JobCompleted, JobFailed, JobAborted:
		return true
	default:
		return false
	}
}

// JobSummary is one row of the JobList snapshot.
type JobSummary struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	DatasetID int64  `json:"dataset_id"`
}

type Params struct {
	UserEmail string       `json:"user_email"`
	JobID     string       `json:"job_id,omitempty"`
	Jobs      []JobSummary `json:"jobs,omitempty"`
}

// Message is a rendered notification. It serializes to {"message": "..."}
// and JobList messages also carry a "jobs" array.
type Message struct {
	Type MessageType
	Text string
	Jobs []JobSummary
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == JobList {
		jobs := m.Jobs
		if jobs == nil {
			jobs = []JobSummary{}
		}
		return json.Marshal(struct {
			Message string       `json:"message"`
			Jobs    []JobSummary `json:"jobs"`
		}{m.Text, jobs})
	}
	return json.Marshal(struct {
		Message string `json:"message"`
	}{m.Text})
}

// Render fills the template for t. Job events require p.JobID.
func Render(t MessageType, p Params) (Message, error) {
	tpl, ok := templates[t]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if strings.TrimSpace(p.UserEmail) == "" {
		return Message{}, fmt.Errorf("%w: userEmail for %s", ErrMissingParam, t)
	}
	if t.needsJobID() && strings.TrimSpace(p.JobID) == "" {
		return Message{}, fmt.Errorf("%w: jobId for %s", ErrMissingParam, t)
	}
	text := strings.NewReplacer("${userEmail}", p.UserEmail, "${jobId}", p.JobID).Replace(tpl)
	msg := Message{Type: t, Text: text}
	if t == JobList {
		msg.Jobs = p.Jobs
	}
	return msg, nil
}
