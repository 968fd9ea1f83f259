package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
)

type eventFilter struct {
	jobID   string
	status  string
	jobType string
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		jobType: strings.TrimSpace(query.Get("job_type")),
	}
	if val := strings.TrimSpace(query.Get("job_id")); val != "" {
		id, err := uuid.Parse(val)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid job_id")
		}
		filter.jobID = id.String()
	}
	if val := strings.TrimSpace(query.Get("status")); val != "" {
		if !models.Status(val).Valid() {
			return eventFilter{}, fmt.Errorf("invalid status %q", val)
		}
		filter.status = val
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.jobID != "" && event.JobID != f.jobID {
		return false
	}
	if f.status != "" && event.Status != f.status {
		return false
	}
	if f.jobType != "" && event.JobType != f.jobType {
		return false
	}
	return true
}
