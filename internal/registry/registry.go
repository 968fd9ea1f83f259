package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
)

// Wildcard in an entry point list allows every entry point of the job type.
const Wildcard = "*"

// Handler executes one entry point of a job type. The payload is passed
// through unchanged from the job record.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) Result
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) Result

func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) Result {
	return f(ctx, payload)
}

// Table maps job type -> entry point -> implementation.
type Table map[string]map[string]Handler

// Registry enforces the allow-list and resolves handlers. It is built once at
// start-up and never mutated afterwards, so it is safe for concurrent use.
type Registry struct {
	allowed map[string]map[string]struct{}
	table   Table
}

// New builds a registry from an allow-list (job type -> entry points) and a
// handler table. The inputs are copied.
func New(allowed map[string][]string, table Table) *Registry {
	r := &Registry{
		allowed: make(map[string]map[string]struct{}, len(allowed)),
		table:   make(Table, len(table)),
	}
	for jobType, entries := range allowed {
		set := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			if entry == "" {
				continue
			}
			set[entry] = struct{}{}
		}
		r.allowed[jobType] = set
	}
	for jobType, entries := range table {
		inner := make(map[string]Handler, len(entries))
		for entry, h := range entries {
			inner[entry] = h
		}
		r.table[jobType] = inner
	}
	return r
}

// IsAllowed reports whether the pair is on the allow-list.
func (r *Registry) IsAllowed(jobType, entryPoint string) bool {
	entries, ok := r.allowed[jobType]
	if !ok {
		return false
	}
	if _, ok := entries[Wildcard]; ok {
		return true
	}
	_, ok = entries[entryPoint]
	return ok
}

func (r *Registry) Validate(jobType, entryPoint string) error {
	if !r.IsAllowed(jobType, entryPoint) {
		return fmt.Errorf("%w: %s@%s", models.ErrNotAllowed, jobType, entryPoint)
	}
	return nil
}

// Resolve returns the handler for an allowed pair. An allowed pair without an
// implementation is reported as not allowed as well.
func (r *Registry) Resolve(jobType, entryPoint string) (Handler, error) {
	if err := r.Validate(jobType, entryPoint); err != nil {
		return nil, err
	}
	h, ok := r.table[jobType][entryPoint]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: no handler registered for %s@%s", models.ErrNotAllowed, jobType, entryPoint)
	}
	return h, nil
}

// Allowed returns a sorted copy of the allow-list, used by the dashboard.
func (r *Registry) Allowed() map[string][]string {
	out := make(map[string][]string, len(r.allowed))
	for jobType, entries := range r.allowed {
		list := make([]string, 0, len(entries))
		for entry := range entries {
			list = append(list, entry)
		}
		sort.Strings(list)
		out[jobType] = list
	}
	return out
}
