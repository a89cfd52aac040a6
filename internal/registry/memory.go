package registry

import (
	"context"
	"sync"
)

// Memory is a static in-process Directory for dev mode and tests.
type Memory struct {
	mu      sync.Mutex
	actors  map[string]Eligibility
	courses map[string]string // course id -> issuer id
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		actors:  make(map[string]Eligibility),
		courses: make(map[string]string),
	}
}

// AddActor registers an actor's eligibility record.
func (m *Memory) AddActor(actorID string, e Eligibility) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[actorID] = e
}

// AddCourse registers a course with its owning issuer.
func (m *Memory) AddCourse(courseID, issuerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[courseID] = issuerID
}

// Eligible reports whether the actor is a student with a completed profile.
// Unknown actors are ineligible.
func (m *Memory) Eligible(ctx context.Context, actorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.actors[actorID]
	return ok && e.IsStudent && e.ProfileComplete, nil
}

// CourseBelongsToIssuer reports whether the issuer teaches the course.
func (m *Memory) CourseBelongsToIssuer(ctx context.Context, courseID, issuerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.courses[courseID] == issuerID, nil
}
