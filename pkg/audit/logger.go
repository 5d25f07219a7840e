// Package audit records who changed what through the API and assembles per-entity audit packages.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/creditlock/pkg/auth"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role,omitempty"`
	Method    string         `json:"auth_method,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger writes one "AUDIT: "-prefixed JSON line per event.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   "system",
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}
	if p, err := auth.GetPrincipal(ctx); err == nil {
		event.ActorID = p.GetID()
		event.ActorRole = string(p.GetRole())
		event.Method = p.GetMethod()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(append([]byte("AUDIT: "), line...), '\n'))
	return err
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, EventType, string, string, map[string]any) error { return nil }
