package virtual

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RecordingVersion is the interaction file format version this package
// produces and accepts. Replay fails closed on any other version.
const RecordingVersion = 1

// Recording is the versioned persistence envelope for a proxy's
// interaction log. Produced by record mode, consumed by replay setup.
type Recording struct {
	Version      int                   `json:"version"`
	Service      string                `json:"service"`
	SessionID    string                `json:"session_id"`
	RecordedAt   time.Time             `json:"recorded_at"`
	Interactions []RecordedInteraction `json:"interactions"`
}

// SaveRecording writes the proxy's interaction log as a versioned file.
func (p *ServiceProxy) SaveRecording(path string) error {
	rec := Recording{
		Version:      RecordingVersion,
		Service:      p.service,
		SessionID:    p.sessionID,
		RecordedAt:   time.Now(),
		Interactions: p.Interactions(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recording: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}

// LoadRecording reads and validates a recording file.
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return ParseRecording(data)
}

// ParseRecording parses recording JSON bytes, rejecting unknown versions.
func ParseRecording(data []byte) (*Recording, error) {
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse recording: %w", err)
	}
	if rec.Version != RecordingVersion {
		return nil, fmt.Errorf("unsupported recording version %d (want %d)", rec.Version, RecordingVersion)
	}
	return &rec, nil
}

// Endpoints groups the recording's interactions by METHOD:url into mock
// endpoints, one response per captured interaction, preserving first-seen
// order. Interactions that captured an error are skipped.
func (r *Recording) Endpoints() []*MockEndpoint {
	byKey := make(map[string]*MockEndpoint)
	var ordered []*MockEndpoint

	for _, ri := range r.Interactions {
		if ri.Response == nil {
			continue
		}
		key := endpointKey(ri.Request.Method, ri.Request.Path)
		ep, ok := byKey[key]
		if !ok {
			ep = &MockEndpoint{
				Method: ri.Request.Method,
				Path:   ri.Request.Path,
			}
			byKey[key] = ep
			ordered = append(ordered, ep)
		}
		ep.Responses = append(ep.Responses, MockResponse{
			Status:  ri.Response.Status,
			Headers: ri.Response.Headers,
			Body:    ri.Response.Body,
		})
	}
	return ordered
}
