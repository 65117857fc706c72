package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/metrics"
)

const (
	maxNameLength    = 50
	maxMessageLength = 2000
)

var (
	sourcePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
)

// Submit validates an inbound event, commits it and hands it to the
// tracker and subscribers. It returns only after the commit, with the
// stored event.
func (s *Service) Submit(ctx context.Context, in domain.EventInput) (*domain.Event, error) {
	return s.submit(ctx, in, nil)
}

// submit runs the pipeline. precheck, when set, runs under the pipeline
// lock before the commit and can veto it.
func (s *Service) submit(ctx context.Context, in domain.EventInput, precheck func() error) (*domain.Event, error) {
	event, err := s.normalize(in)
	if err != nil {
		s.metrics.IncIngested(metrics.ResultInvalid)
		return nil, err
	}

	if s.policy != nil {
		allow, reason, err := s.policy.Allow(ctx, event)
		if err != nil {
			s.metrics.IncIngested(metrics.ResultFailed)
			return nil, fmt.Errorf("admission policy: %w", err)
		}
		if !allow {
			s.metrics.IncIngested(metrics.ResultRejected)
			return nil, &domain.PolicyError{Reason: reason}
		}
	}

	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	if precheck != nil {
		if err := precheck(); err != nil {
			return nil, err
		}
	}

	if event.Timestamp == "" {
		event.Timestamp = domain.FormatTimestamp(s.now())
	}

	start := s.now()
	committed, err := s.store.Append(ctx, event)
	s.metrics.ObserveCommit(s.now().Sub(start))
	if err != nil {
		s.metrics.IncIngested(metrics.ResultFailed)
		s.logger.Error("failed to commit event", "source", event.Source, "event_type", event.EventType, "error", err)
		return nil, &domain.CommitError{Err: err}
	}

	changes := s.tracker.Apply(committed)
	s.hub.PublishEvent(committed)
	if len(changes) > 0 {
		s.hub.PublishLifecycle(changes)
	}

	s.metrics.IncIngested(metrics.ResultCaptured)
	return committed, nil
}

// normalize validates in and returns the event to store. Nothing is
// written when it fails.
func (s *Service) normalize(in domain.EventInput) (*domain.Event, error) {
	source := strings.TrimSpace(in.Source)
	if err := checkName("source", source, sourcePattern,
		"must start with a lowercase letter and contain only lowercase letters, numbers and hyphens"); err != nil {
		return nil, err
	}

	eventType := strings.TrimSpace(in.EventType)
	if err := checkName("event_type", eventType, eventTypePattern,
		"must start with a lowercase letter and contain only lowercase letters, numbers, underscores and dots"); err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(in.Message) > maxMessageLength {
		return nil, &domain.ValidationError{Field: "message", Message: fmt.Sprintf("must be at most %d characters", maxMessageLength)}
	}

	var level domain.Level
	if in.Level != "" {
		level = domain.Level(strings.ToLower(strings.TrimSpace(in.Level)))
		if !level.Valid() {
			return nil, &domain.ValidationError{Field: "level", Message: "must be one of debug, info, warn, error"}
		}
	}

	// Left empty, the timestamp is assigned at commit.
	var timestamp string
	if in.Timestamp != "" {
		ts, err := domain.NormalizeTimestamp(in.Timestamp)
		if err != nil {
			return nil, &domain.ValidationError{Field: "timestamp", Message: "must be valid ISO8601 format"}
		}
		timestamp = ts
	}

	data, err := normalizeData(in.Data)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Source:       source,
		EventType:    eventType,
		Timestamp:    timestamp,
		Message:      in.Message,
		Level:        level,
		SessionID:    in.SessionID,
		AgentID:      in.AgentID,
		Data:         data,
		Hook:         in.Hook,
		ToolName:     in.ToolName,
		ToolUseID:    in.ToolUseID,
		Status:       in.Status,
		IsBackground: in.IsBackground,
	}, nil
}

func checkName(field, value string, pattern *regexp.Regexp, rule string) error {
	switch {
	case value == "":
		return &domain.ValidationError{Field: field, Message: "is required"}
	case len(value) > maxNameLength:
		return &domain.ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	case !pattern.MatchString(value):
		return &domain.ValidationError{Field: field, Message: rule}
	}
	return nil
}

func normalizeData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, &domain.ValidationError{Field: "data", Message: "must be a JSON object"}
	}
	return trimmed, nil
}
