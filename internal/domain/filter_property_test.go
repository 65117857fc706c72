package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var propertyBase = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type filterCase struct {
	event     Event
	filter    Filter
	sinceHour int
	untilHour int
	eventHour int
}

// TestMatcherAgreesWithDefinitionProperty checks that a compiled filter
// accepts an event exactly when every set field matches.
func TestMatcherAgreesWithDefinitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("match iff every set field matches", prop.ForAll(
		func(tc filterCase) bool {
			m, err := tc.filter.Compile()
			if err != nil {
				// The only way the generated filters can be invalid.
				return tc.sinceHour >= 0 && tc.untilHour >= 0 && tc.sinceHour > tc.untilHour
			}
			return m.Match(&tc.event) == referenceMatch(tc)
		},
		genFilterCase(),
	))

	properties.Property("empty filter matches everything", prop.ForAll(
		func(tc filterCase) bool {
			m, err := Filter{}.Compile()
			return err == nil && m.Match(&tc.event) && MatchAll.Match(&tc.event)
		},
		genFilterCase(),
	))

	properties.Property("exclusive filter matches nothing", prop.ForAll(
		func(tc filterCase) bool {
			m, err := Filter{Source: "never-sent"}.Compile()
			return err == nil && !m.Match(&tc.event)
		},
		genFilterCase(),
	))

	properties.TestingRun(t)
}

func referenceMatch(tc filterCase) bool {
	e, f := tc.event, tc.filter
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if len(f.EventType) > 0 && !contains(f.EventType, e.EventType) {
		return false
	}
	level := string(e.Level)
	if level == "" {
		level = "debug"
	}
	var levels []string
	for _, l := range f.Levels {
		levels = append(levels, strings.ToLower(l))
	}
	if len(levels) > 0 && !contains(levels, level) {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	if tc.sinceHour >= 0 && tc.eventHour < tc.sinceHour {
		return false
	}
	if tc.untilHour >= 0 && tc.eventHour > tc.untilHour {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hourStamp(h int) string {
	if h < 0 {
		return ""
	}
	return FormatTimestamp(propertyBase.Add(time.Duration(h) * time.Hour))
}

func genFilterCase() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("app-a", "app-b"),
		gen.OneConstOf("tool", "agent", "prompt"),
		gen.OneConstOf(Level(""), LevelDebug, LevelInfo, LevelError),
		gen.OneConstOf("", "s1", "s2"),
		gen.OneConstOf("", "Hello World", "error found in parser"),
		gen.IntRange(0, 5),
		gen.OneConstOf("", "app-a"),
		gen.OneConstOf(StringList(nil), StringList{"tool"}, StringList{"tool", "agent"}),
		gen.OneConstOf(StringList(nil), StringList{"debug"}, StringList{"error", "INFO"}),
		gen.OneConstOf("", "s1"),
		gen.OneConstOf("", "WORLD", "err"),
		gen.IntRange(-1, 5),
		gen.IntRange(-1, 5),
		gen.OneConstOf("", "a1", "a2"),
		gen.OneConstOf("", "a1"),
	).Map(func(vals []any) filterCase {
		tc := filterCase{
			event: Event{
				Source:    vals[0].(string),
				EventType: vals[1].(string),
				Level:     vals[2].(Level),
				SessionID: vals[3].(string),
				Message:   vals[4].(string),
			},
			eventHour: vals[5].(int),
			filter: Filter{
				Source:    vals[6].(string),
				EventType: vals[7].(StringList),
				Levels:    vals[8].(StringList),
				SessionID: vals[9].(string),
				Search:    vals[10].(string),
			},
			sinceHour: vals[11].(int),
			untilHour: vals[12].(int),
		}
		tc.event.AgentID = vals[13].(string)
		tc.filter.AgentID = vals[14].(string)
		tc.event.Timestamp = hourStamp(tc.eventHour)
		tc.filter.TimeSince = hourStamp(tc.sinceHour)
		tc.filter.TimeUntil = hourStamp(tc.untilHour)
		return tc
	})
}
