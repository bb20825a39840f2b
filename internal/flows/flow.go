// Package flows compiles stored dialogue definitions into an immutable
// transition table and caches the active one.
package flows

import (
	"errors"
	"fmt"
	"strings"

	"whatsapp-crm/internal/models"
)

// Sentinel states. Start is where every conversation begins and is not
// backed by a step; finished and handoff are terminal.
const (
	StateStart    = "start"
	StateFinished = "finished"
	StateHandoff  = "handoff"
)

var (
	ErrNoFlow      = errors.New("no usable flow")
	ErrInvalidFlow = errors.New("invalid flow")
)

// IsSentinel reports whether state is one of the reserved states.
func IsSentinel(state string) bool {
	switch state {
	case StateStart, StateFinished, StateHandoff:
		return true
	}
	return false
}

type Button struct {
	ID        string
	Label     string
	NextState string
	// Qualifies is the outcome recorded when NextState is finished.
	Qualifies bool
}

type Step struct {
	Key      string
	Question string
	Buttons  []Button
}

// Match finds the button whose label or id equals input, ignoring case and
// surrounding whitespace. Interactive replies carry the button id; typed
// replies usually carry the label.
func (s *Step) Match(input string) (Button, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return Button{}, false
	}
	for _, b := range s.Buttons {
		if strings.EqualFold(in, b.Label) || (b.ID != "" && strings.EqualFold(in, b.ID)) {
			return b, true
		}
	}
	return Button{}, false
}

// Flow is a compiled, read-only transition table.
type Flow struct {
	ID      uint
	Name    string
	Version uint64
	Entry   string

	steps map[string]*Step
	order []string
}

// Step returns the step stored under key.
func (f *Flow) Step(key string) (*Step, bool) {
	s, ok := f.steps[key]
	return s, ok
}

// EntryStep is the first step by position.
func (f *Flow) EntryStep() *Step {
	return f.steps[f.Entry]
}

// StateKeys lists the step keys in position order.
func (f *Flow) StateKeys() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Compile validates a stored flow and builds its transition table. Steps must
// already be ordered by position. Every problem found is reported in one
// error wrapping ErrInvalidFlow.
func Compile(m *models.Flow) (*Flow, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil flow", ErrInvalidFlow)
	}

	f := &Flow{
		ID:    m.ID,
		Name:  m.Name,
		steps: make(map[string]*Step, len(m.Steps)),
		order: make([]string, 0, len(m.Steps)),
	}
	var problems []string
	if len(m.Steps) == 0 {
		problems = append(problems, "flow has no steps")
	}

	for _, ms := range m.Steps {
		key := strings.TrimSpace(ms.StateKey)
		switch {
		case key == "":
			problems = append(problems, fmt.Sprintf("step %d has an empty state key", ms.ID))
			continue
		case IsSentinel(key):
			problems = append(problems, fmt.Sprintf("step %q uses a reserved state key", key))
			continue
		}
		if _, dup := f.steps[key]; dup {
			problems = append(problems, fmt.Sprintf("state key %q is defined twice", key))
			continue
		}

		s := &Step{Key: key, Question: ms.Question, Buttons: make([]Button, 0, len(ms.Buttons))}
		if strings.TrimSpace(ms.Question) == "" {
			problems = append(problems, fmt.Sprintf("step %q has no question", key))
		}
		ids := make(map[string]bool, len(ms.Buttons))
		for i, mb := range ms.Buttons {
			if strings.TrimSpace(mb.Label) == "" {
				problems = append(problems, fmt.Sprintf("step %q button %d has no label", key, i))
			}
			qualifies := true
			if mb.Qualifies != nil {
				qualifies = *mb.Qualifies
			}
			// Taps echo the id back, so every button needs a stable one.
			id := strings.TrimSpace(mb.ID)
			if id == "" {
				id = fmt.Sprintf("%s_%d", key, i+1)
			}
			if ids[strings.ToLower(id)] {
				problems = append(problems, fmt.Sprintf("step %q button id %q is used twice", key, id))
			}
			ids[strings.ToLower(id)] = true
			s.Buttons = append(s.Buttons, Button{
				ID:        id,
				Label:     strings.TrimSpace(mb.Label),
				NextState: strings.TrimSpace(mb.NextState),
				Qualifies: qualifies,
			})
		}
		if len(s.Buttons) == 0 {
			problems = append(problems, fmt.Sprintf("step %q has no buttons", key))
		}
		f.steps[key] = s
		f.order = append(f.order, key)
	}

	for _, key := range f.order {
		for _, b := range f.steps[key].Buttons {
			switch {
			case b.NextState == StateFinished || b.NextState == StateHandoff:
			case b.NextState == "":
				problems = append(problems, fmt.Sprintf("step %q button %q has no next state", key, b.Label))
			default:
				if _, ok := f.steps[b.NextState]; !ok {
					problems = append(problems, fmt.Sprintf("step %q button %q points to unknown state %q", key, b.Label, b.NextState))
				}
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w %q: %s", ErrInvalidFlow, m.Name, strings.Join(problems, "; "))
	}
	f.Entry = f.order[0]
	return f, nil
}
