// Package scenario replays scripted client sessions against an in-process
// relay and checks what each connection receives.
package scenario

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a named sequence of steps loaded from YAML.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
	// Rooms, if set, lists each room's expected final members in join
	// order. An empty list means the room must not exist.
	Rooms map[string][]string `yaml:"rooms"`
}

// Step performs exactly one action, then checks its expectations against
// the frames produced by that action.
type Step struct {
	Attach   string        `yaml:"attach"`
	Detach   string        `yaml:"detach"`
	Send     *Send         `yaml:"send"`
	Announce *Announce     `yaml:"announce"`
	Expect   []Expectation `yaml:"expect"`
}

// Send delivers one inbound frame. Raw, when set, is sent verbatim instead
// of an envelope built from Type and Payload.
type Send struct {
	Conn    string         `yaml:"conn"`
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
	Raw     string         `yaml:"raw"`
}

// Announce broadcasts a host notification.
type Announce struct {
	Topic string         `yaml:"topic"`
	Data  map[string]any `yaml:"data"`
}

// Expectation asserts on the frames one connection received during a step.
// With None set, the connection must have received no frame of Type, or no
// frame at all when Type is empty.
type Expectation struct {
	Conn   string         `yaml:"conn"`
	Type   string         `yaml:"type"`
	Fields map[string]any `yaml:"fields"`
	None   bool           `yaml:"none"`
}

// Action names the step's action for transcripts.
func (s Step) Action() string {
	switch {
	case s.Attach != "":
		return "attach " + s.Attach
	case s.Detach != "":
		return "detach " + s.Detach
	case s.Send != nil:
		if s.Send.Raw != "" {
			return "send " + s.Send.Conn + " raw"
		}
		return "send " + s.Send.Conn + " " + s.Send.Type
	case s.Announce != nil:
		return "announce " + s.Announce.Topic
	}
	return "noop"
}

// Validate checks that every step carries exactly one action and that every
// expectation names a connection.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario: name must not be empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q: must have at least one step", s.Name)
	}
	var errs []error
	for i, st := range s.Steps {
		actions := 0
		if st.Attach != "" {
			actions++
		}
		if st.Detach != "" {
			actions++
		}
		if st.Send != nil {
			actions++
			if st.Send.Conn == "" {
				errs = append(errs, fmt.Errorf("step %d: send needs conn", i+1))
			}
			if st.Send.Type == "" && st.Send.Raw == "" {
				errs = append(errs, fmt.Errorf("step %d: send needs type or raw", i+1))
			}
		}
		if st.Announce != nil {
			actions++
			if st.Announce.Topic == "" {
				errs = append(errs, fmt.Errorf("step %d: announce needs topic", i+1))
			}
		}
		if actions != 1 {
			errs = append(errs, fmt.Errorf("step %d: want exactly one action, got %d", i+1, actions))
		}
		for _, e := range st.Expect {
			if e.Conn == "" {
				errs = append(errs, fmt.Errorf("step %d: expectation needs conn", i+1))
			}
			if !e.None && e.Type == "" {
				errs = append(errs, fmt.Errorf("step %d: expectation needs type", i+1))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("scenario %q: %w", s.Name, errors.Join(errs...))
	}
	return nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %q: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
