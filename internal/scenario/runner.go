package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/relay"
	"github.com/cory-johannsen/playhub/internal/session"
)

// replayOutboxSize holds every frame a step can plausibly produce.
const replayOutboxSize = 256

// Record is one outbound frame observed during a replay.
type Record struct {
	Step    int
	Conn    string
	Type    protocol.Type
	Payload json.RawMessage
}

// Result is the outcome of a replay.
type Result struct {
	Scenario   *Scenario
	Transcript []Record
	// Coordinator is left in its final state for further inspection.
	Coordinator *relay.Coordinator
	// Failures lists every unmet expectation.
	Failures []string
}

// Err joins Failures into one error, or returns nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = errors.New(f)
	}
	return fmt.Errorf("scenario %q: %w", r.Scenario.Name, errors.Join(errs...))
}

// Frames returns the frames received by conn, in order.
func (r *Result) Frames(conn string) []Record {
	var out []Record
	for _, rec := range r.Transcript {
		if rec.Conn == conn {
			out = append(out, rec)
		}
	}
	return out
}

// WriteTranscript prints one line per step followed by the frames it produced.
func (r *Result) WriteTranscript(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "scenario %s\n", r.Scenario.Name); err != nil {
		return err
	}
	next := 0
	for i, st := range r.Scenario.Steps {
		if _, err := fmt.Fprintf(w, "[%02d] %s\n", i+1, st.Action()); err != nil {
			return err
		}
		for next < len(r.Transcript) && r.Transcript[next].Step == i+1 {
			rec := r.Transcript[next]
			if _, err := fmt.Fprintf(w, "     -> %-8s %-16s %s\n", rec.Conn, rec.Type, rec.Payload); err != nil {
				return err
			}
			next++
		}
	}
	for _, f := range r.Failures {
		if _, err := fmt.Fprintf(w, "FAIL %s\n", f); err != nil {
			return err
		}
	}
	return nil
}

// Runner replays scenarios against a fresh Coordinator each time. Events are
// applied synchronously, so a replay is deterministic.
type Runner struct {
	logger *zap.Logger
	opts   relay.Options
}

// NewRunner creates a Runner. A zero opts.Clock is replaced with a fixed
// clock so transcripts are reproducible.
func NewRunner(logger *zap.Logger, opts relay.Options) *Runner {
	if opts.Clock == nil {
		epoch := time.UnixMilli(0)
		opts.Clock = func() time.Time { return epoch }
	}
	return &Runner{logger: logger, opts: opts}
}

// Run replays s. It returns an error only when a step cannot be built;
// unmet expectations are reported in Result.Failures.
func (r *Runner) Run(s *Scenario) (*Result, error) {
	coord := relay.NewCoordinator(r.opts, r.logger)
	res := &Result{Scenario: s, Coordinator: coord}
	outboxes := make(map[string]*session.Outbox)
	var order []string

	for i, st := range s.Steps {
		step := i + 1
		switch {
		case st.Attach != "":
			if _, seen := outboxes[st.Attach]; !seen {
				order = append(order, st.Attach)
			}
			if o, ok := outboxes[st.Attach]; !ok || o.IsClosed() {
				outboxes[st.Attach] = session.NewOutbox(st.Attach, replayOutboxSize)
			}
			coord.Handle(relay.Event{Kind: relay.EventAttach, ConnID: st.Attach, Outbox: outboxes[st.Attach]})
		case st.Detach != "":
			coord.Handle(relay.Event{Kind: relay.EventDetach, ConnID: st.Detach})
		case st.Send != nil:
			frame, err := buildFrame(st.Send)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", step, err)
			}
			coord.Handle(relay.Event{Kind: relay.EventMessage, ConnID: st.Send.Conn, Frame: frame})
		case st.Announce != nil:
			var data json.RawMessage
			if st.Announce.Data != nil {
				raw, err := json.Marshal(st.Announce.Data)
				if err != nil {
					return nil, fmt.Errorf("step %d: encoding announce data: %w", step, err)
				}
				data = raw
			}
			coord.Handle(relay.Event{Kind: relay.EventAnnounce, Topic: st.Announce.Topic, Data: data})
		}

		got := make(map[string][]Record)
		for _, conn := range order {
			for _, frame := range drain(outboxes[conn]) {
				env, err := protocol.Decode(frame)
				if err != nil {
					return nil, fmt.Errorf("step %d: relay sent undecodable frame to %s: %w", step, conn, err)
				}
				rec := Record{Step: step, Conn: conn, Type: env.Type, Payload: env.Payload}
				got[conn] = append(got[conn], rec)
				res.Transcript = append(res.Transcript, rec)
			}
		}

		for _, exp := range st.Expect {
			if msg := check(exp, got[exp.Conn]); msg != "" {
				res.Failures = append(res.Failures, fmt.Sprintf("step %d (%s): %s", step, st.Action(), msg))
			}
		}
	}

	for roomID, want := range s.Rooms {
		have := coord.Directory().MembersOf(roomID)
		if len(want) == 0 && len(have) == 0 {
			continue
		}
		if !slices.Equal(have, want) {
			res.Failures = append(res.Failures, fmt.Sprintf("room %s: members %v, want %v", roomID, have, want))
		}
	}
	return res, nil
}

func buildFrame(s *Send) ([]byte, error) {
	if s.Raw != "" {
		return []byte(s.Raw), nil
	}
	payload := s.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return protocol.Encode(protocol.Type(s.Type), payload)
}

// drain empties an outbox without blocking.
func drain(o *session.Outbox) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-o.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func check(exp Expectation, got []Record) string {
	var matched bool
	for _, rec := range got {
		if exp.Type != "" && string(rec.Type) != exp.Type {
			continue
		}
		if exp.None {
			matched = true
			break
		}
		if fieldsMatch(exp.Fields, rec.Payload) {
			matched = true
			break
		}
	}
	switch {
	case exp.None && matched:
		if exp.Type == "" {
			return fmt.Sprintf("%s received %d frames, want none", exp.Conn, len(got))
		}
		return fmt.Sprintf("%s received %s, want none", exp.Conn, exp.Type)
	case !exp.None && !matched:
		return fmt.Sprintf("%s did not receive %s %v; got %s", exp.Conn, exp.Type, exp.Fields, summarize(got))
	}
	return ""
}

func summarize(got []Record) string {
	if len(got) == 0 {
		return "nothing"
	}
	out := ""
	for i, rec := range got {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s", rec.Type, rec.Payload)
	}
	return out
}

// fieldsMatch reports whether every expected field equals the payload's
// field after both are normalised through JSON.
func fieldsMatch(want map[string]any, payload json.RawMessage) bool {
	if len(want) == 0 {
		return true
	}
	var have map[string]any
	if err := json.Unmarshal(payload, &have); err != nil {
		return false
	}
	for k, v := range want {
		norm, err := normalize(v)
		if err != nil {
			return false
		}
		if !reflect.DeepEqual(norm, have[k]) {
			return false
		}
	}
	return true
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
