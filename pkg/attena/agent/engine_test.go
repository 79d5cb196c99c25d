package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/attena/attena/pkg/attena/scheduling"
)

// scriptedLLM replays a fixed sequence of responses and records every
// request it receives.
type scriptedLLM struct {
	responses []*ChatResponse
	err       error
	requests  [][]ChatMessage
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, messages)
	if len(s.responses) == 0 {
		return &ChatResponse{Content: "out of script"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type mockScheduler struct {
	calls         []string
	bookingResult any
}

func (m *mockScheduler) ListEventTypes(ctx context.Context) any {
	m.calls = append(m.calls, "listEventTypes")
	return []scheduling.EventType{{ID: 101, Title: "Consultation", Length: 30}}
}

func (m *mockScheduler) ListAvailableSlots(ctx context.Context, eventTypeID int, start, end string) any {
	m.calls = append(m.calls, "listAvailableSlots")
	return map[string]any{"2026-09-02": []any{"2026-09-02T11:00:00Z"}}
}

func (m *mockScheduler) CreateBooking(ctx context.Context, req scheduling.BookingRequest) any {
	m.calls = append(m.calls, "createBooking")
	if m.bookingResult != nil {
		return m.bookingResult
	}
	return map[string]any{"status": "success", "data": map[string]any{"uid": "bk_1"}}
}

type staticRetriever struct{ text string }

func (r *staticRetriever) RetrieveContext(ctx context.Context, query string) string { return r.text }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func toolCallResponse(id, name, args string) *ChatResponse {
	return &ChatResponse{
		ToolCalls: []ToolCall{{
			ID:       id,
			Type:     "function",
			Function: FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func newTestEngine(llm ChatCompleter, sched Scheduler, retr ContextRetriever) *Engine {
	e := NewEngine(llm, sched, retr, time.UTC, testLogger())
	e.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

func TestGenerateReplyToolLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("two tool rounds then final text", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{
			toolCallResponse("c1", "listMeetingTypes", "{}"),
			toolCallResponse("c2", "listAvailableSlots", `{"eventTypeId":101,"end":"2026-09-03"}`),
			{Content: "Tomorrow at 11am is free, shall I book it?"},
		}}
		sched := &mockScheduler{}
		e := newTestEngine(llm, sched, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "Any slots tomorrow?"})

		if len(sched.calls) != 2 {
			t.Fatalf("got %d tool dispatches, want 2: %v", len(sched.calls), sched.calls)
		}
		if reply.Text != "Tomorrow at 11am is free, shall I book it?" {
			t.Errorf("reply text = %q", reply.Text)
		}
		if reply.BookingOutcome != nil {
			t.Errorf("booking outcome = %#v, want nil without createBooking", reply.BookingOutcome)
		}
	})

	t.Run("booking success is retained as outcome", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{
			toolCallResponse("c1", "createBooking",
				`{"eventTypeId":101,"startTimeUtc":"2026-09-02T11:00:00Z","guestName":"Alice","guestEmail":"alice@example.com"}`),
			{Content: "Booked! See you tomorrow."},
		}}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "Book it"})
		if !scheduling.IsBookingSuccess(reply.BookingOutcome) {
			t.Fatalf("booking outcome = %#v, want success shape", reply.BookingOutcome)
		}
	})

	t.Run("failed booking leaves outcome nil", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{
			toolCallResponse("c1", "createBooking",
				`{"eventTypeId":101,"startTimeUtc":"2026-09-02T11:00:00Z","guestName":"Alice","guestEmail":"a@b.c"}`),
			{Content: "That slot is gone, sorry."},
		}}
		sched := &mockScheduler{bookingResult: map[string]any{"status": "error", "message": "conflict"}}
		e := newTestEngine(llm, sched, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "Book it"})
		if reply.BookingOutcome != nil {
			t.Errorf("booking outcome = %#v, want nil on error result", reply.BookingOutcome)
		}
	})

	t.Run("only first of several tool calls is serviced", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{
			{ToolCalls: []ToolCall{
				{ID: "c1", Type: "function", Function: FunctionCall{Name: "listMeetingTypes", Arguments: "{}"}},
				{ID: "c2", Type: "function", Function: FunctionCall{Name: "listAvailableSlots", Arguments: "{}"}},
			}},
			{Content: "done"},
		}}
		sched := &mockScheduler{}
		e := newTestEngine(llm, sched, nil)

		e.GenerateReply(ctx, Request{UserText: "hi"})
		if len(sched.calls) != 1 || sched.calls[0] != "listEventTypes" {
			t.Errorf("dispatched %v, want only the first call", sched.calls)
		}
	})

	t.Run("unsupported tool yields structured error result", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{
			toolCallResponse("c1", "deleteEverything", "{}"),
			{Content: "sorry, can't do that"},
		}}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		e.GenerateReply(ctx, Request{UserText: "hi"})

		// The second request must contain the tool result message.
		last := llm.requests[1]
		toolMsg := last[len(last)-1]
		if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c1" {
			t.Fatalf("last message = %+v, want tool result for c1", toolMsg)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(toolMsg.Content.(string)), &result); err != nil {
			t.Fatalf("tool result not JSON: %v", err)
		}
		if result["status"] != "error" {
			t.Errorf("result = %#v, want error shape", result)
		}
	})

	t.Run("empty final text becomes generic acknowledgment", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{{Content: "  "}}}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "hi"})
		if reply.Text == "" || reply.Text == "  " {
			t.Errorf("empty reply not substituted: %q", reply.Text)
		}
	})

	t.Run("LLM failure becomes apology", func(t *testing.T) {
		llm := &scriptedLLM{err: errors.New("model unavailable")}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "hi"})
		if reply.Text != apologyReply {
			t.Errorf("reply = %q, want apology", reply.Text)
		}
		if reply.BookingOutcome != nil {
			t.Errorf("booking outcome must be nil on failure")
		}
	})

	t.Run("endless tool requests hit the round limit", func(t *testing.T) {
		var responses []*ChatResponse
		for i := 0; i < maxToolRounds+5; i++ {
			responses = append(responses, toolCallResponse("c", "listMeetingTypes", "{}"))
		}
		llm := &scriptedLLM{responses: responses}
		sched := &mockScheduler{}
		e := newTestEngine(llm, sched, nil)

		reply := e.GenerateReply(ctx, Request{UserText: "hi"})
		if reply.Text != apologyReply {
			t.Errorf("reply = %q, want apology after round limit", reply.Text)
		}
		if len(sched.calls) != maxToolRounds {
			t.Errorf("dispatched %d times, want %d", len(sched.calls), maxToolRounds)
		}
	})
}

func TestBuildMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("history precedes user turn and summary reaches prompt", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{{Content: "ok"}}}
		e := newTestEngine(llm, &mockScheduler{}, &staticRetriever{text: "[pricing.md] 250 AED"})

		e.GenerateReply(ctx, Request{
			History:     []Turn{{Role: "user", Text: "hello"}, {Role: "assistant", Text: "hi there"}},
			UserText:    "how much?",
			UserSummary: "- repeat customer",
		})

		msgs := llm.requests[0]
		if msgs[0].Role != "system" {
			t.Fatalf("first message role = %q, want system", msgs[0].Role)
		}
		sys := msgs[0].Content.(string)
		if !strings.Contains(sys, "- repeat customer") {
			t.Errorf("system prompt missing summary: %q", sys)
		}
		if !strings.Contains(sys, "[pricing.md]") {
			t.Errorf("system prompt missing knowledge context: %q", sys)
		}
		if msgs[1].Content != "hello" || msgs[2].Content != "hi there" {
			t.Errorf("history not in order: %+v", msgs[1:3])
		}
		if msgs[3].Content != "how much?" {
			t.Errorf("user turn = %#v, want last", msgs[3])
		}
	})

	t.Run("voice turn carries inline audio part", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{{Content: "ok"}}}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		e.GenerateReply(ctx, Request{
			UserText: "Analyze this audio.",
			Media:    &Media{Data: []byte("fake-ogg"), MIMEType: "audio/ogg; codecs=opus"},
		})

		msgs := llm.requests[0]
		parts, ok := msgs[len(msgs)-1].Content.([]ContentPart)
		if !ok {
			t.Fatalf("user content type = %T, want []ContentPart", msgs[len(msgs)-1].Content)
		}
		if len(parts) != 2 || parts[1].Type != "input_audio" {
			t.Fatalf("parts = %+v, want text + input_audio", parts)
		}
		if parts[1].InputAudio.Format != "ogg" {
			t.Errorf("audio format = %q, want ogg", parts[1].InputAudio.Format)
		}
	})
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()

	t.Run("returns trimmed digest", func(t *testing.T) {
		llm := &scriptedLLM{responses: []*ChatResponse{{Content: "\n- likes mornings\n"}}}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		got, err := e.Summarize(ctx, []Turn{{Role: "user", Text: "I prefer mornings"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "- likes mornings" {
			t.Errorf("digest = %q", got)
		}
	})

	t.Run("empty history short-circuits", func(t *testing.T) {
		llm := &scriptedLLM{}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		got, err := e.Summarize(ctx, nil)
		if err != nil || got != "" {
			t.Errorf("got (%q, %v), want empty and nil", got, err)
		}
		if len(llm.requests) != 0 {
			t.Error("summarize called the model for empty history")
		}
	})

	t.Run("model failure propagates", func(t *testing.T) {
		llm := &scriptedLLM{err: errors.New("down")}
		e := newTestEngine(llm, &mockScheduler{}, nil)

		if _, err := e.Summarize(ctx, []Turn{{Role: "user", Text: "hi"}}); err == nil {
			t.Error("want error when model is down")
		}
	})
}
