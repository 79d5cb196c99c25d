package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/attena/attena/pkg/attena/scheduling"
)

// maxToolRounds bounds the tool-calling loop so a model stuck
// requesting tools cannot spin forever.
const maxToolRounds = 10

const apologyReply = "I'm sorry, I ran into a problem handling that. Please try again in a moment."

const completionReply = "Done! Let me know if there's anything else I can help with."

// ChatCompleter is the LLM round-trip the engine drives.
type ChatCompleter interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatResponse, error)
}

// Scheduler is the booking API surface exposed as tools. Results are
// plain data: failures arrive error-shaped, never as Go errors.
type Scheduler interface {
	ListEventTypes(ctx context.Context) any
	ListAvailableSlots(ctx context.Context, eventTypeID int, start, end string) any
	CreateBooking(ctx context.Context, req scheduling.BookingRequest) any
}

// ContextRetriever supplies reference text for the system prompt.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, query string) string
}

// Turn is one prior exchange entry, role "user" or "assistant",
// oldest-first.
type Turn struct {
	Role string
	Text string
}

// Media is an inbound audio attachment. A nil *Media means a text-only
// turn.
type Media struct {
	Data     []byte
	MIMEType string
}

// Request carries everything the engine needs for one reply.
type Request struct {
	History     []Turn
	UserText    string
	UserSummary string
	Media       *Media
}

// Reply is the engine's result. BookingOutcome is non-nil only when a
// createBooking tool call returned a success-shaped result during the
// turn.
type Reply struct {
	Text           string
	BookingOutcome any
}

// Engine runs the agent loop: prompt assembly, tool dispatch, and the
// final reply.
type Engine struct {
	llm       ChatCompleter
	scheduler Scheduler
	retriever ContextRetriever
	location  *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an Engine. location is the time zone rendered into
// the system prompt; retriever may be nil when no knowledge base is
// configured.
func NewEngine(llm ChatCompleter, scheduler Scheduler, retriever ContextRetriever, location *time.Location, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &Engine{
		llm:       llm,
		scheduler: scheduler,
		retriever: retriever,
		location:  location,
		now:       time.Now,
		logger:    logger.With("component", "agent"),
	}
}

// GenerateReply runs the tool-calling loop until the model produces a
// final text answer. It never returns an error: any internal failure
// becomes a fixed apologetic reply with no booking outcome.
func (e *Engine) GenerateReply(ctx context.Context, req Request) Reply {
	messages := e.buildMessages(ctx, req)
	tools := toolDefinitions()

	var bookingOutcome any

	for round := 0; round < maxToolRounds; round++ {
		resp, err := e.llm.Chat(ctx, messages, tools)
		if err != nil {
			e.logger.Error("completion failed", "round", round, "error", err)
			return Reply{Text: apologyReply}
		}

		if len(resp.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Content)
			if text == "" {
				text = completionReply
			}
			return Reply{Text: text, BookingOutcome: bookingOutcome}
		}

		// Only the first requested call is serviced per round trip;
		// the model re-requests anything it still needs next round.
		call := resp.ToolCalls[0]
		if dropped := len(resp.ToolCalls) - 1; dropped > 0 {
			e.logger.Debug("dropping extra tool calls", "count", dropped)
		}

		result := e.dispatchTool(ctx, call)
		if toolKindFromName(call.Function.Name) == ToolCreateBooking && scheduling.IsBookingSuccess(result) {
			bookingOutcome = result
		}

		messages = append(messages,
			ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: []ToolCall{call}},
			toolResultMessage(call.ID, result),
		)
	}

	e.logger.Error("tool loop exceeded round limit")
	return Reply{Text: apologyReply}
}

// dispatchTool routes one tool call to its collaborator. Unknown names
// and bad arguments come back as error-shaped data for the model to
// recover from.
func (e *Engine) dispatchTool(ctx context.Context, call ToolCall) any {
	name := call.Function.Name
	e.logger.Info("tool call", "tool", name)

	switch toolKindFromName(name) {
	case ToolListMeetingTypes:
		return e.scheduler.ListEventTypes(ctx)

	case ToolListAvailableSlots:
		var args slotArgs
		if err := parseToolArgs(call.Function.Arguments, &args); err != nil {
			return toolError(err.Error())
		}
		start := args.Start
		if start == "" {
			start = e.now().In(e.location).Format("2006-01-02")
		}
		return e.scheduler.ListAvailableSlots(ctx, args.EventTypeID, start, args.End)

	case ToolCreateBooking:
		var args bookingArgs
		if err := parseToolArgs(call.Function.Arguments, &args); err != nil {
			return toolError(err.Error())
		}
		return e.scheduler.CreateBooking(ctx, scheduling.BookingRequest{
			EventTypeID: args.EventTypeID,
			StartUTC:    args.StartTimeUTC,
			GuestName:   args.GuestName,
			GuestEmail:  args.GuestEmail,
			Notes:       args.Notes,
		})

	default:
		e.logger.Warn("unsupported tool requested", "tool", name)
		return toolError("unsupported tool: " + name)
	}
}

func toolError(message string) map[string]any {
	return map[string]any{"status": "error", "message": message}
}

func toolResultMessage(callID string, result any) ChatMessage {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"status":"error","message":"unserializable tool result"}`)
	}
	return ChatMessage{Role: "tool", ToolCallID: callID, Content: string(content)}
}

// buildMessages assembles the system prompt, prior history, and the
// current user turn (with an inline audio part for voice messages).
func (e *Engine) buildMessages(ctx context.Context, req Request) []ChatMessage {
	messages := []ChatMessage{
		{Role: "system", Content: e.systemPrompt(ctx, req)},
	}

	for _, turn := range req.History {
		messages = append(messages, ChatMessage{Role: turn.Role, Content: turn.Text})
	}

	if req.Media != nil {
		messages = append(messages, ChatMessage{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: req.UserText},
				AudioPart(req.Media.Data, req.Media.MIMEType),
			},
		})
	} else {
		messages = append(messages, ChatMessage{Role: "user", Content: req.UserText})
	}

	return messages
}

func (e *Engine) systemPrompt(ctx context.Context, req Request) string {
	var b strings.Builder

	b.WriteString("You are Attena, a friendly WhatsApp assistant for a consultancy. ")
	b.WriteString("You answer questions using the reference material below and book meetings through your tools. ")
	b.WriteString("To book: discover meeting types, check available slots, then create the booking. ")
	b.WriteString("Never invent meeting type IDs or time slots. Keep replies short and conversational.\n\n")

	fmt.Fprintf(&b, "Current time: %s\n", e.now().In(e.location).Format("Monday, 2 January 2006 15:04 (MST)"))

	if req.UserSummary != "" {
		b.WriteString("\nWhat you know about this user:\n")
		b.WriteString(req.UserSummary)
		b.WriteString("\n")
	}

	if e.retriever != nil {
		if kb := e.retriever.RetrieveContext(ctx, req.UserText); kb != "" {
			b.WriteString("\nReference material (cite the bracketed source when you use it):\n")
			b.WriteString(kb)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// Summarize condenses recent history into a short bullet digest of who
// the user is and what they want. Returns an empty string when there is
// nothing to summarize.
func (e *Engine) Summarize(ctx context.Context, history []Turn) (string, error) {
	if len(history) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Text)
	}

	messages := []ChatMessage{
		{Role: "system", Content: "Condense the conversation into at most five short bullet points capturing the user's identity, preferences, and open requests. Output only the bullets."},
		{Role: "user", Content: transcript.String()},
	}

	resp, err := e.llm.Chat(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
