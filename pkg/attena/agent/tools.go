package agent

import (
	"encoding/json"
	"fmt"
)

// ToolKind enumerates the tools the engine exposes to the model.
// Dispatch matches exhaustively on this enum; unrecognized names map to
// ToolUnknown and produce a structured "unsupported tool" result.
type ToolKind int

const (
	ToolUnknown ToolKind = iota
	ToolListMeetingTypes
	ToolListAvailableSlots
	ToolCreateBooking
)

const (
	toolNameListMeetingTypes   = "listMeetingTypes"
	toolNameListAvailableSlots = "listAvailableSlots"
	toolNameCreateBooking      = "createBooking"
)

func toolKindFromName(name string) ToolKind {
	switch name {
	case toolNameListMeetingTypes:
		return ToolListMeetingTypes
	case toolNameListAvailableSlots:
		return ToolListAvailableSlots
	case toolNameCreateBooking:
		return ToolCreateBooking
	default:
		return ToolUnknown
	}
}

// slotArgs are the model-supplied arguments for listAvailableSlots.
type slotArgs struct {
	EventTypeID int    `json:"eventTypeId"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

// bookingArgs are the model-supplied arguments for createBooking.
type bookingArgs struct {
	EventTypeID  int    `json:"eventTypeId"`
	StartTimeUTC string `json:"startTimeUtc"`
	GuestName    string `json:"guestName"`
	GuestEmail   string `json:"guestEmail"`
	Notes        string `json:"notes"`
}

func parseToolArgs(raw string, dst any) error {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

// toolDefinitions declares the scheduling tools to the model. Parameter
// schemas are plain JSON Schema, validated provider-side.
func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Type: "function",
			Function: FunctionDef{
				Name:        toolNameListMeetingTypes,
				Description: "List the bookable meeting types with their IDs, titles, and durations. Call this first to discover valid event type IDs.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
		},
		{
			Type: "function",
			Function: FunctionDef{
				Name:        toolNameListAvailableSlots,
				Description: "List the open time slots for a meeting type within a date range.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"eventTypeId": {"type": "integer", "description": "The meeting type ID from listMeetingTypes."},
						"start": {"type": "string", "description": "Range start, ISO-8601 date or datetime."},
						"end": {"type": "string", "description": "Range end, ISO-8601 date or datetime."}
					},
					"required": ["eventTypeId", "end"]
				}`),
			},
		},
		{
			Type: "function",
			Function: FunctionDef{
				Name:        toolNameCreateBooking,
				Description: "Book a meeting slot for a guest. Only call after confirming the slot is available.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"eventTypeId": {"type": "integer", "description": "The meeting type ID."},
						"startTimeUtc": {"type": "string", "description": "Slot start time in UTC, ISO-8601."},
						"guestName": {"type": "string", "description": "Full name of the guest."},
						"guestEmail": {"type": "string", "description": "Email address of the guest."},
						"notes": {"type": "string", "description": "Free-text notes for the booking."}
					},
					"required": ["eventTypeId", "startTimeUtc", "guestName", "guestEmail"]
				}`),
			},
		},
	}
}
