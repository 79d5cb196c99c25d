// Package scheduling implements a thin typed client for the Cal.com v2
// API. Every operation returns a plain data value suitable for feeding
// back to the reasoning model: failures are normalized into a
// {status: "error", message: ...} map and never surface as Go errors.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://api.cal.com/v2"

// Cal.com versions endpoints independently via a request header.
const (
	eventTypesAPIVersion = "2024-06-14"
	bookingsAPIVersion   = "2024-08-13"
	slotsAPIVersion      = "2024-09-04"
)

// Config configures the scheduling client.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// AttendeeTimeZone is the time zone attached to booking attendees,
	// e.g. "Asia/Dubai".
	AttendeeTimeZone string `yaml:"attendee_timezone"`
}

// Client calls the Cal.com v2 API with bearer authentication.
type Client struct {
	baseURL          string
	apiKey           string
	attendeeTimeZone string
	httpClient       *http.Client
	logger           *slog.Logger
}

// New creates a scheduling client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tz := cfg.AttendeeTimeZone
	if tz == "" {
		tz = "Asia/Dubai"
	}
	return &Client{
		baseURL:          baseURL,
		apiKey:           cfg.APIKey,
		attendeeTimeZone: tz,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           logger.With("component", "scheduling"),
	}
}

// EventType is the trimmed event-type view handed to the model. Only
// the fields the model needs to chain into slot and booking calls.
type EventType struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Length      int    `json:"length"`
	Description string `json:"description"`
}

type eventTypesResponse struct {
	Data []struct {
		ID              int    `json:"id"`
		Title           string `json:"title"`
		Slug            string `json:"slug"`
		LengthInMinutes int    `json:"lengthInMinutes"`
		Description     string `json:"description"`
	} `json:"data"`
}

// ListEventTypes returns the bookable meeting types, mapped to a clean
// shape for the model, or an error-shaped map.
func (c *Client) ListEventTypes(ctx context.Context) any {
	body, err := c.do(ctx, http.MethodGet, "/event-types", eventTypesAPIVersion, nil)
	if err != nil {
		c.logger.Warn("event types request failed", "error", err)
		return errorResult("Failed to retrieve event types from Cal.com")
	}

	var resp eventTypesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("event types decode failed", "error", err)
		return errorResult("Failed to retrieve event types from Cal.com")
	}

	out := make([]EventType, len(resp.Data))
	for i, et := range resp.Data {
		desc := et.Description
		if desc == "" {
			desc = "No description provided."
		}
		out[i] = EventType{
			ID:          et.ID,
			Title:       et.Title,
			Slug:        et.Slug,
			Length:      et.LengthInMinutes,
			Description: desc,
		}
	}
	return out
}

// ListAvailableSlots returns the open slots for an event type within
// [start, end], or an error-shaped map.
func (c *Client) ListAvailableSlots(ctx context.Context, eventTypeID int, start, end string) any {
	q := url.Values{}
	q.Set("eventTypeId", strconv.Itoa(eventTypeID))
	q.Set("start", start)
	q.Set("end", end)

	body, err := c.do(ctx, http.MethodGet, "/slots?"+q.Encode(), slotsAPIVersion, nil)
	if err != nil {
		c.logger.Warn("slots request failed", "error", err)
		return errorResult("I couldn't find any open slots for those dates.")
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("slots decode failed", "error", err)
		return errorResult("I couldn't find any open slots for those dates.")
	}

	// The slots payload nests under data.slots on current API versions;
	// older responses put the map directly under data.
	var nested struct {
		Slots json.RawMessage `json:"slots"`
	}
	if err := json.Unmarshal(resp.Data, &nested); err == nil && len(nested.Slots) > 0 {
		return decodeAny(nested.Slots)
	}
	return decodeAny(resp.Data)
}

// BookingRequest describes a booking to create.
type BookingRequest struct {
	EventTypeID int
	StartUTC    string
	GuestName   string
	GuestEmail  string
	Notes       string
}

type bookingAttendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
	Language string `json:"language"`
}

type createBookingBody struct {
	Start                  string            `json:"start"`
	EventTypeID            int               `json:"eventTypeId"`
	Attendee               bookingAttendee   `json:"attendee"`
	BookingFieldsResponses map[string]string `json:"bookingFieldsResponses"`
}

// CreateBooking books a slot. On success the returned map carries
// status "success" plus the booking payload; failures come back as the
// usual error shape.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) any {
	notes := req.Notes
	if notes == "" {
		notes = "Booking requested via AI Assistant"
	}

	payload := createBookingBody{
		Start:       req.StartUTC,
		EventTypeID: req.EventTypeID,
		Attendee: bookingAttendee{
			Name:     req.GuestName,
			Email:    req.GuestEmail,
			TimeZone: c.attendeeTimeZone,
			Language: "en",
		},
		BookingFieldsResponses: map[string]string{"notes": notes},
	}

	body, err := c.do(ctx, http.MethodPost, "/bookings", bookingsAPIVersion, payload)
	if err != nil {
		c.logger.Warn("booking request failed", "error", err)
		return errorResult(bookingErrorMessage(err))
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("booking decode failed", "error", err)
		return errorResult("Booking failed.")
	}

	return map[string]any{
		"status": "success",
		"data":   decodeAny(resp.Data),
	}
}

// IsBookingSuccess reports whether a tool result is a success-shaped
// booking outcome.
func IsBookingSuccess(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	status, _ := m["status"].(string)
	return status == "success"
}

// apiError carries the Cal.com error message for a non-2xx response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("cal.com API error (status %d): %s", e.StatusCode, e.Message)
}

func bookingErrorMessage(err error) string {
	if ae, ok := err.(*apiError); ok && ae.Message != "" {
		return ae.Message
	}
	return "Booking failed."
}

func (c *Client) do(ctx context.Context, method, path, apiVersion string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("cal-api-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}
	return body, nil
}

func extractErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return ""
}

func errorResult(message string) map[string]any {
	return map[string]any{"status": "error", "message": message}
}

func decodeAny(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
