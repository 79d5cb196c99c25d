// Package coordinator implements per-user turn orchestration: admission
// control, context assembly, reply dispatch, turn persistence, and the
// asynchronous long-term memory maintenance.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/attena/attena/pkg/attena/agent"
	"github.com/attena/attena/pkg/attena/channels"
	"github.com/attena/attena/pkg/attena/store"
)

const (
	// historyLimit is how many chat log entries feed the engine.
	historyLimit = 10

	// placeholderContent substitutes empty text so no chat log row is
	// ever stored without content.
	placeholderContent = "[no content]"

	// defaultAudioPrompt stands in for the user text on voice-only
	// turns.
	defaultAudioPrompt = "Analyze this audio."
)

// SummaryThreshold is the since-summary message count that triggers
// summarization. Exported so the maintenance sweep queries with the
// same bound.
const SummaryThreshold = 15

// Store is the persistence surface the coordinator needs.
type Store interface {
	GetOrCreateUser(ctx context.Context, phone, name string) (*store.User, error)
	GetUser(ctx context.Context, phone string) (*store.User, error)
	IncrementMessageCount(ctx context.Context, phone string, n int) error
	ReplaceSummary(ctx context.Context, phone, summary string) error
	SaveMessage(ctx context.Context, phone, role, content string) error
	RecentHistory(ctx context.Context, phone string, limit int) ([]store.ChatLogEntry, error)
}

// Engine generates replies and summaries.
type Engine interface {
	GenerateReply(ctx context.Context, req agent.Request) agent.Reply
	Summarize(ctx context.Context, history []agent.Turn) (string, error)
}

// Sender delivers outbound text messages.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Config holds coordinator settings.
type Config struct {
	// AdminJID receives booking notifications. Empty disables them.
	AdminJID string `yaml:"admin_jid"`
}

// Coordinator is the transport-facing entry point. One instance owns
// the per-user admission set for the process lifetime.
type Coordinator struct {
	store      Store
	engine     Engine
	sender     Sender
	downloader channels.MediaDownloader
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Coordinator. downloader may be nil when the transport
// cannot fetch media; voice-only turns are then ignored.
func New(st Store, engine Engine, sender Sender, downloader channels.MediaDownloader, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      st,
		engine:     engine,
		sender:     sender,
		downloader: downloader,
		cfg:        cfg,
		logger:     logger.With("component", "coordinator"),
		inflight:   make(map[string]struct{}),
	}
}

// Run consumes the channel's message stream until it closes, handling
// each turn on its own goroutine.
func (c *Coordinator) Run(ctx context.Context, ch channels.Channel) {
	for msg := range ch.Receive() {
		go c.HandleIncomingTurn(ctx, msg)
	}
}

// HandleIncomingTurn processes one inbound user event end to end. A
// second event for the same user while one is in flight is silently
// dropped. Every failure is contained here: the admission entry is
// released on all paths and nothing propagates to the caller.
func (c *Coordinator) HandleIncomingTurn(ctx context.Context, msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("turn handler panic", "error", fmt.Sprint(r))
		}
	}()

	if msg == nil || msg.Sender == "" {
		return
	}
	hasAudio := msg.Media != nil && msg.Media.Kind == channels.MediaAudio
	if msg.Text == "" && !hasAudio {
		return
	}

	userID := msg.Sender
	if !c.admit(userID) {
		c.logger.Debug("turn dropped, user already in flight", "user", userID)
		return
	}
	defer c.release(userID)

	turnID := uuid.NewString()
	log := c.logger.With("turn", turnID, "user", userID)
	log.Info("turn started", "has_audio", hasAudio)

	// Profile resolution is best-effort: a store failure degrades the
	// turn to no-summary context rather than failing it.
	var summary string
	user, err := c.store.GetOrCreateUser(ctx, userID, msg.SenderName)
	if err != nil {
		log.Warn("user resolution failed, proceeding without profile", "error", err)
		user = nil
	} else {
		summary = user.Summary
	}

	history := c.loadHistory(ctx, userID, log)

	var media *agent.Media
	isVoice := false
	if hasAudio {
		media = c.downloadAudio(ctx, msg, log)
		if media == nil && msg.Text == "" {
			// Nothing usable in this turn.
			return
		}
		isVoice = media != nil
	}

	userText := msg.Text
	if userText == "" {
		userText = defaultAudioPrompt
	}

	reply := c.engine.GenerateReply(ctx, agent.Request{
		History:     history,
		UserText:    userText,
		UserSummary: summary,
		Media:       media,
	})

	// Delivery is best-effort; persistence below happens regardless.
	if err := c.sender.Send(ctx, msg.Chat, reply.Text); err != nil {
		log.Error("reply delivery failed", "error", err)
	}

	c.persistTurn(ctx, userID, userText, reply.Text, isVoice, log)

	if reply.BookingOutcome != nil {
		c.notifyAdmin(ctx, reply.BookingOutcome, log)
	}

	if user != nil {
		// Fire-and-forget: maintenance latency or failure never
		// touches the reply already sent.
		go c.MaintainMemory(context.WithoutCancel(ctx), userID)
	}

	log.Info("turn completed")
}

// admit reserves the user's admission slot. Returns false when a turn
// is already in flight for that user.
func (c *Coordinator) admit(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[userID]; busy {
		return false
	}
	c.inflight[userID] = struct{}{}
	return true
}

func (c *Coordinator) release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, userID)
}

// loadHistory fetches the recent chat log and projects it into engine
// turns. The user_voice role collapses to a plain user turn here, at
// read time; storage keeps the modality tag.
func (c *Coordinator) loadHistory(ctx context.Context, userID string, log *slog.Logger) []agent.Turn {
	entries, err := c.store.RecentHistory(ctx, userID, historyLimit)
	if err != nil {
		log.Warn("history fetch failed, proceeding without context", "error", err)
		return nil
	}

	turns := make([]agent.Turn, 0, len(entries))
	for _, e := range entries {
		role := "user"
		if e.Role == store.RoleModel {
			role = "assistant"
		}
		turns = append(turns, agent.Turn{Role: role, Text: e.Content})
	}
	return turns
}

func (c *Coordinator) downloadAudio(ctx context.Context, msg *channels.IncomingMessage, log *slog.Logger) *agent.Media {
	if c.downloader == nil {
		log.Warn("no media downloader configured, skipping audio")
		return nil
	}
	data, mime, err := c.downloader.DownloadMedia(ctx, msg)
	if err != nil {
		log.Warn("media download failed", "error", err)
		return nil
	}
	return &agent.Media{Data: data, MIMEType: mime}
}

// persistTurn writes exactly two chat log rows, inbound then outbound,
// substituting a placeholder for any empty content, and bumps the
// user's since-summary counter.
func (c *Coordinator) persistTurn(ctx context.Context, userID, userText, replyText string, isVoice bool, log *slog.Logger) {
	inRole := store.RoleUser
	if isVoice {
		inRole = store.RoleUserVoice
	}

	if err := c.store.SaveMessage(ctx, userID, inRole, orPlaceholder(userText)); err != nil {
		log.Error("failed to persist inbound message", "error", err)
	}
	if err := c.store.SaveMessage(ctx, userID, store.RoleModel, orPlaceholder(replyText)); err != nil {
		log.Error("failed to persist reply", "error", err)
	}
	if err := c.store.IncrementMessageCount(ctx, userID, 1); err != nil {
		log.Warn("failed to bump message counter", "error", err)
	}
}

func orPlaceholder(s string) string {
	if s == "" {
		return placeholderContent
	}
	return s
}

// notifyAdmin sends the booking side-channel notification. Best-effort
// and independent of the primary reply.
func (c *Coordinator) notifyAdmin(ctx context.Context, outcome any, log *slog.Logger) {
	if c.cfg.AdminJID == "" {
		return
	}
	text := "🚨 Booking Confirmed: " + guestNameFromOutcome(outcome)
	if err := c.sender.Send(ctx, c.cfg.AdminJID, text); err != nil {
		log.Warn("admin notification failed", "error", err)
	}
}

// guestNameFromOutcome digs the guest name out of the booking payload,
// tolerating both the responses map and the attendees list shapes.
func guestNameFromOutcome(outcome any) string {
	m, ok := outcome.(map[string]any)
	if !ok {
		return "a guest"
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		return "a guest"
	}
	if responses, ok := data["responses"].(map[string]any); ok {
		if name, ok := responses["name"].(string); ok && name != "" {
			return name
		}
	}
	if attendees, ok := data["attendees"].([]any); ok && len(attendees) > 0 {
		if att, ok := attendees[0].(map[string]any); ok {
			if name, ok := att["name"].(string); ok && name != "" {
				return name
			}
		}
	}
	return "a guest"
}

// MaintainMemory runs the long-term memory pass for one user: when the
// since-summary counter has reached the threshold, the recent history
// is condensed and the rolling summary replaced. A failed or empty
// summarization leaves counter and summary untouched so the next
// qualifying turn retries.
func (c *Coordinator) MaintainMemory(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("memory maintenance panic", "user", userID, "error", fmt.Sprint(r))
		}
	}()

	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		c.logger.Warn("memory maintenance skipped", "user", userID, "error", err)
		return
	}
	if user.MessageCountSinceSummary < SummaryThreshold {
		return
	}

	c.logger.Info("summarizing memory", "user", userID, "count", user.MessageCountSinceSummary)

	history := c.loadHistory(ctx, userID, c.logger)
	digest, err := c.engine.Summarize(ctx, history)
	if err != nil {
		c.logger.Warn("summarization failed, will retry later", "user", userID, "error", err)
		return
	}
	if digest == "" {
		return
	}

	if err := c.store.ReplaceSummary(ctx, userID, digest); err != nil {
		c.logger.Error("failed to persist summary", "user", userID, "error", err)
	}
}
