package whatsapp

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/attena/attena/pkg/attena/channels"
)

// handleEvent routes whatsmeow events.
func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessageEvt(e)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("connection established")

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("connection lost")
		go w.attemptReconnect()

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("logged out remotely, session invalidated", "reason", e.Reason)

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("stream replaced by another session")
	}
}

// handleMessageEvt converts a WhatsApp message event into an
// IncomingMessage. Own messages, group chats, and status broadcasts are
// ignored: the assistant serves direct conversations only.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	msg := &channels.IncomingMessage{
		ID:         evt.Info.ID,
		Sender:     evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		Chat:       evt.Info.Chat.String(),
		Timestamp:  evt.Info.Timestamp,
	}

	extractContent(evt.Message, msg)
	if msg.Text == "" && msg.Media == nil {
		return
	}

	w.emitMessage(msg)
}

// extractContent pulls text and media info out of the raw proto. Only
// text and audio matter here; everything else stays empty and the
// message is dropped upstream.
func extractContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	if text := waMsg.GetConversation(); text != "" {
		msg.Text = text
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Text = ext.GetText()
		return
	}

	if audio := waMsg.AudioMessage; audio != nil {
		msg.Media = &channels.MediaInfo{
			Kind:          channels.MediaAudio,
			MimeType:      audio.GetMimetype(),
			FileSize:      audio.GetFileLength(),
			Duration:      audio.GetSeconds(),
			IsVoiceNote:   audio.GetPTT(),
			URL:           audio.GetURL(),
			DirectPath:    audio.GetDirectPath(),
			MediaKey:      audio.GetMediaKey(),
			FileSHA256:    audio.GetFileSHA256(),
			FileEncSHA256: audio.GetFileEncSHA256(),
		}
	}
}

// emitMessage delivers a message to the Receive stream without
// blocking; if the consumer is saturated the message is dropped.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("message buffer full, dropping", "from", msg.Sender)
	}
}
