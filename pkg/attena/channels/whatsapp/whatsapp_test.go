package whatsapp

import (
	"testing"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/attena/attena/pkg/attena/channels"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"full JID", "15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net", false},
		{"bare digits", "15551234567", "15551234567@s.whatsapp.net", false},
		{"formatted number", "+1 (555) 123-4567", "15551234567@s.whatsapp.net", false},
		{"too short", "12345", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseJID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseJID(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJID(%q) error: %v", tt.input, err)
			}
			if jid.String() != tt.want {
				t.Errorf("parseJID(%q) = %q, want %q", tt.input, jid.String(), tt.want)
			}
		})
	}
}

func TestExtractContent(t *testing.T) {
	t.Run("plain conversation text", func(t *testing.T) {
		var msg channels.IncomingMessage
		extractContent(&waE2E.Message{Conversation: proto.String("hello")}, &msg)
		if msg.Text != "hello" || msg.Media != nil {
			t.Errorf("got text=%q media=%v", msg.Text, msg.Media)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		var msg channels.IncomingMessage
		extractContent(&waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
		}, &msg)
		if msg.Text != "linked text" {
			t.Errorf("text = %q", msg.Text)
		}
	})

	t.Run("voice note populates media info", func(t *testing.T) {
		var msg channels.IncomingMessage
		extractContent(&waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				Mimetype:   proto.String("audio/ogg; codecs=opus"),
				PTT:        proto.Bool(true),
				Seconds:    proto.Uint32(7),
				FileLength: proto.Uint64(4096),
				MediaKey:   []byte{1, 2, 3},
			},
		}, &msg)
		if msg.Media == nil {
			t.Fatal("media = nil, want audio info")
		}
		if msg.Media.Kind != channels.MediaAudio || !msg.Media.IsVoiceNote {
			t.Errorf("media = %+v", msg.Media)
		}
		if msg.Text != "" {
			t.Errorf("text = %q, want empty for pure voice note", msg.Text)
		}
	})

	t.Run("nil message leaves everything empty", func(t *testing.T) {
		var msg channels.IncomingMessage
		extractContent(nil, &msg)
		if msg.Text != "" || msg.Media != nil {
			t.Errorf("got text=%q media=%v", msg.Text, msg.Media)
		}
	})
}
