// Package channels defines the messaging transport abstraction the
// turn coordinator is driven by. The concrete WhatsApp implementation
// lives in the whatsapp subpackage.
package channels

import (
	"context"
	"errors"
	"time"
)

// Transport errors.
var (
	// ErrDisconnected indicates the channel is not connected.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrNoMedia indicates a download was requested for a message
	// without media.
	ErrNoMedia = errors.New("message has no media")
)

// MediaKind identifies the kind of attached media.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
)

// IncomingMessage is one inbound user event from the transport.
type IncomingMessage struct {
	// ID is the transport message ID.
	ID string

	// Sender is the bare phone number of the sender (digits only).
	Sender string

	// SenderName is the sender's display name, when the transport
	// provides one.
	SenderName string

	// Chat is the transport address replies should be sent to.
	Chat string

	// Text is the message text. Empty for pure media messages.
	Text string

	// Media describes an attachment, nil for text-only messages.
	Media *MediaInfo

	Timestamp time.Time
}

// MediaInfo carries what the transport needs to download an encrypted
// attachment on demand.
type MediaInfo struct {
	Kind     MediaKind
	MimeType string
	FileSize uint64

	// Duration is the length in seconds for audio.
	Duration uint32

	// IsVoiceNote distinguishes push-to-talk notes from audio files.
	IsVoiceNote bool

	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
}

// Channel is a messaging transport.
type Channel interface {
	// Name returns the channel identifier, e.g. "whatsapp".
	Name() string

	// Connect establishes the connection. For a first run this may
	// start an interactive pairing flow in the background.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and the Receive stream.
	Disconnect() error

	// Send delivers a text message to the given address.
	Send(ctx context.Context, to, text string) error

	// Receive returns the stream of inbound messages. Closed on
	// disconnect.
	Receive() <-chan *IncomingMessage

	// IsConnected reports the connection state.
	IsConnected() bool
}

// MediaDownloader is implemented by channels that can fetch attachment
// bytes for an incoming message.
type MediaDownloader interface {
	// DownloadMedia returns the raw bytes and MIME type of the
	// message's attachment.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}
