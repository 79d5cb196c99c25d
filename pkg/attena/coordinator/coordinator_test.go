package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attena/attena/pkg/attena/agent"
	"github.com/attena/attena/pkg/attena/channels"
	"github.com/attena/attena/pkg/attena/store"
)

type mockStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	messages []store.ChatLogEntry
	history  []store.ChatLogEntry

	userErr    error
	historyErr error
	saveErr    error
}

func newMockStore() *mockStore {
	return &mockStore{users: make(map[string]*store.User)}
}

func (m *mockStore) GetOrCreateUser(ctx context.Context, phone, name string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	if u, ok := m.users[phone]; ok {
		return u, nil
	}
	u := &store.User{Phone: phone, Name: name, Role: "user"}
	m.users[phone] = u
	return u, nil
}

func (m *mockStore) GetUser(ctx context.Context, phone string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[phone]; ok {
		copy := *u
		return &copy, nil
	}
	return nil, errors.New("not found")
}

func (m *mockStore) IncrementMessageCount(ctx context.Context, phone string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[phone]; ok {
		u.MessageCountSinceSummary += n
	}
	return nil
}

func (m *mockStore) ReplaceSummary(ctx context.Context, phone, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[phone]; ok {
		u.Summary = summary
		u.MessageCountSinceSummary = 0
	}
	return nil
}

func (m *mockStore) SaveMessage(ctx context.Context, phone, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.messages = append(m.messages, store.ChatLogEntry{Phone: phone, Role: role, Content: content})
	return nil
}

func (m *mockStore) RecentHistory(ctx context.Context, phone string, limit int) ([]store.ChatLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockStore) savedMessages() []store.ChatLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ChatLogEntry, len(m.messages))
	copy(out, m.messages)
	return out
}

type mockEngine struct {
	mu       sync.Mutex
	reply    agent.Reply
	requests []agent.Request

	// block, when set, holds GenerateReply until released.
	block chan struct{}

	digest     string
	digestErr  error
	summarized int
}

func (m *mockEngine) GenerateReply(ctx context.Context, req agent.Request) agent.Reply {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return m.reply
}

func (m *mockEngine) Summarize(ctx context.Context, history []agent.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarized++
	return m.digest, m.digestErr
}

type mockSender struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

type sentMessage struct {
	To   string
	Text string
}

func (m *mockSender) Send(ctx context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, sentMessage{To: to, Text: text})
	return nil
}

func (m *mockSender) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sends))
	copy(out, m.sends)
	return out
}

type mockDownloader struct {
	data []byte
	mime string
	err  error
}

func (m *mockDownloader) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	return m.data, m.mime, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func textMessage(sender, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:     "m1",
		Sender: sender,
		Chat:   sender + "@s.whatsapp.net",
		Text:   text,
	}
}

func newTestCoordinator(st Store, eng Engine, snd Sender, dl channels.MediaDownloader) *Coordinator {
	return New(st, eng, snd, dl, Config{AdminJID: "15559990000@s.whatsapp.net"}, testLogger())
}

func TestHandleIncomingTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("successful turn persists exactly two rows and replies", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "hello back"}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230001", "hello"))

		msgs := st.savedMessages()
		if len(msgs) != 2 {
			t.Fatalf("got %d persisted rows, want 2", len(msgs))
		}
		if msgs[0].Role != store.RoleUser || msgs[0].Content != "hello" {
			t.Errorf("inbound row = %+v", msgs[0])
		}
		if msgs[1].Role != store.RoleModel || msgs[1].Content != "hello back" {
			t.Errorf("outbound row = %+v", msgs[1])
		}
		for _, m := range msgs {
			if m.Content == "" {
				t.Error("persisted row with empty content")
			}
		}
		if sends := snd.sent(); len(sends) != 1 || sends[0].Text != "hello back" {
			t.Errorf("sends = %+v", snd.sent())
		}
	})

	t.Run("empty turn is ignored without side effects", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "x"}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230002", ""))

		if len(st.savedMessages()) != 0 || len(snd.sent()) != 0 {
			t.Errorf("empty turn had side effects: %d rows, %d sends",
				len(st.savedMessages()), len(snd.sent()))
		}
	})

	t.Run("concurrent turn for same user is dropped", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "done"}, block: make(chan struct{})}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleIncomingTurn(ctx, textMessage("15551230003", "first"))
		}()

		// Wait until the first turn is inside the engine.
		deadline := time.Now().Add(2 * time.Second)
		for {
			eng.mu.Lock()
			n := len(eng.requests)
			eng.mu.Unlock()
			if n == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("first turn never reached the engine")
			}
			time.Sleep(5 * time.Millisecond)
		}

		// Second turn while the first is in flight: must be dropped.
		c.HandleIncomingTurn(ctx, textMessage("15551230003", "second"))
		close(eng.block)
		wg.Wait()

		eng.mu.Lock()
		requests := len(eng.requests)
		eng.mu.Unlock()
		if requests != 1 {
			t.Errorf("engine saw %d requests, want 1", requests)
		}
		if msgs := st.savedMessages(); len(msgs) != 2 {
			t.Errorf("got %d persisted rows, want 2 (dropped turn must leave none)", len(msgs))
		}

		t.Run("slot is released after the turn", func(t *testing.T) {
			c.HandleIncomingTurn(ctx, textMessage("15551230003", "third"))
			eng.mu.Lock()
			defer eng.mu.Unlock()
			if len(eng.requests) != 2 {
				t.Errorf("engine saw %d requests, want 2 after release", len(eng.requests))
			}
		})
	})

	t.Run("different users proceed independently", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "ok"}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c.HandleIncomingTurn(ctx, textMessage(fmt.Sprintf("1555124000%d", i), "hi"))
			}(i)
		}
		wg.Wait()

		if msgs := st.savedMessages(); len(msgs) != 6 {
			t.Errorf("got %d rows, want 6 (2 per user)", len(msgs))
		}
	})

	t.Run("history maps voice entries to user role", func(t *testing.T) {
		st := newMockStore()
		st.history = []store.ChatLogEntry{
			{Role: store.RoleUser, Content: "typed"},
			{Role: store.RoleUserVoice, Content: "spoken"},
			{Role: store.RoleModel, Content: "replied"},
		}
		eng := &mockEngine{reply: agent.Reply{Text: "ok"}}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230004", "hi"))

		eng.mu.Lock()
		defer eng.mu.Unlock()
		hist := eng.requests[0].History
		if len(hist) != 3 {
			t.Fatalf("history length = %d, want 3", len(hist))
		}
		if hist[0].Role != "user" || hist[1].Role != "user" || hist[2].Role != "assistant" {
			t.Errorf("roles = %q %q %q", hist[0].Role, hist[1].Role, hist[2].Role)
		}
	})

	t.Run("store failures degrade the turn instead of failing it", func(t *testing.T) {
		st := newMockStore()
		st.userErr = errors.New("db down")
		st.historyErr = errors.New("db down")
		eng := &mockEngine{reply: agent.Reply{Text: "still here"}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230005", "hi"))

		if sends := snd.sent(); len(sends) != 1 {
			t.Fatalf("sends = %d, want 1 despite store failures", len(sends))
		}
		eng.mu.Lock()
		defer eng.mu.Unlock()
		if eng.requests[0].UserSummary != "" || eng.requests[0].History != nil {
			t.Errorf("degraded turn carried context: %+v", eng.requests[0])
		}
	})

	t.Run("send failure does not roll back persistence", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "reply"}}
		snd := &mockSender{err: errors.New("socket closed")}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230006", "hi"))

		if msgs := st.savedMessages(); len(msgs) != 2 {
			t.Errorf("got %d rows, want 2 despite send failure", len(msgs))
		}
	})

	t.Run("empty engine reply is stored as placeholder", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: ""}}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551230007", "hi"))

		msgs := st.savedMessages()
		if len(msgs) != 2 || msgs[1].Content == "" {
			t.Errorf("outbound row = %+v, want placeholder content", msgs)
		}
	})
}

func TestVoiceTurns(t *testing.T) {
	ctx := context.Background()

	voiceMessage := func(sender string) *channels.IncomingMessage {
		return &channels.IncomingMessage{
			ID:     "v1",
			Sender: sender,
			Chat:   sender + "@s.whatsapp.net",
			Media:  &channels.MediaInfo{Kind: channels.MediaAudio, MimeType: "audio/ogg", IsVoiceNote: true},
		}
	}

	t.Run("voice turn uses default prompt and voice role", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "heard you"}}
		dl := &mockDownloader{data: []byte("opus"), mime: "audio/ogg"}
		c := newTestCoordinator(st, eng, &mockSender{}, dl)

		c.HandleIncomingTurn(ctx, voiceMessage("15551250001"))

		eng.mu.Lock()
		req := eng.requests[0]
		eng.mu.Unlock()
		if req.UserText != "Analyze this audio." {
			t.Errorf("user text = %q, want default audio prompt", req.UserText)
		}
		if req.Media == nil || string(req.Media.Data) != "opus" {
			t.Errorf("media = %+v", req.Media)
		}

		msgs := st.savedMessages()
		if len(msgs) != 2 || msgs[0].Role != store.RoleUserVoice {
			t.Errorf("inbound row = %+v, want user_voice role", msgs)
		}
	})

	t.Run("voice turn with failed download is a no-op", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "x"}}
		snd := &mockSender{}
		dl := &mockDownloader{err: errors.New("media gone")}
		c := newTestCoordinator(st, eng, snd, dl)

		c.HandleIncomingTurn(ctx, voiceMessage("15551250002"))

		if len(st.savedMessages()) != 0 || len(snd.sent()) != 0 {
			t.Error("unusable voice turn had side effects")
		}
	})
}

func TestAdminNotification(t *testing.T) {
	ctx := context.Background()

	bookingOutcome := map[string]any{
		"status": "success",
		"data": map[string]any{
			"responses": map[string]any{"name": "Alice"},
		},
	}

	t.Run("booking success notifies admin", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "booked!", BookingOutcome: bookingOutcome}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551260001", "book it"))

		sends := snd.sent()
		if len(sends) != 2 {
			t.Fatalf("got %d sends, want reply + admin notification", len(sends))
		}
		if sends[1].To != "15559990000@s.whatsapp.net" {
			t.Errorf("admin send to %q", sends[1].To)
		}
		if !strings.Contains(sends[1].Text, "Booking Confirmed") || !strings.Contains(sends[1].Text, "Alice") {
			t.Errorf("admin text = %q", sends[1].Text)
		}
	})

	t.Run("no outcome means no notification", func(t *testing.T) {
		st := newMockStore()
		eng := &mockEngine{reply: agent.Reply{Text: "no booking"}}
		snd := &mockSender{}
		c := newTestCoordinator(st, eng, snd, nil)

		c.HandleIncomingTurn(ctx, textMessage("15551260002", "hi"))

		if len(snd.sent()) != 1 {
			t.Errorf("got %d sends, want only the reply", len(snd.sent()))
		}
	})

	t.Run("attendees shape also yields a name", func(t *testing.T) {
		outcome := map[string]any{
			"status": "success",
			"data": map[string]any{
				"attendees": []any{map[string]any{"name": "Bob"}},
			},
		}
		if got := guestNameFromOutcome(outcome); got != "Bob" {
			t.Errorf("guest name = %q, want Bob", got)
		}
	})
}

func TestMaintainMemory(t *testing.T) {
	ctx := context.Background()

	seedUser := func(st *mockStore, phone string, count int) {
		st.users[phone] = &store.User{
			Phone:                    phone,
			Summary:                  "old summary",
			MessageCountSinceSummary: count,
		}
	}

	t.Run("at threshold replaces summary and resets counter", func(t *testing.T) {
		st := newMockStore()
		seedUser(st, "15551270001", 15)
		eng := &mockEngine{digest: "- new digest"}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.MaintainMemory(ctx, "15551270001")

		u, _ := st.GetUser(ctx, "15551270001")
		if u.Summary != "- new digest" {
			t.Errorf("summary = %q, want replaced", u.Summary)
		}
		if u.MessageCountSinceSummary != 0 {
			t.Errorf("counter = %d, want 0", u.MessageCountSinceSummary)
		}
	})

	t.Run("below threshold does nothing", func(t *testing.T) {
		st := newMockStore()
		seedUser(st, "15551270002", 14)
		eng := &mockEngine{digest: "- should not apply"}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.MaintainMemory(ctx, "15551270002")

		if eng.summarized != 0 {
			t.Error("summarize called below threshold")
		}
		u, _ := st.GetUser(ctx, "15551270002")
		if u.Summary != "old summary" || u.MessageCountSinceSummary != 14 {
			t.Errorf("state changed below threshold: %+v", u)
		}
	})

	t.Run("failed summarization leaves state for retry", func(t *testing.T) {
		st := newMockStore()
		seedUser(st, "15551270003", 20)
		eng := &mockEngine{digestErr: errors.New("model down")}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.MaintainMemory(ctx, "15551270003")

		u, _ := st.GetUser(ctx, "15551270003")
		if u.Summary != "old summary" || u.MessageCountSinceSummary != 20 {
			t.Errorf("failed summarization mutated state: %+v", u)
		}
	})

	t.Run("empty digest leaves state for retry", func(t *testing.T) {
		st := newMockStore()
		seedUser(st, "15551270004", 16)
		eng := &mockEngine{digest: ""}
		c := newTestCoordinator(st, eng, &mockSender{}, nil)

		c.MaintainMemory(ctx, "15551270004")

		u, _ := st.GetUser(ctx, "15551270004")
		if u.Summary != "old summary" || u.MessageCountSinceSummary != 16 {
			t.Errorf("empty digest mutated state: %+v", u)
		}
	})
}
