package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tourbot/internal/channel"
	"tourbot/internal/domain"
	"tourbot/internal/provider"
	"tourbot/internal/timing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory domain.ConversationStore with injectable
// failures, plus a query log sink.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	queryLog      []domain.QueryRecord

	failGet     bool
	failAdd     bool
	failAddRole string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; !ok {
		s.conversations[conv.ID] = conv
	}
	return nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errors.New("store unavailable")
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (s *fakeStore) UpdateProfileName(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if ok && name != "" {
		conv.ProfileName = name
		s.conversations[id] = conv
	}
	return nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *fakeStore) AddMessage(ctx context.Context, convID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd && (s.failAddRole == "" || s.failAddRole == msg.Role) {
		return errors.New("disk full")
	}
	s.messages[convID] = append(s.messages[convID], msg)
	return nil
}

func (s *fakeStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) LogQuery(ctx context.Context, rec domain.QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryLog = append(s.queryLog, rec)
	return nil
}

// sentText captures everything the graph stub was asked to send.
type sentText struct {
	To   string
	Body string
	Type string
}

type fixture struct {
	handler *Handler
	store   *fakeStore
	sent    *[]sentText
	sentMu  *sync.Mutex
}

// newFixture wires a handler against a QA backend stub and a graph stub.
func newFixture(t *testing.T, backend http.HandlerFunc) *fixture {
	t.Helper()

	qaSrv := httptest.NewServer(backend)
	t.Cleanup(qaSrv.Close)

	var sent []sentText
	var sentMu sync.Mutex
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			To    string            `json:"to"`
			Type  string            `json:"type"`
			Text  map[string]string `json:"text"`
			Image map[string]string `json:"image"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path == "/123456/media" {
			json.NewEncoder(w).Encode(map[string]string{"id": "media-1"})
			return
		}
		sentMu.Lock()
		sent = append(sent, sentText{To: req.To, Body: req.Text["body"], Type: req.Type})
		sentMu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.out.1"}},
		})
	}))
	t.Cleanup(graphSrv.Close)

	store := newFakeStore()
	logger := testLogger()

	backendClient := provider.NewClient(qaSrv.URL, "key", 5*time.Second, logger)
	waClient := channel.NewWhatsAppClient(graphSrv.URL, "123456", "token", logger)

	h := &Handler{
		Loader:   NewConversationLoader(store, "עמק חפר", "אגמון חפר", logger),
		Store:    store,
		QueryLog: store,
		Backend:  backendClient,
		Client:   waClient,
		Tracker:  channel.NewDeliveryTracker(30 * time.Minute),
		Replies:  channel.DefaultReplies(),
		Logger:   logger,
	}
	return &fixture{handler: h, store: store, sent: &sent, sentMu: &sentMu}
}

func (f *fixture) sentMessages() []sentText {
	f.sentMu.Lock()
	defer f.sentMu.Unlock()
	return append([]sentText(nil), *f.sent...)
}

func inbound(text string) channel.InboundText {
	return channel.InboundText{
		MessageID:     "wamid.in.1",
		From:          "972501234567",
		Text:          text,
		ProfileName:   "דנה",
		CorrelationID: "corr-1",
		Timing:        timing.NewContext("corr-1"),
	}
}

func qaAnswer(text string, images []map[string]string, includeImages bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"response_text":         text,
			"citations":             []map[string]string{{"title": "מקור", "source": "kb"}},
			"images":                images,
			"should_include_images": includeImages,
		})
	}
}

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture(t, qaAnswer("פתוח כל יום", nil, false))

	f.handler.Process(context.Background(), inbound("מה שעות הפתיחה?"))

	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Body != "פתוח כל יום" {
		t.Errorf("reply = %q", sent[0].Body)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "whatsapp_972501234567", 10)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user+assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if len(msgs[1].Citations) != 1 {
		t.Errorf("assistant citations = %+v", msgs[1].Citations)
	}

	if len(f.store.queryLog) != 1 {
		t.Fatalf("query log entries = %d, want 1", len(f.store.queryLog))
	}
	if f.store.queryLog[0].Error != "" {
		t.Errorf("query log error = %q", f.store.queryLog[0].Error)
	}
}

func TestProcess_FirstImageOnly(t *testing.T) {
	// Image URLs resolve against a stub so SendImage succeeds.
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'})
	}))
	defer imgSrv.Close()

	f := newFixture(t, qaAnswer("הנה תמונה", []map[string]string{
		{"uri": imgSrv.URL + "/first.jpg", "caption": "ראשונה"},
		{"uri": imgSrv.URL + "/second.jpg", "caption": "שנייה"},
	}, true))

	f.handler.Process(context.Background(), inbound("תראה לי תמונה"))

	sent := f.sentMessages()
	textCount, imageCount := 0, 0
	for _, s := range sent {
		switch s.Type {
		case "text":
			textCount++
		case "image":
			imageCount++
		}
	}
	if textCount != 1 || imageCount != 1 {
		t.Errorf("sent %d texts and %d images, want 1 and 1", textCount, imageCount)
	}

	msgs, _ := f.store.GetMessages(context.Background(), "whatsapp_972501234567", 10)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	if len(msgs[1].Images) != 1 {
		t.Fatalf("assistant turn persisted %d images, want exactly the sent one", len(msgs[1].Images))
	}
	if msgs[1].Images[0].Caption != "ראשונה" {
		t.Errorf("persisted image = %+v, want the first candidate", msgs[1].Images[0])
	}
}

func TestProcess_ImagesSuppressedWhenFlagFalse(t *testing.T) {
	images := []map[string]string{{"uri": "https://img.example/a.jpg"}}
	f := newFixture(t, qaAnswer("תשובה", images, false))

	f.handler.Process(context.Background(), inbound("שאלה"))

	for _, s := range f.sentMessages() {
		if s.Type == "image" {
			t.Fatal("image sent despite should_include_images=false")
		}
	}
	msgs, _ := f.store.GetMessages(context.Background(), "whatsapp_972501234567", 10)
	if len(msgs[1].Images) != 0 {
		t.Errorf("persisted images = %+v, want none", msgs[1].Images)
	}
}

func TestProcess_ResetCommand(t *testing.T) {
	var backendCalls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"response_text": "x"})
	})

	// Seed some history.
	f.handler.Process(context.Background(), inbound("שאלה רגילה"))
	f.handler.Process(context.Background(), inbound("reset"))

	if got := backendCalls.Load(); got != 1 {
		t.Errorf("backend calls = %d, reset must not reach the backend", got)
	}
	msgs, _ := f.store.GetMessages(context.Background(), "whatsapp_972501234567", 10)
	if len(msgs) != 0 {
		t.Errorf("history survived reset: %d messages", len(msgs))
	}

	sent := f.sentMessages()
	last := sent[len(sent)-1]
	if last.Body != channel.DefaultReplies().ResetDone {
		t.Errorf("reset ack = %q", last.Body)
	}
}

func TestProcess_LoadFailureApologizes(t *testing.T) {
	var backendCalls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
	})
	f.store.failGet = true

	f.handler.Process(context.Background(), inbound("שאלה"))

	if backendCalls.Load() != 0 {
		t.Error("backend reached despite load failure")
	}
	sent := f.sentMessages()
	if len(sent) != 1 || sent[0].Body != channel.DefaultReplies().LoadFailed {
		t.Errorf("sent = %+v, want load-failed apology", sent)
	}
}

func TestProcess_UserSaveFailureAbortsBeforeBackend(t *testing.T) {
	var backendCalls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
	})
	f.store.failAdd = true
	f.store.failAddRole = "user"

	f.handler.Process(context.Background(), inbound("שאלה"))

	if backendCalls.Load() != 0 {
		t.Error("backend reached despite persist failure")
	}
	sent := f.sentMessages()
	if len(sent) != 1 || sent[0].Body != channel.DefaultReplies().SaveFailed {
		t.Errorf("sent = %+v, want save-failed apology", sent)
	}
}

func TestProcess_BackendClientErrorYieldsServerApology(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	f.handler.Process(context.Background(), inbound("שאלה"))

	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Body != channel.DefaultReplies().ServerError {
		t.Errorf("reply = %q, want server-error text", sent[0].Body)
	}

	// The turn is still recorded, with the substituted text delivered.
	msgs, _ := f.store.GetMessages(context.Background(), "whatsapp_972501234567", 10)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	if msgs[1].Content != channel.DefaultReplies().ServerError {
		t.Errorf("persisted assistant turn = %q", msgs[1].Content)
	}
}

func TestProcess_EmptyAnswerYieldsNoAnswerText(t *testing.T) {
	f := newFixture(t, qaAnswer("", nil, false))

	f.handler.Process(context.Background(), inbound("שאלה"))

	sent := f.sentMessages()
	if len(sent) != 1 || sent[0].Body != channel.DefaultReplies().NoAnswer {
		t.Errorf("sent = %+v, want no-answer text", sent)
	}
}

func TestProcess_ProfileNameStored(t *testing.T) {
	f := newFixture(t, qaAnswer("תשובה", nil, false))

	f.handler.Process(context.Background(), inbound("שאלה"))

	conv, _ := f.store.GetConversation(context.Background(), "whatsapp_972501234567")
	if conv == nil || conv.ProfileName != "דנה" {
		t.Errorf("conversation = %+v, want profile name stored", conv)
	}
}

func TestLoader_ConversationID(t *testing.T) {
	l := NewConversationLoader(newFakeStore(), "a", "s", testLogger())
	if got := l.ConversationID("972501234567"); got != "whatsapp_972501234567" {
		t.Errorf("id = %q", got)
	}
}
