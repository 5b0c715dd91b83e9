package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"courier-go/internal/config"
	"courier-go/internal/domain"
	"courier-go/internal/queue"
	"courier-go/internal/queue/memory"
	"courier-go/internal/registry"
	storemem "courier-go/internal/store/memory"
)

// fakeHandlers records calls and fails or panics on demand.
type fakeHandlers struct {
	mu        sync.Mutex
	inApp     []*domain.InAppNotificationRequest
	emails    []*domain.EmailRequest
	sms       []*domain.SmsRequest
	inAppErr  error
	emailErr  error
	smsPanics bool
}

func (f *fakeHandlers) SaveInAppNotification(ctx context.Context, req *domain.InAppNotificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inAppErr != nil {
		return f.inAppErr
	}
	f.inApp = append(f.inApp, req)
	return nil
}

func (f *fakeHandlers) SendEmail(ctx context.Context, req *domain.EmailRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emails = append(f.emails, req)
	return nil
}

func (f *fakeHandlers) SendSMS(ctx context.Context, req *domain.SmsRequest) error {
	if f.smsPanics {
		panic("sms gateway exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sms = append(f.sms, req)
	return nil
}

type testDeps struct {
	handlers *fakeHandlers
	outbox   *storemem.OutboxStore
	service  *Service
}

func testSetup() *testDeps {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	handlers := &fakeHandlers{}
	outbox := storemem.NewOutboxStore()
	reg := registry.New(config.TopicsConfig{Notifications: "notifications", Emails: "emails", SMS: "sms"})

	return &testDeps{
		handlers: handlers,
		outbox:   outbox,
		service:  NewService(memory.NewQueue(10), reg, handlers, outbox, logger),
	}
}

func message(topic string, typ domain.EnvelopeType, body string) *queue.Message {
	msg := &queue.Message{Topic: topic, Value: []byte(body)}
	if typ != "" {
		msg.Headers = map[string]string{queue.HeaderEnvelopeType: string(typ)}
	}
	return msg
}

func (d *testDeps) envelopes(t *testing.T) []*domain.Envelope {
	t.Helper()
	envs, err := d.outbox.List(context.Background(), domain.EnvelopeFilter{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	return envs
}

func TestHandleMessage_DispatchesByType(t *testing.T) {
	d := testSetup()
	ctx := context.Background()

	msgs := []*queue.Message{
		message("emails", domain.TypeEmail, `{"to":"a@example.com","subject":"Hi","body":"Hello"}`),
		message("emails", domain.TypeOTPEmail, `{"to":"b@example.com","code":"424242"}`),
		message("sms", "", `{"phone_number":"+15550100","message":"hi"}`),
		message("notifications", domain.TypeInApp, `{"user_id":"u1","title":"Welcome"}`),
	}
	for _, msg := range msgs {
		if err := d.service.handleMessage(ctx, msg); err != nil {
			t.Fatalf("handleMessage error: %v", err)
		}
	}

	if len(d.handlers.emails) != 2 {
		t.Fatalf("emails sent = %d, want 2", len(d.handlers.emails))
	}
	if d.handlers.emails[1].To != "b@example.com" || d.handlers.emails[1].Subject != "Your verification code" {
		t.Errorf("otp email rendered as %+v", d.handlers.emails[1])
	}
	if len(d.handlers.sms) != 1 {
		t.Errorf("sms sent = %d, want 1", len(d.handlers.sms))
	}
	if len(d.handlers.inApp) != 1 {
		t.Errorf("in-app saved = %d, want 1", len(d.handlers.inApp))
	}
	if envs := d.envelopes(t); len(envs) != 0 {
		t.Errorf("outbox should be empty, got %d", len(envs))
	}
}

func TestHandleMessage_EmailsTopicDefaultsToOtp(t *testing.T) {
	d := testSetup()

	err := d.service.handleMessage(context.Background(),
		message("emails", "", `{"to":"a@example.com","code":"111111","expires_in_minutes":10}`))
	if err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}

	if len(d.handlers.emails) != 1 {
		t.Fatalf("emails sent = %d, want 1", len(d.handlers.emails))
	}
	want := "Your verification code is 111111. It expires in 10 minutes."
	if d.handlers.emails[0].Body != want {
		t.Errorf("Body = %q, want %q", d.handlers.emails[0].Body, want)
	}
}

func TestHandleMessage_MalformedEmail(t *testing.T) {
	d := testSetup()
	raw := `{"to": "a@example.com", "code": `

	if err := d.service.handleMessage(context.Background(), message("emails", "", raw)); err != nil {
		t.Fatalf("handleMessage should ack malformed messages, got %v", err)
	}

	envs := d.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("outbox has %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Type != domain.TypeOTPEmail {
		t.Errorf("Type = %v, want OTP_EMAIL", env.Type)
	}
	if env.Status != domain.StatusNew {
		t.Errorf("Status = %v, want NEW", env.Status)
	}
	if env.Payload != raw {
		t.Errorf("Payload = %q, want raw bytes %q", env.Payload, raw)
	}
	if !env.ManualOnly {
		t.Error("malformed payloads should be manual-only")
	}
	if env.Source != domain.SourceConsumer {
		t.Errorf("Source = %v, want consumer", env.Source)
	}
	if len(d.handlers.emails) != 0 {
		t.Error("no email should be sent for a malformed message")
	}
}

func TestHandleMessage_FanOutIndependence(t *testing.T) {
	d := testSetup()
	d.handlers.emailErr = errors.New("smtp timeout")

	body := `{"channel":"BOTH","user_id":"u1","title":"Order shipped","message":"On its way","email":"a@example.com"}`
	if err := d.service.handleMessage(context.Background(), message("notifications", "", body)); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}

	if len(d.handlers.inApp) != 1 {
		t.Errorf("in-app half should succeed, saved = %d", len(d.handlers.inApp))
	}

	envs := d.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("outbox has %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.Type != domain.TypeEmail {
		t.Errorf("Type = %v, want EMAIL", env.Type)
	}
	if env.ManualOnly {
		t.Error("handler failures should stay retryable")
	}

	var email domain.EmailRequest
	if err := json.Unmarshal([]byte(env.Payload), &email); err != nil {
		t.Fatalf("stored payload is not an EmailRequest: %v", err)
	}
	want := domain.EmailRequest{To: "a@example.com", Subject: "Order shipped", Body: "On its way"}
	if email != want {
		t.Errorf("stored email = %+v, want %+v", email, want)
	}
}

func TestHandleMessage_FanOutBothFail(t *testing.T) {
	d := testSetup()
	d.handlers.emailErr = errors.New("smtp timeout")
	d.handlers.inAppErr = errors.New("database down")

	body := `{"channel":"BOTH","user_id":"u1","title":"T","message":"M","email":"a@example.com"}`
	_ = d.service.handleMessage(context.Background(), message("notifications", domain.TypeNotification, body))

	envs := d.envelopes(t)
	if len(envs) != 2 {
		t.Fatalf("outbox has %d envelopes, want 2", len(envs))
	}
	types := map[domain.EnvelopeType]bool{}
	for _, env := range envs {
		types[env.Type] = true
	}
	if !types[domain.TypeInApp] || !types[domain.TypeEmail] {
		t.Errorf("stored types = %v, want IN_APP and EMAIL", types)
	}
}

func TestHandleMessage_InAppOnlyChannel(t *testing.T) {
	d := testSetup()

	body := `{"channel":"IN_APP","user_id":"u1","title":"T"}`
	_ = d.service.handleMessage(context.Background(), message("notifications", "", body))

	if len(d.handlers.inApp) != 1 || len(d.handlers.emails) != 0 {
		t.Errorf("in-app = %d, emails = %d; want 1, 0", len(d.handlers.inApp), len(d.handlers.emails))
	}
}

func TestHandleMessage_HandlerPanic(t *testing.T) {
	d := testSetup()
	d.handlers.smsPanics = true

	err := d.service.handleMessage(context.Background(),
		message("sms", domain.TypeSMS, `{"phone_number":"+15550100","message":"hi"}`))
	if err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}

	envs := d.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("outbox has %d envelopes, want 1", len(envs))
	}
	if envs[0].Type != domain.TypeSMS {
		t.Errorf("Type = %v, want SMS", envs[0].Type)
	}
	if envs[0].LastError == "" {
		t.Error("LastError should describe the panic")
	}
}

func TestHandleMessage_OutboxFailureStillAcks(t *testing.T) {
	d := testSetup()
	d.handlers.emailErr = errors.New("smtp timeout")
	d.outbox.SetCreateError(errors.New("connection refused"))

	err := d.service.handleMessage(context.Background(),
		message("emails", domain.TypeEmail, `{"to":"a@example.com","subject":"Hi"}`))
	if err != nil {
		t.Errorf("handleMessage should ack even when the outbox write fails, got %v", err)
	}
}

func TestHandleMessage_UnknownTypeHeaderUsesTopicDefault(t *testing.T) {
	d := testSetup()

	err := d.service.handleMessage(context.Background(),
		message("sms", "PUSH", `{"phone_number":"+15550100","message":"hi"}`))
	if err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(d.handlers.sms) != 1 {
		t.Errorf("sms sent = %d, want 1", len(d.handlers.sms))
	}
}

func TestService_StartConsumesFromQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q := memory.NewQueue(10)
	outbox := storemem.NewOutboxStore()
	reg := registry.New(config.TopicsConfig{Notifications: "notifications", Emails: "emails", SMS: "sms"})

	done := make(chan struct{})
	handlers := &signalingHandlers{fakeHandlers: &fakeHandlers{}, done: done}
	service := NewService(q, reg, handlers, outbox, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = service.Start(ctx) }()

	_ = q.Publish(ctx, message("sms", domain.TypeSMS, `{"phone_number":"1","message":"x"}`))

	<-done
	if len(handlers.sms) != 1 {
		t.Errorf("sms sent = %d, want 1", len(handlers.sms))
	}
}

type signalingHandlers struct {
	*fakeHandlers
	done chan struct{}
}

func (h *signalingHandlers) SendSMS(ctx context.Context, req *domain.SmsRequest) error {
	err := h.fakeHandlers.SendSMS(ctx, req)
	close(h.done)
	return err
}
