package retry_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"courier-go/internal/config"
	"courier-go/internal/consumer"
	"courier-go/internal/domain"
	"courier-go/internal/publisher"
	"courier-go/internal/queue"
	"courier-go/internal/queue/memory"
	"courier-go/internal/registry"
	"courier-go/internal/retry"
	storemem "courier-go/internal/store/memory"
)

// recordingHandlers counts deliveries and can be told to fail emails.
type recordingHandlers struct {
	mu        sync.Mutex
	emails    []*domain.EmailRequest
	inApp     []*domain.InAppNotificationRequest
	sms       []*domain.SmsRequest
	failEmail bool
}

func (h *recordingHandlers) SaveInAppNotification(ctx context.Context, req *domain.InAppNotificationRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inApp = append(h.inApp, req)
	return nil
}

func (h *recordingHandlers) SendEmail(ctx context.Context, req *domain.EmailRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failEmail {
		return errors.New("smtp unavailable")
	}
	h.emails = append(h.emails, req)
	return nil
}

func (h *recordingHandlers) SendSMS(ctx context.Context, req *domain.SmsRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sms = append(h.sms, req)
	return nil
}

func (h *recordingHandlers) emailCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.emails)
}

func (h *recordingHandlers) setFailEmail(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failEmail = fail
}

var topics = config.TopicsConfig{Notifications: "notifications", Emails: "emails", SMS: "sms"}

func schedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		Interval:    time.Hour,
		BatchSize:   100,
		MaxAttempts: 50,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		ClaimLease:  time.Minute,
		LockTTL:     5 * time.Minute,
		LockKey:     "courier:retry-scheduler",
	}
}

func outboxSize(outbox *storemem.OutboxStore) int {
	n, err := outbox.Count(context.Background())
	Expect(err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Delivery pipeline", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		logger    *slog.Logger
		broker    *memory.Queue
		outbox    *storemem.OutboxStore
		reg       *registry.Registry
		handlers  *recordingHandlers
		pub       *publisher.Publisher
		scheduler *retry.Scheduler
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		broker = memory.NewQueue(100)
		outbox = storemem.NewOutboxStore()
		reg = registry.New(topics)
		handlers = &recordingHandlers{}

		pub = publisher.NewPublisher(broker, broker, outbox, &config.KafkaConfig{PublishTimeout: time.Second}, logger)
		scheduler = retry.NewScheduler(outbox, storemem.NewLocker(), reg, pub, schedulerConfig(), logger)

		svc := consumer.NewService(broker, reg, handlers, outbox, logger)
		go func() { _ = svc.Start(ctx) }()
	})

	AfterEach(func() {
		Expect(pub.Close()).To(Succeed())
		cancel()
		Expect(broker.Close()).To(Succeed())
	})

	Context("when the broker is down at send time", func() {
		It("stores the message and delivers it once the broker recovers", func() {
			broker.SetAvailable(false)

			otp := &domain.OtpEmailRequest{To: "user@example.com", Code: "987654", ExpiresInMinutes: 5}
			Expect(pub.Send(ctx, topics.Emails, otp, domain.TypeOTPEmail)).To(Succeed())

			envs, err := outbox.List(ctx, domain.EnvelopeFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(envs).To(HaveLen(1))
			Expect(envs[0].Status).To(Equal(domain.StatusNew))
			Expect(envs[0].Type).To(Equal(domain.TypeOTPEmail))

			stored, err := json.Marshal(otp)
			Expect(err).NotTo(HaveOccurred())
			Expect(envs[0].Payload).To(MatchJSON(stored))

			broker.SetAvailable(true)
			result, err := scheduler.RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Delivered).To(Equal(1))

			Expect(outboxSize(outbox)).To(BeZero())
			Eventually(handlers.emailCount).Should(Equal(1))
		})

		It("keeps the envelope through a long outage without spending attempts", func() {
			cfg := schedulerConfig()
			cfg.MaxAttempts = 3
			scheduler = retry.NewScheduler(outbox, storemem.NewLocker(), reg, pub, cfg, logger)

			broker.SetAvailable(false)
			Expect(pub.Send(ctx, topics.SMS, &domain.SmsRequest{PhoneNumber: "1", Message: "x"}, domain.TypeSMS)).To(Succeed())

			for i := 0; i < 10; i++ {
				time.Sleep(5 * time.Millisecond)
				result, err := scheduler.RunOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Failed).To(BeZero())
				Expect(result.DeadLettered).To(BeZero())
			}

			envs, _ := outbox.List(ctx, domain.EnvelopeFilter{})
			Expect(envs).To(HaveLen(1))
			Expect(envs[0].Status).To(Equal(domain.StatusNew))
			Expect(envs[0].Attempts).To(BeZero())
			Expect(envs[0].LastError).To(ContainSubstring("broker unavailable"))

			broker.SetAvailable(true)
			Eventually(func() int {
				_, err := scheduler.RunOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				return outboxSize(outbox)
			}).Should(BeZero())

			Eventually(func() int {
				handlers.mu.Lock()
				defer handlers.mu.Unlock()
				return len(handlers.sms)
			}).Should(Equal(1))
		})
	})

	Context("when a consumer receives a malformed email", func() {
		It("stores the raw payload once and never grows the outbox on retry", func() {
			raw := `{"to": "user@example.com", "code": `
			Expect(broker.Publish(ctx, &queue.Message{Topic: topics.Emails, Value: []byte(raw)})).To(Succeed())

			Eventually(func() int { return outboxSize(outbox) }).Should(Equal(1))

			envs, _ := outbox.List(ctx, domain.EnvelopeFilter{})
			Expect(envs[0].Type).To(Equal(domain.TypeOTPEmail))
			Expect(envs[0].Status).To(Equal(domain.StatusNew))
			Expect(envs[0].Payload).To(Equal(raw))
			Expect(envs[0].ManualOnly).To(BeTrue())

			result, err := scheduler.RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Listed).To(BeZero())

			_, err = scheduler.Requeue(ctx, envs[0].ID)
			Expect(err).NotTo(HaveOccurred())

			result, err = scheduler.RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failed).To(Equal(1))
			Expect(outboxSize(outbox)).To(Equal(1))
			Expect(handlers.emailCount()).To(BeZero())
		})
	})

	Context("when a handler fails during fan-out", func() {
		It("retries only the failed half", func() {
			handlers.setFailEmail(true)

			req := &domain.NotificationRequest{
				Channel: domain.ChannelBoth,
				UserID:  "u-1",
				Title:   "Invoice ready",
				Message: "Your invoice is ready",
				Email:   "user@example.com",
			}
			Expect(pub.Send(ctx, topics.Notifications, req, domain.TypeNotification)).To(Succeed())

			Eventually(func() int { return outboxSize(outbox) }).Should(Equal(1))
			envs, _ := outbox.List(ctx, domain.EnvelopeFilter{})
			Expect(envs[0].Type).To(Equal(domain.TypeEmail))

			handlers.setFailEmail(false)
			Eventually(func() int {
				_, _ = scheduler.RunOnce(ctx)
				return outboxSize(outbox)
			}).Should(BeZero())

			Eventually(handlers.emailCount).Should(Equal(1))
			handlers.mu.Lock()
			defer handlers.mu.Unlock()
			Expect(handlers.inApp).To(HaveLen(1))
		})
	})

	Context("when the broker flaps", func() {
		It("converges to an empty outbox with every message delivered", func() {
			broker.SetAvailable(false)
			for i := 0; i < 20; i++ {
				sms := &domain.SmsRequest{PhoneNumber: "+1555010" + string(rune('0'+i%10)), Message: "flap"}
				Expect(pub.Send(ctx, topics.SMS, sms, domain.TypeSMS)).To(Succeed())
			}
			Expect(outboxSize(outbox)).To(Equal(20))

			flip := false
			Eventually(func() int {
				flip = !flip
				broker.SetAvailable(flip)
				_, err := scheduler.RunOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				return outboxSize(outbox)
			}).WithTimeout(5 * time.Second).WithPolling(5 * time.Millisecond).Should(BeZero())

			Eventually(func() int {
				handlers.mu.Lock()
				defer handlers.mu.Unlock()
				return len(handlers.sms)
			}).Should(BeNumerically(">=", 20))
		})
	})

	Context("when two scheduler instances run at once", func() {
		It("sends each envelope once", func() {
			broker.SetAvailable(false)
			for i := 0; i < 30; i++ {
				Expect(pub.Send(ctx, topics.SMS, &domain.SmsRequest{PhoneNumber: "1", Message: "x"}, domain.TypeSMS)).To(Succeed())
			}
			broker.SetAvailable(true)

			// Separate lockers: only the row claims keep the instances apart.
			other := retry.NewScheduler(outbox, storemem.NewLocker(), reg, pub, schedulerConfig(), logger)

			var wg sync.WaitGroup
			results := make([]retry.RunResult, 2)
			for i, s := range []*retry.Scheduler{scheduler, other} {
				wg.Add(1)
				go func(i int, s *retry.Scheduler) {
					defer GinkgoRecover()
					defer wg.Done()
					r, err := s.RunOnce(ctx)
					Expect(err).NotTo(HaveOccurred())
					results[i] = r
				}(i, s)
			}
			wg.Wait()

			Expect(results[0].Delivered + results[1].Delivered).To(Equal(30))
			Expect(outboxSize(outbox)).To(BeZero())
		})
	})
})
