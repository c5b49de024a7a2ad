package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailtriage/internal/breaker"
	"github.com/mixelka/mailtriage/internal/classify"
	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/internal/pool"
	"github.com/mixelka/mailtriage/internal/queue"
	"github.com/mixelka/mailtriage/internal/ratelimit"
	"github.com/mixelka/mailtriage/internal/registry"
	"github.com/mixelka/mailtriage/internal/retry"
	"github.com/mixelka/mailtriage/pkg/models"
)

type fakeInbound struct {
	mu   sync.Mutex
	refs []mailer.MessageRef
	full map[uint32]*mailer.InboundMessage
	seen []uint32
}

func (s *fakeInbound) Probe(context.Context) error { return nil }
func (s *fakeInbound) Close() error                { return nil }

func (s *fakeInbound) ListUnseen(context.Context) ([]mailer.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.MessageRef(nil), s.refs...), nil
}

func (s *fakeInbound) FetchFull(_ context.Context, ref mailer.MessageRef) (*mailer.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.full[ref.UID]
	if !ok {
		return nil, mailer.ErrMessageVanished
	}
	return msg, nil
}

func (s *fakeInbound) MarkSeen(_ context.Context, ref mailer.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ref.UID)
	return nil
}

type fakeOutbound struct {
	mu   sync.Mutex
	sent []*mailer.OutgoingMessage
}

func (s *fakeOutbound) Probe(context.Context) error { return nil }
func (s *fakeOutbound) Close() error                { return nil }

func (s *fakeOutbound) Send(_ context.Context, msg *mailer.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeOutbound) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeDialer struct {
	mu         sync.Mutex
	inbound    map[string]*fakeInbound
	inboundErr map[string]error
	outbound   map[string]*fakeOutbound
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		inbound:    make(map[string]*fakeInbound),
		inboundErr: make(map[string]error),
		outbound:   make(map[string]*fakeOutbound),
	}
}

func (d *fakeDialer) DialInbound(_ context.Context, account *models.EmailAccount) (mailer.InboundSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.inboundErr[account.Name]; err != nil {
		return nil, err
	}
	return d.inbound[account.Name], nil
}

func (d *fakeDialer) DialOutbound(_ context.Context, account *models.EmailAccount) (mailer.OutboundSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, ok := d.outbound[account.Name]
	if !ok {
		out = &fakeOutbound{}
		d.outbound[account.Name] = out
	}
	return out, nil
}

func (d *fakeDialer) outboundFor(account string) *fakeOutbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outbound[account]
}

type scriptedClassifier struct {
	bySubject map[string]models.Classification
}

func (c *scriptedClassifier) Classify(subject, _, _ string) models.Classification {
	if cls, ok := c.bySubject[subject]; ok {
		return cls
	}
	return models.Classification{Category: classify.CategoryGeneral, Urgency: 0.1}
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []string
}

func (n *recordingNotifier) NotifyEscalation(_ context.Context, accountName string, job *models.Job, _ models.Classification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, accountName+"/"+job.Subject)
	return nil
}

func (n *recordingNotifier) NotifySummary(context.Context, *models.RunSummary) error {
	return nil
}

type testEnv struct {
	store    *queue.Store
	dialer   *fakeDialer
	limiter  *ratelimit.Limiter
	notifier *recordingNotifier
	pipeline *Pipeline
}

func newTestEnv(t *testing.T, dialer *fakeDialer, cls classify.Classifier, accounts ...*models.EmailAccount) *testEnv {
	t.Helper()

	store, err := queue.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	p := pool.New(pool.Config{
		Dialer:   dialer,
		Breakers: breaker.NewRegistry(5, time.Minute),
		Retry:    retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:   discardLogger(),
	})
	t.Cleanup(p.Close)

	composer, err := classify.NewTemplateComposer()
	require.NoError(t, err)

	limiter := ratelimit.New()
	notifier := &recordingNotifier{}

	pipe := New(Deps{
		Registry:   registry.New(accounts...),
		Queue:      store,
		Pool:       p,
		Limiter:    limiter,
		Classifier: cls,
		Composer:   composer,
		Notifier:   notifier,
		Logger:     discardLogger(),
		Config: Config{
			MaxJobRetries:   3,
			ProcessingGrace: 10 * time.Minute,
			FetchBatchLimit: 50,
			MaxConcurrent:   2,
			OpTimeout:       5 * time.Second,
		},
	})

	return &testEnv{
		store:    store,
		dialer:   dialer,
		limiter:  limiter,
		notifier: notifier,
		pipeline: pipe,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount(name string) *models.EmailAccount {
	return &models.EmailAccount{
		Name:                name,
		Address:             name + "@example.com",
		Password:            "secret",
		IMAPServer:          "imap.example.com:993",
		SMTPHost:            "smtp.example.com",
		SMTPPort:            587,
		Enabled:             true,
		AutoReplyEnabled:    true,
		EscalationThreshold: 0.7,
		MaxRepliesPerHour:   10,
	}
}

func seedMessage(inbound *fakeInbound, uid uint32, sender, subject, body string) {
	msgID := fmt.Sprintf("<m%d@example.com>", uid)
	inbound.refs = append(inbound.refs, mailer.MessageRef{
		UID:         uid,
		TransportID: msgID,
		Sender:      sender,
		Subject:     subject,
	})
	if inbound.full == nil {
		inbound.full = make(map[uint32]*mailer.InboundMessage)
	}
	inbound.full[uid] = &mailer.InboundMessage{
		UID:         uid,
		TransportID: msgID,
		Sender:      sender,
		Subject:     subject,
		BodyText:    body,
	}
}

func TestRunAutoRepliesToSupportMessage(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 7, "alice@example.com", "help needed", "my login is broken")
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.4},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Fetched)
	assert.Equal(t, 1, summary.Totals.Enqueued)
	assert.Equal(t, 1, summary.Totals.Processed)
	assert.Equal(t, 1, summary.Totals.Replied)
	assert.Equal(t, 0, summary.Totals.Failed)

	out := env.dialer.outboundFor(acct.Name)
	require.NotNil(t, out)
	require.Len(t, out.sent, 1)
	assert.Equal(t, "alice@example.com", out.sent[0].To)
	assert.Equal(t, "Re: help needed", out.sent[0].Subject)
	assert.Equal(t, "<m7@example.com>", out.sent[0].InReplyTo)

	rec, err := env.store.GetProcessedRecord(context.Background(), acct.Name, "<m7@example.com>")
	require.NoError(t, err)
	assert.Equal(t, models.ActionAutoReplied, rec.Action)
	assert.Equal(t, classify.CategorySupport, rec.Category)

	assert.Equal(t, []uint32{7}, inbound.seen)
	assert.Equal(t, 1, env.limiter.SentInWindow(acct.Name))
}

func TestRunEscalatesWithoutReplying(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 3, "bob@example.com", "cease and desist", "our lawyers will be in touch")
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"cease and desist": {Category: classify.CategoryLegal, Urgency: 0.9, RequiresEscalation: true},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Processed)
	assert.Equal(t, 1, summary.Totals.Escalated)
	assert.Equal(t, 0, summary.Totals.Replied)

	// No reply was attempted, so no outbound session was ever dialed and
	// the limiter window is untouched.
	assert.Nil(t, env.dialer.outboundFor(acct.Name))
	assert.Equal(t, 0, env.limiter.SentInWindow(acct.Name))

	require.Len(t, env.notifier.escalations, 1)
	assert.Equal(t, "support/cease and desist", env.notifier.escalations[0])

	rec, err := env.store.GetProcessedRecord(context.Background(), acct.Name, "<m3@example.com>")
	require.NoError(t, err)
	assert.Equal(t, models.ActionEscalated, rec.Action)
}

func TestRunRateLimitDenialCompletesJob(t *testing.T) {
	acct := testAccount("support")
	acct.MaxRepliesPerHour = 0

	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 5, "carol@example.com", "help needed", "question about my order")
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.2},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Processed)
	assert.Equal(t, 0, summary.Totals.Replied)
	assert.Equal(t, 0, summary.Totals.Failed)
	assert.Nil(t, env.dialer.outboundFor(acct.Name))

	// The denial completes the job; the reply is not retried later.
	rec, err := env.store.GetProcessedRecord(context.Background(), acct.Name, "<m5@example.com>")
	require.NoError(t, err)
	assert.Equal(t, models.ActionRateLimited, rec.Action)

	counts, err := env.store.CountJobsByStatus(context.Background(), acct.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobCompleted])
	assert.Equal(t, 0, counts[models.JobPending])
}

func TestRunArchivesSpam(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 9, "spammer@example.com", "you won a prize", "claim your winnings now")
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"you won a prize": {Category: classify.CategorySpam, Urgency: 0},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Archived)
	assert.Equal(t, 0, summary.Totals.Escalated)
	assert.Nil(t, env.dialer.outboundFor(acct.Name))
	assert.Empty(t, env.notifier.escalations)
}

func TestRunIsolatesFailingAccount(t *testing.T) {
	broken := testAccount("broken")
	healthy := testAccount("healthy")

	dialer := newFakeDialer()
	dialer.inboundErr[broken.Name] = mailer.Connectivity("dial imap", fmt.Errorf("connection refused"))

	inbound := &fakeInbound{}
	seedMessage(inbound, 11, "dave@example.com", "help needed", "please advise")
	dialer.inbound[healthy.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.3},
	}}
	env := newTestEnv(t, dialer, cls, broken, healthy)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, summary.Accounts["broken"].FetchErrors, 1)
	assert.Equal(t, 0, summary.Accounts["broken"].Processed)

	assert.Equal(t, 1, summary.Accounts["healthy"].Processed)
	assert.Equal(t, 1, summary.Accounts["healthy"].Replied)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 13, "erin@example.com", "help needed", "second opinion please")
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.3},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	first, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Totals.Processed)
	assert.Equal(t, 1, first.Totals.Replied)

	// The server still lists the message unseen (MarkSeen may have been
	// lost); the ledger must prevent any repeated action.
	second, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Totals.Fetched)
	assert.Equal(t, 0, second.Totals.Enqueued)
	assert.Equal(t, 0, second.Totals.Processed)

	assert.Equal(t, 1, env.dialer.outboundFor(acct.Name).sentCount())
}

func TestRunKeepsOneKeyForMessageWithoutMessageID(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	sent := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	// No Message-ID header on the envelope.
	inbound.refs = []mailer.MessageRef{{
		UID:     31,
		Sender:  "alice@example.com",
		Subject: "help needed",
		Date:    sent,
	}}
	inbound.full = map[uint32]*mailer.InboundMessage{31: {
		UID:      31,
		Sender:   "alice@example.com",
		Subject:  "help needed",
		BodyText: "the app will not start",
		Date:     sent,
	}}
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.3},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	first, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Totals.Replied)

	// The message is still listed unseen on the next run. The synthesized
	// key must match the first run's, so the ledger blocks a second job
	// and a second reply.
	second, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Totals.Fetched)
	assert.Equal(t, 0, second.Totals.Enqueued)
	assert.Equal(t, 0, second.Totals.Processed)
	assert.Equal(t, 1, env.dialer.outboundFor(acct.Name).sentCount())
}

func TestRunReplacesRawPeekPreviewAfterFetch(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	seedMessage(inbound, 41, "alice@example.com", "invoice question", "I was charged twice for my invoice.")
	// The enqueue-time peek saw transfer-encoded bytes.
	inbound.refs[0].Snippet = "SSB3YXMgY2hhcmdlZCB0d2ljZSBmb3IgbXkgaW52b2ljZS4="
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"invoice question": {Category: classify.CategoryBilling, Urgency: 0.2},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	_, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	job, err := env.store.GetJob(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "I was charged twice for my invoice.", job.BodyPreview)
}

func TestRunRecoversStuckJob(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	// The mailbox no longer lists the message unseen, but its content is
	// still fetchable by UID.
	inbound.full = map[uint32]*mailer.InboundMessage{
		17: {
			UID:         17,
			TransportID: "<m17@example.com>",
			Sender:      "frank@example.com",
			Subject:     "help needed",
			BodyText:    "I was cut off mid-reply",
		},
	}
	dialer.inbound[acct.Name] = inbound

	cls := &scriptedClassifier{bySubject: map[string]models.Classification{
		"help needed": {Category: classify.CategorySupport, Urgency: 0.3},
	}}
	env := newTestEnv(t, dialer, cls, acct)

	ctx := context.Background()
	inserted, err := env.store.Enqueue(ctx, acct.Name, "<m17@example.com>", "17", "frank@example.com", "help needed", "I was cut off")
	require.NoError(t, err)
	require.True(t, inserted)

	jobs, err := env.store.DequeuePending(ctx, acct.Name, 1, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, env.store.MarkProcessing(ctx, jobs[0].ID))

	// Simulate a crash an hour ago: the job is stuck in processing.
	_, err = env.store.ExecContext(ctx,
		`UPDATE jobs SET started_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), jobs[0].ID)
	require.NoError(t, err)

	summary, err := env.pipeline.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Processed)
	assert.Equal(t, 1, summary.Totals.Replied)

	rec, err := env.store.GetProcessedRecord(ctx, acct.Name, "<m17@example.com>")
	require.NoError(t, err)
	assert.Equal(t, models.ActionAutoReplied, rec.Action)
}

func TestRunVanishedMessageFailsPermanently(t *testing.T) {
	acct := testAccount("support")
	dialer := newFakeDialer()
	inbound := &fakeInbound{}
	// Listed unseen, but gone by the time the job is processed.
	inbound.refs = []mailer.MessageRef{{
		UID:         21,
		TransportID: "<m21@example.com>",
		Sender:      "gone@example.com",
		Subject:     "now you see me",
	}}
	dialer.inbound[acct.Name] = inbound

	env := newTestEnv(t, dialer, &scriptedClassifier{}, acct)

	summary, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Totals.Failed)
	assert.Equal(t, 0, summary.Totals.Processed)

	counts, err := env.store.CountJobsByStatus(context.Background(), acct.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobFailed])

	// A second run must not retry the terminal failure.
	second, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Totals.Processed)
	assert.Equal(t, 0, second.Totals.Failed)
}
