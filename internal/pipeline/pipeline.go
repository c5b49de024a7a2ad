// Package pipeline orchestrates one processing run: fetch unseen
// messages for every enabled account, drain the pending job queue,
// classify, decide, reply and persist. Accounts run concurrently and
// fail independently; only a durable-store failure aborts a run.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailtriage/internal/classify"
	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/internal/notify"
	"github.com/mixelka/mailtriage/internal/parser"
	"github.com/mixelka/mailtriage/internal/pool"
	"github.com/mixelka/mailtriage/internal/queue"
	"github.com/mixelka/mailtriage/internal/ratelimit"
	"github.com/mixelka/mailtriage/internal/registry"
	"github.com/mixelka/mailtriage/pkg/models"
)

// Config holds the orchestration knobs.
type Config struct {
	MaxJobRetries   int
	ProcessingGrace time.Duration
	FetchBatchLimit int
	MaxConcurrent   int
	OpTimeout       time.Duration
}

// Deps are the explicitly owned collaborators of one pipeline. There is
// no process-wide state: everything the run needs is constructed once
// and passed in here.
type Deps struct {
	Registry   *registry.Registry
	Queue      *queue.Store
	Pool       *pool.Pool
	Limiter    *ratelimit.Limiter
	Classifier classify.Classifier
	Composer   classify.ReplyComposer
	Notifier   notify.Notifier // optional
	Parser     *parser.HTMLParser
	Logger     *slog.Logger
	Config     Config
}

// Pipeline drives the fetch -> classify -> decide -> reply -> persist
// loop for every enabled account.
type Pipeline struct {
	registry   *registry.Registry
	queue      *queue.Store
	pool       *pool.Pool
	limiter    *ratelimit.Limiter
	classifier classify.Classifier
	composer   classify.ReplyComposer
	notifier   notify.Notifier
	parser     *parser.HTMLParser
	logger     *slog.Logger
	cfg        Config

	sumMu sync.Mutex // guards the run summary across account workers
}

// New creates a pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	cfg := deps.Config
	if cfg.MaxJobRetries <= 0 {
		cfg.MaxJobRetries = 3
	}
	if cfg.ProcessingGrace <= 0 {
		cfg.ProcessingGrace = 10 * time.Minute
	}
	if cfg.FetchBatchLimit <= 0 {
		cfg.FetchBatchLimit = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	htmlParser := deps.Parser
	if htmlParser == nil {
		htmlParser = parser.NewHTMLParser()
	}

	return &Pipeline{
		registry:   deps.Registry,
		queue:      deps.Queue,
		pool:       deps.Pool,
		limiter:    deps.Limiter,
		classifier: deps.Classifier,
		composer:   deps.Composer,
		notifier:   deps.Notifier,
		parser:     htmlParser,
		logger:     logger.With("component", "pipeline"),
		cfg:        cfg,
	}
}

// Run executes one full pass. It returns the run summary and a non-nil
// error only when the durable store failed and the run was aborted.
func (p *Pipeline) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := models.NewRunSummary(uuid.NewString(), time.Now())
	logger := p.logger.With("run_id", summary.RunID)

	// Startup recovery must happen before anything is drained: jobs a
	// crashed run left in processing go back to pending.
	recovered, err := p.queue.RecoverStuck(ctx, p.cfg.ProcessingGrace)
	if err != nil {
		return summary, err
	}
	if recovered > 0 {
		logger.Warn("recovered stuck jobs", "count", recovered)
	}

	accounts := p.registry.Enabled()
	logger.Info("starting run", "accounts", len(accounts))

	if err := p.forEachAccount(ctx, accounts, func(ctx context.Context, acct *models.EmailAccount) error {
		return p.fetchAccount(ctx, acct, summary)
	}); err != nil {
		summary.Finish(time.Now())
		return summary, fmt.Errorf("fetch phase: %w", err)
	}

	if err := p.forEachAccount(ctx, accounts, func(ctx context.Context, acct *models.EmailAccount) error {
		return p.processAccount(ctx, acct, summary)
	}); err != nil {
		summary.Finish(time.Now())
		return summary, fmt.Errorf("process phase: %w", err)
	}

	summary.Finish(time.Now())
	logger.Info("run finished",
		"processed", summary.Totals.Processed,
		"replied", summary.Totals.Replied,
		"escalated", summary.Totals.Escalated,
		"failed", summary.Totals.Failed,
	)
	return summary, nil
}

// forEachAccount runs fn for every account with bounded concurrency.
// Only durable-store errors propagate; they cancel the remaining
// accounts and abort the run.
func (p *Pipeline) forEachAccount(ctx context.Context, accounts []*models.EmailAccount, fn func(context.Context, *models.EmailAccount) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, acct := range accounts {
		wg.Add(1)
		go func(acct *models.EmailAccount) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := fn(ctx, acct); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(acct)
	}

	wg.Wait()
	return firstErr
}

// updateSummary applies a mutation to one account's summary bucket.
func (p *Pipeline) updateSummary(summary *models.RunSummary, account string, fn func(*models.AccountSummary)) {
	p.sumMu.Lock()
	defer p.sumMu.Unlock()
	fn(summary.Account(account))
}

// fetchAccount lists unseen messages for one account and enqueues the
// new ones. All failures except durable-store ones are contained here:
// one broken account never aborts the others.
func (p *Pipeline) fetchAccount(ctx context.Context, acct *models.EmailAccount, summary *models.RunSummary) error {
	logger := p.logger.With("account", acct.Name)

	session, err := p.pool.AcquireInbound(ctx, acct)
	if err != nil {
		p.noteFetchError(logger, acct, summary, "acquire inbound session", err)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	refs, err := session.ListUnseen(opCtx)
	cancel()
	if err != nil {
		p.pool.Release(acct, mailer.KindInbound, session, false)
		p.noteFetchError(logger, acct, summary, "list unseen", err)
		return nil
	}

	var enqueued int
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}

		msgID := ref.TransportID
		if msgID == "" {
			msgID = synthesizeMessageID(ref)
		}

		preview := parser.Preview(p.parser.BodyText("", ref.Snippet), parser.PreviewLength)

		inserted, err := p.queue.Enqueue(ctx,
			acct.Name, msgID, strconv.FormatUint(uint64(ref.UID), 10),
			ref.Sender, ref.Subject, preview,
		)
		if err != nil {
			p.pool.Release(acct, mailer.KindInbound, session, true)
			return err
		}
		if inserted {
			enqueued++
		}
	}

	p.pool.Release(acct, mailer.KindInbound, session, true)

	p.updateSummary(summary, acct.Name, func(s *models.AccountSummary) {
		s.Fetched += len(refs)
		s.Enqueued += enqueued
	})
	if len(refs) > 0 {
		logger.Info("fetched unseen messages", "seen", len(refs), "enqueued", enqueued)
	}
	return nil
}

// synthesizeMessageID builds a substitute idempotency key for a message
// with no Message-ID header. The key is derived from stable message
// identity, so the same physical message maps to the same key on every
// run and the ledger can recognize it again.
func synthesizeMessageID(ref mailer.MessageRef) string {
	identity := fmt.Sprintf("%d|%s|%s|%d", ref.UID, ref.Sender, ref.Subject, ref.Date.Unix())
	sum := sha256.Sum256([]byte(identity))
	return "<" + hex.EncodeToString(sum[:16]) + "@mailtriage.local>"
}

// noteFetchError logs and counts a per-account fetch failure.
func (p *Pipeline) noteFetchError(logger *slog.Logger, acct *models.EmailAccount, summary *models.RunSummary, op string, err error) {
	switch {
	case mailer.IsAuthentication(err):
		logger.Error("authentication failed, skipping account for this run", "op", op, "error", err)
	case mailer.IsConnectivity(err):
		logger.Warn("connectivity failure, skipping account for this run", "op", op, "error", err)
	default:
		logger.Error("fetch failure, skipping account for this run", "op", op, "error", err)
	}
	p.updateSummary(summary, acct.Name, func(s *models.AccountSummary) {
		s.FetchErrors++
	})
}

// processAccount drains pending jobs for one account, sequentially to
// preserve per-account ordering.
func (p *Pipeline) processAccount(ctx context.Context, acct *models.EmailAccount, summary *models.RunSummary) error {
	logger := p.logger.With("account", acct.Name)

	jobs, err := p.queue.DequeuePending(ctx, acct.Name, p.cfg.FetchBatchLimit, p.cfg.MaxJobRetries)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	session, err := p.pool.AcquireInbound(ctx, acct)
	if err != nil {
		p.noteFetchError(logger, acct, summary, "acquire inbound session", err)
		return nil
	}
	healthy := true

	for _, job := range jobs {
		if ctx.Err() != nil {
			// Cooperative shutdown: finish nothing new, leave the rest
			// pending for the next run.
			break
		}

		outcome, err := p.processJob(ctx, acct, session, job)
		if err != nil {
			p.pool.Release(acct, mailer.KindInbound, session, healthy)
			return err
		}

		if err := p.settleJob(ctx, acct, session, job, outcome, summary, logger); err != nil {
			p.pool.Release(acct, mailer.KindInbound, session, healthy)
			return err
		}

		// A dead inbound session fails every remaining re-fetch; stop
		// and let retries handle the rest of the batch next run.
		if outcome.Kind == OutcomeFailed && mailer.IsConnectivity(outcome.Err) {
			healthy = false
			break
		}
	}

	p.pool.Release(acct, mailer.KindInbound, session, healthy)
	return nil
}

// processJob runs the classify/decide/reply body for one job. The
// returned error is only non-nil for durable-store failures.
func (p *Pipeline) processJob(ctx context.Context, acct *models.EmailAccount, session mailer.InboundSession, job *models.Job) (Outcome, error) {
	if err := p.queue.MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// Someone else picked it up between dequeue and here.
			return Skipped("job no longer pending"), nil
		}
		return Outcome{}, err
	}

	uid, err := strconv.ParseUint(job.RemoteMessageID, 10, 32)
	if err != nil {
		return Failed(fmt.Errorf("invalid remote message id %q: %w", job.RemoteMessageID, err), true), nil
	}
	ref := mailer.MessageRef{UID: uint32(uid), TransportID: job.TransportMessageID}

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	full, err := session.FetchFull(opCtx, ref)
	cancel()
	if err != nil {
		if errors.Is(err, mailer.ErrMessageVanished) {
			return Failed(err, true), nil
		}
		return Failed(err, false), nil
	}

	body := p.parser.BodyText(full.BodyText, full.BodyHTML)

	// The enqueue-time preview came from a raw body peek and may be
	// transfer-encoded; replace it now that the decoded content is here.
	if preview := parser.Preview(body, parser.PreviewLength); preview != "" && preview != job.BodyPreview {
		if err := p.queue.UpdatePreview(ctx, job.ID, preview); err != nil {
			return Outcome{}, err
		}
		job.BodyPreview = preview
	}

	cls := p.classifier.Classify(full.Subject, body, full.Sender)

	return p.decide(ctx, acct, job, full, cls), nil
}

// decide applies the action policy to a classified message.
// Escalation always wins over replying; spam is archived and never
// escalated; a rate-limiter denial completes the job without a reply,
// because the opportunity window for that reply has passed.
func (p *Pipeline) decide(ctx context.Context, acct *models.EmailAccount, job *models.Job, full *mailer.InboundMessage, cls models.Classification) Outcome {
	if cls.Category == classify.CategorySpam {
		return Completed(models.ActionArchived, cls.Category)
	}

	if classify.NeedsEscalation(acct, cls) {
		if p.notifier != nil {
			if err := p.notifier.NotifyEscalation(ctx, acct.Name, job, cls); err != nil {
				p.logger.Warn("escalation notification failed",
					"account", acct.Name, "job_id", job.ID, "error", err)
			}
		}
		return Completed(models.ActionEscalated, cls.Category)
	}

	if !classify.ShouldAutoReply(acct, cls) || classify.IsNoReplyAddress(full.Sender) {
		return Completed(models.ActionCategorized, cls.Category)
	}

	reply, ok := p.composer.Compose(acct, full, cls.Category)
	if !ok {
		return Completed(models.ActionCategorized, cls.Category)
	}

	if !p.limiter.CanSend(acct.Name, acct.MaxRepliesPerHour) {
		return Completed(models.ActionRateLimited, cls.Category)
	}

	out, err := p.pool.AcquireOutbound(ctx, acct)
	if err != nil {
		return Failed(err, false)
	}

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	err = out.Send(opCtx, reply)
	cancel()
	p.pool.Release(acct, mailer.KindOutbound, out, err == nil)
	if err != nil {
		return Failed(err, false)
	}

	p.limiter.RecordSent(acct.Name)
	return Completed(models.ActionAutoReplied, cls.Category)
}

// settleJob records an outcome in the queue and the summary.
func (p *Pipeline) settleJob(ctx context.Context, acct *models.EmailAccount, session mailer.InboundSession, job *models.Job, outcome Outcome, summary *models.RunSummary, logger *slog.Logger) error {
	switch outcome.Kind {
	case OutcomeCompleted:
		if err := p.queue.MarkCompleted(ctx, job.ID, outcome.Summary(), outcome.Action, outcome.Category); err != nil {
			return err
		}

		// Best effort: a failed flag store just means the message is
		// listed again next run and dropped by the ledger check.
		uid, err := strconv.ParseUint(job.RemoteMessageID, 10, 32)
		if err == nil {
			ref := mailer.MessageRef{UID: uint32(uid)}
			if err := session.MarkSeen(ctx, ref); err != nil {
				logger.Debug("failed to mark message seen", "job_id", job.ID, "error", err)
			}
		}

		p.updateSummary(summary, acct.Name, func(s *models.AccountSummary) {
			s.Processed++
			switch outcome.Action {
			case models.ActionAutoReplied:
				s.Replied++
			case models.ActionEscalated:
				s.Escalated++
			case models.ActionArchived:
				s.Archived++
			}
		})
		logger.Info("job completed",
			"job_id", job.ID, "action", outcome.Action, "category", outcome.Category)

	case OutcomeFailed:
		errMsg := outcome.Summary()
		var err error
		if outcome.Terminal {
			err = p.queue.MarkFailedPermanent(ctx, job.ID, errMsg)
		} else {
			err = p.queue.MarkFailed(ctx, job.ID, errMsg, p.cfg.MaxJobRetries)
		}
		if err != nil {
			return err
		}

		p.updateSummary(summary, acct.Name, func(s *models.AccountSummary) {
			s.Failed++
		})
		logger.Warn("job failed",
			"job_id", job.ID, "terminal", outcome.Terminal, "error", outcome.Err)

	case OutcomeSkipped:
		logger.Debug("job skipped", "job_id", job.ID, "reason", outcome.Reason)
	}

	return nil
}
