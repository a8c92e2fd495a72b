package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	reminderDispatchBatchSize = 50
	reminderDeliverJobName    = "reminder:deliver"
)

// reminderRetryDelays[i] is the backoff before attempt i+2, matching
// store.MaxReminderAttempts transient-failure attempts.
var reminderRetryDelays = []time.Duration{1 * time.Minute, 5 * time.Minute}

// ReminderChannelSender delivers a due reminder through one channel; a
// non-nil error counts as a failed delivery attempt. cmd/mathiad supplies
// an in-app hub broadcast for ChannelInApp.
type ReminderChannelSender func(ctx context.Context, rem store.Reminder) error

type reminderDeliverJob struct {
	ReminderID string `json:"reminder_id"`
}

// ReminderDispatcher sweeps due reminders every 60s, claims each into
// "dispatching", then drives delivery (and its retries) through the job
// queue so failed attempts don't re-enter the pending sweep — the status
// invariant forbids moving a reminder backward once claimed.
type ReminderDispatcher struct {
	reminders *store.ReminderRepo
	jobs      *jobqueue.Queue
	senders   map[store.ReminderChannel]ReminderChannelSender
	log       zerolog.Logger
	now       func() time.Time
}

func NewReminderDispatcher(reminders *store.ReminderRepo, jobs *jobqueue.Queue, senders map[store.ReminderChannel]ReminderChannelSender, log zerolog.Logger) *ReminderDispatcher {
	d := &ReminderDispatcher{
		reminders: reminders, jobs: jobs, senders: senders,
		log: log.With().Str("component", "reminder_dispatcher").Logger(), now: time.Now,
	}
	jobs.RegisterConsumer(reminderDeliverJobName, d.deliverConsumer)
	return d
}

// RunOnce selects one batch of due reminders, claims each and enqueues its
// first delivery attempt. Intended to be invoked by a periodic job fired
// every 60s.
func (d *ReminderDispatcher) RunOnce(ctx context.Context) {
	due, err := d.reminders.DueBefore(ctx, d.now(), reminderDispatchBatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("reminder_dispatcher: sweep failed")
		return
	}
	for _, rem := range due {
		if err := d.reminders.TransitionStatus(ctx, rem.ID, store.ReminderDispatching, rem.Attempts); err != nil {
			d.log.Warn().Err(err).Str("reminder_id", rem.ID).Msg("reminder_dispatcher: could not claim reminder, skipping")
			continue
		}
		if _, err := d.jobs.Enqueue(ctx, reminderDeliverJobName, reminderDeliverJob{ReminderID: rem.ID}, jobqueue.EnqueueOpts{
			DedupKey: "reminder_deliver:" + rem.ID,
		}); err != nil {
			d.log.Error().Err(err).Str("reminder_id", rem.ID).Msg("reminder_dispatcher: failed to enqueue delivery")
		}
	}
}

// deliverConsumer is idempotent on (reminder_id, attempt): each attempt
// number is delivered at most once by the job queue's own dedup/retry
// bookkeeping, and a reminder already fired or failed is a no-op here.
func (d *ReminderDispatcher) deliverConsumer(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
	var job reminderDeliverJob
	if err := json.Unmarshal(payload, &job); err != nil {
		d.log.Error().Err(err).Msg("reminder_dispatcher: corrupt delivery payload")
		return jobqueue.Dead()
	}

	rem, err := d.reminders.Get(ctx, job.ReminderID)
	if err != nil {
		d.log.Error().Err(err).Str("reminder_id", job.ReminderID).Msg("reminder_dispatcher: could not load reminder")
		return jobqueue.Dead()
	}
	if rem.Status != store.ReminderDispatching {
		return jobqueue.Ok() // already terminal, e.g. canceled mid-flight
	}

	partialFailure, err := d.deliver(ctx, rem)
	if err != nil {
		d.log.Warn().Err(err).Str("reminder_id", rem.ID).Int("attempt", attempt).Msg("reminder_dispatcher: delivery attempt failed")
		if attempt >= store.MaxReminderAttempts {
			if terr := d.reminders.TransitionStatus(ctx, rem.ID, store.ReminderFailed, attempt); terr != nil {
				d.log.Error().Err(terr).Str("reminder_id", rem.ID).Msg("reminder_dispatcher: failed to record terminal failure")
			}
			return jobqueue.Dead()
		}
		delay := reminderRetryDelays[0]
		if attempt-1 < len(reminderRetryDelays) {
			delay = reminderRetryDelays[attempt-1]
		}
		return jobqueue.Retry(delay)
	}

	if partialFailure != "" {
		d.log.Warn().Str("reminder_id", rem.ID).Str("failed_channel", string(partialFailure)).Msg("reminder_dispatcher: one leg of a both-channel reminder failed")
		if err := d.reminders.TransitionFiredPartial(ctx, rem.ID, attempt, partialFailure); err != nil {
			d.log.Error().Err(err).Str("reminder_id", rem.ID).Msg("reminder_dispatcher: failed to record partial fired status")
		}
		return jobqueue.Ok()
	}

	if err := d.reminders.TransitionStatus(ctx, rem.ID, store.ReminderFired, attempt); err != nil {
		d.log.Error().Err(err).Str("reminder_id", rem.ID).Msg("reminder_dispatcher: failed to record fired status")
	}
	return jobqueue.Ok()
}

// bothChannelLegs are the two channels a `both` reminder dispatches to.
var bothChannelLegs = []store.ReminderChannel{store.ChannelEmail, store.ChannelWhatsApp}

// deliver sends rem through its channel(s). For store.ChannelBoth it
// fans out to both legs concurrently via errgroup and only reports
// failure if both legs fail; a single surviving leg is reported back as
// partialFailure so the caller can record which channel dropped.
func (d *ReminderDispatcher) deliver(ctx context.Context, rem store.Reminder) (partialFailure store.ReminderChannel, err error) {
	if rem.Channel != store.ChannelBoth {
		send, ok := d.senders[rem.Channel]
		if !ok {
			return "", fmt.Errorf("reminder_dispatcher: no sender registered for channel %q", rem.Channel)
		}
		if err := send(ctx, rem); err != nil {
			return "", fmt.Errorf("reminder_dispatcher: channel %q: %w", rem.Channel, err)
		}
		return "", nil
	}

	legErrs := make([]error, len(bothChannelLegs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range bothChannelLegs {
		i, ch := i, ch
		g.Go(func() error {
			send, ok := d.senders[ch]
			if !ok {
				legErrs[i] = fmt.Errorf("reminder_dispatcher: no sender registered for channel %q", ch)
				return nil
			}
			if err := send(gctx, rem); err != nil {
				legErrs[i] = fmt.Errorf("reminder_dispatcher: channel %q: %w", ch, err)
			}
			return nil
		})
	}
	_ = g.Wait() // legs record their own errors in legErrs; the group itself never fails

	emailErr, whatsappErr := legErrs[0], legErrs[1]
	switch {
	case emailErr != nil && whatsappErr != nil:
		return "", fmt.Errorf("reminder_dispatcher: both channels failed: %w, %w", emailErr, whatsappErr)
	case emailErr != nil:
		return store.ChannelEmail, nil
	case whatsappErr != nil:
		return store.ChannelWhatsApp, nil
	default:
		return "", nil
	}
}
