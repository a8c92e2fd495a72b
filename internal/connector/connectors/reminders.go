package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/store"
)

const minReminderLead = 60 * time.Second

var reminderChannels = map[string]store.ReminderChannel{
	"inapp": store.ChannelInApp, "email": store.ChannelEmail, "whatsapp": store.ChannelWhatsApp, "both": store.ChannelBoth,
}

// Reminders implements set/list/cancel, backed by internal/store. Firing
// them is the reminder-dispatch worker's job (internal/workers), not this
// connector's.
type Reminders struct {
	repo *store.ReminderRepo
	now  func() time.Time
}

func NewReminders(repo *store.ReminderRepo) *Reminders {
	return &Reminders{repo: repo, now: time.Now}
}

func (r *Reminders) Name() string { return "reminders" }

var reminderActions = map[string]bool{"set": true, "list": true, "cancel": true}

func (r *Reminders) Validate(req connector.Request) error {
	if !reminderActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "reminders: unsupported action %q", req.Action)
	}
	if req.Action == "set" {
		content, _ := req.Params["content"].(string)
		if content == "" {
			return apierr.Newf(apierr.Validation, "reminders: content is required")
		}
		dueAtStr, _ := req.Params["due_at"].(string)
		dueAt, err := time.Parse(time.RFC3339, dueAtStr)
		if err != nil {
			return apierr.Newf(apierr.Validation, "reminders: due_at must be RFC3339: %w", err)
		}
		if dueAt.Before(r.now().Add(minReminderLead)) {
			return apierr.Newf(apierr.Validation, "reminders: due_at must be at least %s in the future", minReminderLead)
		}
		channel, _ := req.Params["channel"].(string)
		if _, ok := reminderChannels[channel]; !ok {
			return apierr.Newf(apierr.Validation, "reminders: channel must be one of inapp, email, whatsapp, both")
		}
	}
	if req.Action == "cancel" {
		if _, ok := req.Params["id"].(string); !ok {
			return apierr.Newf(apierr.Validation, "reminders: cancel requires id")
		}
	}
	return nil
}

func (r *Reminders) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	switch req.Action {
	case "set":
		dueAt, _ := time.Parse(time.RFC3339, req.Params["due_at"].(string))
		rem := store.Reminder{
			ID:      uuid.NewString(),
			UserID:  req.UserID,
			RoomID:  req.RoomID,
			Content: req.Params["content"].(string),
			DueAt:   dueAt,
			Channel: reminderChannels[req.Params["channel"].(string)],
			Status:  store.ReminderPending,
		}
		if err := r.repo.Create(ctx, rem); err != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		data, _ := json.Marshal(map[string]any{"id": rem.ID, "due_at": rem.DueAt})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil

	case "cancel":
		id := req.Params["id"].(string)
		rem, err := r.repo.Get(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return connector.Result{}, apierr.New(apierr.Validation, err)
			}
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		if rem.UserID != req.UserID {
			return connector.Result{}, apierr.New(apierr.Forbidden, nil)
		}
		if err := r.repo.TransitionStatus(ctx, id, store.ReminderCanceled, rem.Attempts); err != nil {
			return connector.Result{}, apierr.New(apierr.Conflict, err)
		}
		return connector.Result{Status: connector.StatusOK}, nil

	case "list":
		due, err := r.repo.DueBefore(ctx, r.now().Add(365*24*time.Hour), 100)
		if err != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		mine := make([]store.Reminder, 0, len(due))
		for _, rem := range due {
			if rem.UserID == req.UserID {
				mine = append(mine, rem)
			}
		}
		data, _ := json.Marshal(map[string]any{"reminders": mine})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil

	default:
		return connector.Result{}, apierr.Newf(apierr.Unsupported, "reminders: %s", req.Action)
	}
}

func (r *Reminders) CachePolicy() (time.Duration, connector.CacheScope) { return 0, connector.ScopePerUser }

func (r *Reminders) RateLimit() (int, time.Duration) { return 100, time.Hour }
