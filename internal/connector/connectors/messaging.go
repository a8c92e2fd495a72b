package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/jobqueue"
)

const maxMessageContentLen = 2000

var phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Sender delivers one outbound message through the named channel's real
// transport (Twilio, Mailgun, ...). Returning an error causes Messaging to
// queue the send for retry rather than fail the caller outright.
type Sender func(ctx context.Context, to, content string) error

// Messaging implements send_whatsapp and send_email with a queue-for-retry
// fallback.
type Messaging struct {
	queue       *jobqueue.Queue
	sendWhatsApp Sender
	sendEmail    Sender
}

func NewMessaging(queue *jobqueue.Queue, whatsapp, email Sender) *Messaging {
	m := &Messaging{queue: queue, sendWhatsApp: whatsapp, sendEmail: email}
	queue.RegisterConsumer("messaging:whatsapp_retry", m.retryConsumer(whatsapp))
	queue.RegisterConsumer("messaging:email_retry", m.retryConsumer(email))
	return m
}

func (m *Messaging) retryConsumer(send Sender) jobqueue.Consumer {
	return func(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
		var job struct {
			To      string `json:"to"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(payload, &job); err != nil {
			return jobqueue.Dead()
		}
		if err := send(ctx, job.To, job.Content); err != nil {
			if attempt >= 3 {
				return jobqueue.Dead()
			}
			return jobqueue.Retry(time.Duration(attempt) * time.Minute)
		}
		return jobqueue.Ok()
	}
}

func (m *Messaging) Name() string { return "messaging" }

var messagingActions = map[string]bool{"send_whatsapp": true, "send_email": true}

func (m *Messaging) Validate(req connector.Request) error {
	if !messagingActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "messaging: unsupported action %q", req.Action)
	}
	to, _ := req.Params["to"].(string)
	content, _ := req.Params["content"].(string)
	if content == "" || len(content) > maxMessageContentLen {
		return apierr.Newf(apierr.Validation, "messaging: content must be 1-%d characters", maxMessageContentLen)
	}
	switch req.Action {
	case "send_email":
		if _, err := mail.ParseAddress(to); err != nil {
			return apierr.Newf(apierr.Validation, "messaging: invalid email address: %w", err)
		}
	case "send_whatsapp":
		if !phonePattern.MatchString(to) {
			return apierr.Newf(apierr.Validation, "messaging: invalid phone number, expected E.164")
		}
	}
	return nil
}

func (m *Messaging) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	to := req.Params["to"].(string)
	content := req.Params["content"].(string)

	var send Sender
	var retryJob string
	switch req.Action {
	case "send_whatsapp":
		send, retryJob = m.sendWhatsApp, "messaging:whatsapp_retry"
	case "send_email":
		send, retryJob = m.sendEmail, "messaging:email_retry"
	}

	if err := send(ctx, to, content); err != nil {
		if _, qerr := m.queue.Enqueue(ctx, retryJob, map[string]string{"to": to, "content": content}, jobqueue.EnqueueOpts{Delay: time.Minute}); qerr != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, fmt.Errorf("send failed and queue failed: %w", qerr))
		}
		data, _ := json.Marshal(map[string]any{"queued_for_retry": true})
		return connector.Result{Status: connector.StatusPartial, Data: data}, nil
	}

	data, _ := json.Marshal(map[string]any{"delivered": true})
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (m *Messaging) CachePolicy() (time.Duration, connector.CacheScope) { return 0, connector.ScopePerUser }

// RateLimit doubles as the per-user daily send quota.
func (m *Messaging) RateLimit() (int, time.Duration) { return 50, 24 * time.Hour }
