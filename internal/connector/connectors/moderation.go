package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/rs/zerolog"
)

// Verdict is the result of classify.
type Verdict struct {
	Action string `json:"action"` // allow | flag | block
	Reason string `json:"reason"`
}

// Classifier runs one piece of text through a moderation model, typically
// internal/llm in strict-JSON mode.
type Classifier func(ctx context.Context, text string) (Verdict, error)

// Moderation implements classify(text). It fails open: a classifier error
// allows the content through but is logged as upstream_failure so
// moderators can review degraded periods.
type Moderation struct {
	classify Classifier
	log      zerolog.Logger
}

func NewModeration(classify Classifier, log zerolog.Logger) *Moderation {
	return &Moderation{classify: classify, log: log.With().Str("component", "moderation_connector").Logger()}
}

func (m *Moderation) Name() string { return "moderation" }

func (m *Moderation) Validate(req connector.Request) error {
	if req.Action != "classify" {
		return apierr.Newf(apierr.Unsupported, "moderation: unsupported action %q", req.Action)
	}
	if text, ok := req.Params["text"].(string); !ok || text == "" {
		return apierr.Newf(apierr.Validation, "moderation: text is required")
	}
	return nil
}

func (m *Moderation) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	text := req.Params["text"].(string)
	verdict, err := m.classify(ctx, text)
	if err != nil {
		m.log.Error().Err(err).Msg("moderation: classifier failed, failing open")
		data, _ := json.Marshal(Verdict{Action: "allow", Reason: "classifier_unavailable"})
		return connector.Result{Status: connector.StatusPartial, Data: data}, nil
	}
	data, err := json.Marshal(verdict)
	if err != nil {
		return connector.Result{}, apierr.New(apierr.Internal, err)
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (m *Moderation) CachePolicy() (time.Duration, connector.CacheScope) {
	return 0, connector.ScopePublic // content-dependent, not worth caching
}

func (m *Moderation) RateLimit() (int, time.Duration) { return 1000, time.Hour }
