package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/webhook"
)

const maxWebhookBody = 5 << 20

// handleWebhook ingests a VCS push delivery. Every response is 200 with a
// generic message so a hostile sender learns nothing from status codes;
// the real outcome is logged and counted.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	accepted := func() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "webhook received"})
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.RecordWebhook(provider, "read_error")
		accepted()
		return
	}

	secret := s.webhookSecrets[provider]
	if !webhook.Verify(provider, r.Header, body, secret) {
		s.log.Warn("webhook signature rejected", "provider", provider)
		metrics.RecordWebhook(provider, "bad_signature")
		accepted()
		return
	}

	ev, err := webhook.ParsePush(provider, body)
	if err != nil {
		if !errors.Is(err, webhook.ErrNotPush) {
			s.log.Warn("webhook parse failed", "provider", provider, "error", err)
		}
		metrics.RecordWebhook(provider, "ignored")
		accepted()
		return
	}

	res, err := s.ingest.HandlePush(r.Context(), ev)
	if err != nil {
		s.log.Error("webhook ingest failed", "provider", provider, "error", err)
		metrics.RecordWebhook(provider, "error")
		accepted()
		return
	}

	s.log.Info("webhook processed", "provider", provider, "repo", ev.RepositoryURL,
		"tag", ev.Tag, "matched", res.Matched, "created", res.Created,
		"auto_approved", res.AutoApproved)
	metrics.RecordWebhook(provider, "accepted")
	accepted()
}
