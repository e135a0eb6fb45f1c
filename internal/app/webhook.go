package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/flowquant/flowquant/internal/ctxlog"
)

// routes builds serve mode's HTTP surface: a health probe and the webhook
// fire endpoint.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	mux.HandleFunc("POST /strategy/webhook/{workflow}", a.handleWebhook)
	mux.HandleFunc("POST /strategy/webhook/{workflow}/{symbol}", a.handleWebhook)
	return mux
}

// handleWebhook fires a webhook trigger. The shared secret rides in the
// X-Webhook-Secret header or a secret query parameter; the optional symbol
// path segment must match a symbol-bound trigger.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow")
	symbol := r.PathValue("symbol")

	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}

	var payload map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, `{"error":"malformed JSON payload"}`, http.StatusBadRequest)
			return
		}
	}

	ctx := ctxlog.WithLogger(r.Context(), a.logger)
	execID, err := a.monitor.OnWebhook(ctx, workflowID, symbol, secret, payload)
	if err != nil {
		a.logger.Warn("webhook rejected", "workflow", workflowID, "symbol", symbol, "error", err)
		status := http.StatusNotFound
		if strings.Contains(err.Error(), "secret mismatch") {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}

	a.logger.Info("webhook fired", "workflow", workflowID, "execution", execID)
	writeJSON(w, http.StatusAccepted, map[string]any{"execution": execID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
