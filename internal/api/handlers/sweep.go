package handlers

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lumina/internal/core"
	"lumina/internal/types"
)

// sweepSecretHeader carries the shared secret authenticating the scheduler.
const sweepSecretHeader = "X-Sweep-Secret"

// SweepRunner executes one renewal sweep.
type SweepRunner interface {
	Run(ctx context.Context) (types.SweepReport, error)
}

// SweepHandler exposes the renewal sweep as an internal HTTP trigger so a
// cron scheduler outside the process can drive it.
type SweepHandler struct {
	runner SweepRunner
	secret types.SecretString
	logger *slog.Logger
}

// NewSweepHandler wires the internal sweep trigger.
func NewSweepHandler(runner SweepRunner, secret types.SecretString, logger *slog.Logger) *SweepHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepHandler{runner: runner, secret: secret, logger: logger}
}

// RegisterRoutes mounts the sweep trigger on the public router; the shared
// secret header is its authentication.
func (h *SweepHandler) RegisterRoutes(r chi.Router) {
	r.Post("/internal/renewal-sweep", h.HandleSweep)
}

// HandleSweep authenticates the scheduler via constant-time comparison of the
// shared secret and runs one sweep synchronously.
// POST /internal/renewal-sweep
func (h *SweepHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(sweepSecretHeader)
	if presented == "" || !hmac.Equal([]byte(presented), []byte(h.secret.Unmask())) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthUnauthorized,
			"invalid sweep secret",
			nil,
		))
		return
	}

	report, err := h.runner.Run(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "renewal sweep aborted", "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}
