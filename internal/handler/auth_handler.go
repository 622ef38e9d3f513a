package handler

import (
	"encoding/json"
	"net/http"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"go.uber.org/zap"
)

// POST /v1/auth/token
func issueTokenHandler(auth *service.OperatorAuth, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/token")
		defer span.End()

		if auth == nil {
			writeError(w, http.StatusUnauthorized, "operator login is disabled")
			return
		}

		var req domain.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		resp, err := auth.IssueToken(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
