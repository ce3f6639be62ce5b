package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/botcoord/internal/middleware"
	"github.com/hitoshi/botcoord/internal/model"
)

// BotFetcher はボット経由でURLを取得する。*coordinator.Coordinatorが満たす。
type BotFetcher interface {
	FetchURL(ctx context.Context, botID, rawURL string) (string, error)
}

// FetchHandler はボット経由のURL取得を行う管理API。
type FetchHandler struct {
	fetcher BotFetcher
}

// NewFetchHandler はFetchHandlerを生成する。
func NewFetchHandler(fetcher BotFetcher) *FetchHandler {
	return &FetchHandler{fetcher: fetcher}
}

type fetchRequest struct {
	URL string `json:"url"`
}

type fetchResponse struct {
	Body string `json:"body"`
}

// Fetch は指定ボットのネットワーク経由でURLを取得する。
// POST /api/bots/{botID}/fetch
func (h *FetchHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	var req fetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.URL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidParamsError("fetch", "url is required"))
		return
	}

	body, err := h.fetcher.FetchURL(r.Context(), botID, req.URL)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
			return
		}
		status := http.StatusBadRequest
		if apiErr.Code == model.ErrCodeBotNotAssigned {
			status = http.StatusConflict
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fetchResponse{Body: body})
}

// newAdminAuthMiddleware はAuthorization: Bearer トークンを検証するミドルウェアを返す。
func newAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "認証が必要です。",
					Category: "auth",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
