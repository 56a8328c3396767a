package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	maxPage        = 1_000_000
	maxSaveBody    = 1 << 20
)

type movieSummary struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	ImageURL    string `json:"img_url"`
	Date        string `json:"date"`
	MagnetCount int    `json:"magnet_count"`
	Link        string `json:"link"`
}

type movieListResponse struct {
	Movies  []movieSummary `json:"movies"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int            `json:"total"`
}

type movieDetail struct {
	crawler.SavePayload
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *Server) saveMovie(w http.ResponseWriter, r *http.Request) {
	var payload crawler.SavePayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSaveBody)).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	record := payload.Record()
	if record.Code == "" {
		s.writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	if record.Magnets.Len() == 0 {
		s.writeError(w, http.StatusBadRequest, "magnets must not be empty")
		return
	}
	if err := s.saver.Save(r.Context(), record); err != nil {
		s.logger.Error("save movie failed", zap.String("code", record.Code), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "code": record.Code})
}

func (s *Server) listMovies(w http.ResponseWriter, r *http.Request) {
	page, ok := positiveParam(r, "page", 1)
	if !ok || page > maxPage {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("page must be an integer in [1, %d]", maxPage))
		return
	}
	perPage, ok := positiveParam(r, "per_page", defaultPerPage)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "per_page must be a positive integer")
		return
	}
	perPage = min(perPage, maxPerPage)

	records, total, err := s.store.List(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		s.logger.Error("list movies failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	resp := movieListResponse{
		Movies:  make([]movieSummary, 0, len(records)),
		Page:    page,
		PerPage: perPage,
		Total:   total,
	}
	for _, rec := range records {
		resp.Movies = append(resp.Movies, movieSummary{
			Code:        rec.Code,
			Title:       rec.Title,
			ImageURL:    rec.ImageURL,
			Date:        rec.DateText,
			MagnetCount: rec.Magnets.Len(),
			Link:        rec.DetailURL,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getMovie(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := s.store.Get(r.Context(), code)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "movie not found")
		return
	}
	if err != nil {
		s.logger.Error("get movie failed", zap.String("code", code), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	detail := movieDetail{SavePayload: rec.Payload()}
	if !rec.UpdatedAt.IsZero() {
		updated := rec.UpdatedAt.UTC()
		detail.UpdatedAt = &updated
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func positiveParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
