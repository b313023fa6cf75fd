package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/treelike/internal/version"
)

type Server struct {
	store     *JobStore
	evaluator *Evaluator
	limiter   *rate.Limiter
	clock     func() time.Time
}

// NewServer wires the HTTP surface over a store and an evaluator. rps bounds
// accepted evaluation requests per second; zero or negative disables the
// limit.
func NewServer(store *JobStore, evaluator *Evaluator, rps float64) *Server {
	if store == nil {
		store = NewJobStore()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &Server{
		store:     store,
		evaluator: evaluator,
		limiter:   limiter,
		clock:     time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/likelihoods", s.handleEvaluate)
	e.GET("/v1/likelihoods", s.handleList)
	e.GET("/v1/likelihoods/:id", s.handleGet)
	e.DELETE("/v1/likelihoods/:id", s.handleDelete)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleEvaluate(c *echo.Context) error {
	if s.evaluator == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "evaluator not configured", "", "")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many evaluation requests", "", "")
	}
	req, err := decodeJSON[LikelihoodRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	res, err := s.evaluator.Evaluate(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	stored := s.store.Save(res, s.clock())
	return c.JSON(http.StatusOK, stored)
}

func (s *Server) handleList(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.store.List(),
	})
}

func (s *Server) handleGet(c *echo.Context) error {
	id := c.PathParam("id")
	res, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "no likelihood result with id "+id)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDelete(c *echo.Context) error {
	id := c.PathParam("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "no likelihood result with id "+id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "likelihood.deleted",
		"deleted": true,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}
