package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
)

func newTestEcho(rps float64) *echo.Echo {
	server := NewServer(NewJobStore(), NewEvaluator(0, nil), rps)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func marshalRequest(t *testing.T, req *LikelihoodRequest) string {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return buf.String()
}

func decodeErrorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v body=%s", err, rec.Body.String())
	}
	return envelope.Error.Type
}

func TestCreateGetDeleteLikelihoodLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(0)
	body := marshalRequest(t, twoTipRequest())
	createRec := doJSON(t, e, http.MethodPost, "/v1/likelihoods", body)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}

	var created LikelihoodResult
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !strings.HasPrefix(created.ID, "lik_") {
		t.Errorf("id = %q, want lik_ prefix", created.ID)
	}
	if created.Object != "likelihood" {
		t.Errorf("object = %q", created.Object)
	}
	if created.CreatedAt == 0 {
		t.Error("created_at not set")
	}
	if math.IsNaN(created.LogLikelihood) || created.LogLikelihood >= 0 {
		t.Errorf("log likelihood = %g", created.LogLikelihood)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/likelihoods/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	var fetched LikelihoodResult
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if fetched.ID != created.ID || fetched.LogLikelihood != created.LogLikelihood {
		t.Errorf("fetched %+v, want %+v", fetched, created)
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/likelihoods", "")
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status: got %d", listRec.Code)
	}
	var list struct {
		Object string             `json:"object"`
		Data   []LikelihoodResult `json:"data"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("list object = %q", list.Object)
	}
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Errorf("list data = %+v", list.Data)
	}

	deleteRec := doJSON(t, e, http.MethodDelete, "/v1/likelihoods/"+created.ID, "")
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", deleteRec.Code, deleteRec.Body.String())
	}
	var deleted struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.Unmarshal(deleteRec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if deleted.ID != created.ID || deleted.Object != "likelihood.deleted" || !deleted.Deleted {
		t.Errorf("delete response = %+v", deleted)
	}

	goneRec := doJSON(t, e, http.MethodGet, "/v1/likelihoods/"+created.ID, "")
	if goneRec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", goneRec.Code)
	}
	if typ := decodeErrorType(t, goneRec); typ != "not_found_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestEvaluateEndpointRejectsBadInput(t *testing.T) {
	t.Parallel()

	e := newTestEcho(0)

	rec := doJSON(t, e, http.MethodPost, "/v1/likelihoods", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status: got %d", rec.Code)
	}
	if typ := decodeErrorType(t, rec); typ != "invalid_request_error" {
		t.Errorf("error type = %q", typ)
	}

	bad := twoTipRequest()
	bad.StateCount = 0
	rec = doJSON(t, e, http.MethodPost, "/v1/likelihoods", marshalRequest(t, bad))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if typ := decodeErrorType(t, rec); typ != "invalid_request_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestDeleteUnknownLikelihood(t *testing.T) {
	t.Parallel()

	e := newTestEcho(0)
	rec := doJSON(t, e, http.MethodDelete, "/v1/likelihoods/lik_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete unknown status: got %d", rec.Code)
	}
	if typ := decodeErrorType(t, rec); typ != "not_found_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestEvaluateEndpointRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(1)
	body := marshalRequest(t, twoTipRequest())

	var limited bool
	for i := 0; i < 10; i++ {
		rec := doJSON(t, e, http.MethodPost, "/v1/likelihoods", body)
		if rec.Code == http.StatusTooManyRequests {
			if typ := decodeErrorType(t, rec); typ != "rate_limit_error" {
				t.Errorf("error type = %q", typ)
			}
			limited = true
			break
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status: got %d body=%s", i, rec.Code, rec.Body.String())
		}
	}
	if !limited {
		t.Error("burst of requests never hit the rate limit")
	}
}

func TestEvaluateEndpointWithoutEvaluator(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, 0)
	e := echo.New()
	server.Register(e)

	rec := doJSON(t, e, http.MethodPost, "/v1/likelihoods", marshalRequest(t, twoTipRequest()))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if typ := decodeErrorType(t, rec); typ != "server_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(0)
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d", rec.Code)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Version == "" {
		t.Error("version missing")
	}
}

func TestJobStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	first := store.Save(LikelihoodResult{LogLikelihood: -1}, time.Unix(100, 0))
	second := store.Save(LikelihoodResult{LogLikelihood: -2}, time.Unix(200, 0))

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("list length = %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("list order = %s, %s", list[0].ID, list[1].ID)
	}
}
