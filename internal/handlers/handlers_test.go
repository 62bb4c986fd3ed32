package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/nfiq2-service/internal/auth"
	"github.com/example/nfiq2-service/internal/logging"
	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	assessment *usecase.Assessment
	assessErr  error
	resultErr  error
	gotClient  string
	gotImage   []byte
	summary    *usecase.MetricsSummary
}

func (s *stubService) Assess(ctx context.Context, clientID string, image []byte) (*usecase.Assessment, error) {
	s.gotClient = clientID
	s.gotImage = image
	if s.assessErr != nil {
		return nil, s.assessErr
	}
	return s.assessment, nil
}

func (s *stubService) GetResult(ctx context.Context, clientID, requestID string) (*usecase.Assessment, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	if s.assessment != nil && s.assessment.RequestID == requestID && s.assessment.ClientID == clientID {
		return s.assessment, nil
	}
	return nil, usecase.ErrNotFound
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	if s.summary == nil {
		return nil, errors.New("db down")
	}
	return s.summary, nil
}

func newRouter(svc QualityService, opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret), opts...)
	return router
}

func postImage(t *testing.T, router *gin.Engine, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/quality", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	router := newRouter(&stubService{})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestQualityRequiresToken(t *testing.T) {
	router := newRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/v1/quality", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestQualityReturnsAssessment(t *testing.T) {
	svc := &stubService{assessment: &usecase.Assessment{
		RequestID: "req-1",
		ClientID:  "user-123",
		Score:     53,
		Features:  []nfiq2.NamedValue{{Name: "Quality", Value: 0.87}, {Name: "MinutiaeCount", Value: 12}},
	}}
	router := newRouter(svc)

	resp := postImage(t, router, "image/png", []byte("fake-png"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.gotClient != "user-123" || string(svc.gotImage) != "fake-png" {
		t.Fatalf("unexpected service call: client=%q image=%q", svc.gotClient, svc.gotImage)
	}

	var body struct {
		RequestID string             `json:"request_id"`
		Score     uint32             `json:"score"`
		Features  []nfiq2.NamedValue `json:"features"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RequestID != "req-1" || body.Score != 53 || len(body.Features) != 2 || body.Features[1].Value != 12 {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestQualityRejectsLargeUpload(t *testing.T) {
	router := newRouter(&stubService{})
	resp := postImage(t, router, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestQualityRejectsBodyBeyondConfiguredLimit(t *testing.T) {
	router := newRouter(&stubService{}, WithMaxUploadSize(16))
	resp := postImage(t, router, "image/png", bytes.Repeat([]byte("a"), 2<<20))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestQualityRejectsUnsupportedContentType(t *testing.T) {
	router := newRouter(&stubService{})
	resp := postImage(t, router, "text/plain", []byte("hello"))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestQualityMapsEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   *int32
	}{
		{
			name:   "undecodable image",
			err:    logging.NewOperationError("usecase.score", "r", &nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: nfiq2.BoundaryCode}),
			status: http.StatusUnprocessableEntity,
			code:   int32Ptr(-1),
		},
		{
			name:   "native failure",
			err:    &nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: 2},
			status: http.StatusBadGateway,
			code:   int32Ptr(2),
		},
		{name: "create failed", err: nfiq2.ErrCreateFailed, status: http.StatusServiceUnavailable},
		{name: "closed handle", err: nfiq2.ErrNullContext, status: http.StatusServiceUnavailable},
		{name: "deadline", err: logging.NewOperationError("scorer.acquire", "", context.DeadlineExceeded), status: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("db down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&stubService{assessErr: tt.err})
			resp := postImage(t, router, "image/png", []byte("png"))
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
			var body struct {
				Code *int32 `json:"code"`
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if (tt.code == nil) != (body.Code == nil) || (tt.code != nil && *tt.code != *body.Code) {
				t.Fatalf("unexpected code in body: %s", resp.Body.String())
			}
		})
	}
}

func TestGetResultScopedToClient(t *testing.T) {
	svc := &stubService{assessment: &usecase.Assessment{RequestID: "req-1", ClientID: "user-123", Score: 77, CreatedAt: time.Now()}}
	router := newRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/quality/req-1", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/quality/req-1", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "someone-else"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestGetResultDistinguishesFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: fmt.Errorf("lookup: %w", usecase.ErrNotFound), status: http.StatusNotFound},
		{name: "database down", err: errors.New("connection refused"), status: http.StatusInternalServerError},
		{name: "deadline", err: logging.NewOperationError("repository.find_by_request", "req-1", context.DeadlineExceeded), status: http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&stubService{resultErr: tt.err})
			req := httptest.NewRequest(http.MethodGet, "/v1/quality/req-1", nil)
			req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	router := newRouter(&stubService{summary: &usecase.MetricsSummary{TotalAssessments: 4, LowQualityRate: 0.5}})

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if summary.TotalAssessments != 4 || summary.LowQualityRate != 0.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	router = newRouter(&stubService{})
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func int32Ptr(v int32) *int32 { return &v }

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
