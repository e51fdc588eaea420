package scan

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wheezy049/dicomscan/internal/platform/auth"
)

type handlerFixture struct {
	*serviceFixture
	h *Handler
	e *echo.Echo
}

func newHandlerFixture() *handlerFixture {
	f := newServiceFixture()
	return &handlerFixture{
		serviceFixture: f,
		h:              NewHandler(f.svc, NewExpander(zerolog.Nop()), zerolog.Nop()),
		e:              echo.New(),
	}
}

func (f *handlerFixture) newContext(method, target string, body *bytes.Buffer, contentType string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	c.Set(auth.UserIDKey, f.userID.String())
	return c, rec
}

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		w, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		w.Write(data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHandler_Submit(t *testing.T) {
	f := newHandlerFixture()
	body, ct := multipartBody(t,
		map[string][]byte{"a.png": []byte("img"), "b.png": []byte("img2")},
		map[string]string{"name": "DOE^JANE", "age": "045Y", "gender": "F", "threshold": "0.7"},
	)
	c, rec := f.newContext(http.MethodPost, "/scans", body, ct)

	if err := f.h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.infer.gotThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", f.infer.gotThreshold)
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.RecordsCreated != 2 {
		t.Errorf("expected 2 records, got %d", resp.RecordsCreated)
	}
	if resp.Metadata != nil {
		t.Error("raster batches must not run metadata extraction")
	}
}

func TestHandler_Submit_MissingFields(t *testing.T) {
	f := newHandlerFixture()
	body, ct := multipartBody(t, map[string][]byte{"a.png": []byte("img")}, map[string]string{"name": "X"})
	c, _ := f.newContext(http.MethodPost, "/scans", body, ct)

	err := f.h.Submit(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Submit_Unauthenticated(t *testing.T) {
	f := newHandlerFixture()
	body, ct := multipartBody(t, map[string][]byte{"a.png": []byte("img")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/scans", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec) // no user id set

	err := f.h.Submit(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_List(t *testing.T) {
	f := newHandlerFixture()

	body, ct := multipartBody(t, map[string][]byte{"a.png": []byte("img")},
		map[string]string{"name": "X", "age": "1Y", "gender": "M"})
	c, _ := f.newContext(http.MethodPost, "/scans", body, ct)
	if err := f.h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, rec := f.newContext(http.MethodGet, "/scans?page=1", nil, "")
	if err := f.h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Total int `json:"total"`
		Page  int `json:"page"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Total != 1 || resp.Page != 1 {
		t.Errorf("unexpected page: %+v", resp)
	}
}

func TestHandler_Review(t *testing.T) {
	f := newHandlerFixture()

	body, ct := multipartBody(t, map[string][]byte{"a.png": []byte("img")},
		map[string]string{"name": "X", "age": "1Y", "gender": "M"})
	c, _ := f.newContext(http.MethodPost, "/scans", body, ct)
	if err := f.h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var recID string
	for id := range f.repo.records {
		recID = id.String()
	}

	reviewBody := bytes.NewBufferString(`{"status":"abnormal","details":"opacity","reviewer_name":"Dr. Osler"}`)
	c, rec := f.newContext(http.MethodPut, "/scans/"+recID+"/review", reviewBody, echo.MIMEApplicationJSON)
	c.SetParamNames("id")
	c.SetParamValues(recID)

	if err := f.h.Review(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "abnormal") {
		t.Error("expected review echoed back")
	}
}

func TestHandler_Delete_NotFound(t *testing.T) {
	f := newHandlerFixture()
	c, _ := f.newContext(http.MethodDelete, "/scans/x", nil, "")
	c.SetParamNames("id")
	c.SetParamValues("b2c7d18e-3e06-4f2a-9a36-000000000000")

	err := f.h.Delete(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
