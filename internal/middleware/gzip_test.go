package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
}

func gzipped(t *testing.T, s string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		compressBody    bool
		acceptEncoding  string
		wantEncoding    string
		wantBodyContain string
	}{
		{
			name:            "client accepts gzip",
			acceptEncoding:  "gzip, deflate",
			wantEncoding:    "gzip",
			wantBodyContain: `{"echo":{"vehicleId":1}}`,
		},
		{
			name:            "client does not accept gzip",
			wantEncoding:    "",
			wantBodyContain: `{"echo":{"vehicleId":1}}`,
		},
		{
			name:            "compressed request body",
			compressBody:    true,
			acceptEncoding:  "gzip",
			wantEncoding:    "gzip",
			wantBodyContain: `{"echo":{"vehicleId":1}}`,
		},
		{
			name:            "compressed request, plain response",
			compressBody:    true,
			wantEncoding:    "",
			wantBodyContain: `{"echo":{"vehicleId":1}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"vehicleId":1}`
			var body io.Reader = strings.NewReader(payload)
			if tt.compressBody {
				body = gzipped(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/reservations", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, http.StatusCreated, res.StatusCode)
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
			require.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))

			reader := io.Reader(res.Body)
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				reader = gr
			}
			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Contains(t, string(got), tt.wantBodyContain)
		})
	}
}

func TestGzipMiddleware_BadRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/reservations", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGzipMiddleware_NoContent(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/reservations/1", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Zero(t, w.Body.Len())
}
