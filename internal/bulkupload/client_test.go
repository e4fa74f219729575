package bulkupload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// setupMockBackend создаёт mock HTTP-сервер backend.
func setupMockBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// mockTokenProvider возвращает фиксированный токен.
func mockTokenProvider(token string) TokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

func TestIsExcelFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"report.xlsx", true},
		{"REPORT.XLSX", true},
		{"dir/sites.Xlsx", true},
		{"data.csv", false},
		{"report.xls", false},
		{"xlsx", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsExcelFile(tt.name); got != tt.want {
			t.Errorf("IsExcelFile(%q) = %v, хотели %v", tt.name, got, tt.want)
		}
	}
}

func TestClient_Upload(t *testing.T) {
	server := setupMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sites/bulk-upload" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("поле file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		content, _ := io.ReadAll(file)
		if header.Filename != "report.xlsx" || string(content) != "xlsx-bytes" {
			t.Errorf("файл = %s (%q)", header.Filename, content)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(threeRecords...))
	})

	client := NewClientWithHTTP(server.URL+"/", server.Client(), mockTokenProvider("tok-1"), testLogger())
	stream, err := client.Upload(context.Background(), "/api/sites/bulk-upload", "report.xlsx", strings.NewReader("xlsx-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	defer stream.Close()

	got := collect(t, stream)
	if len(got) != 3 || got[2].SuccessCount != 10 {
		t.Errorf("записи = %+v", got)
	}
}

func TestClient_UploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "400 с JSON message",
			status: http.StatusBadRequest,
			body:   `{"message":"Invalid file format"}`,
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				if !errors.As(err, &rej) || rej.Message != "Invalid file format" {
					t.Errorf("err = %v, хотели RejectedError", err)
				}
			},
		},
		{
			name:   "400 без JSON",
			status: http.StatusBadRequest,
			body:   "plain failure\n",
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				if !errors.As(err, &rej) || rej.Message != "plain failure" {
					t.Errorf("err = %v", err)
				}
			},
		},
		{
			name:   "401",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("err = %v, хотели ErrUnauthorized", err)
				}
			},
		},
		{
			name:   "500",
			status: http.StatusInternalServerError,
			body:   "oops",
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != 500 || se.Body != "oops" {
					t.Errorf("err = %v, хотели StatusError 500", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			client := NewClientWithHTTP(server.URL, server.Client(), nil, testLogger())
			_, err := client.Upload(context.Background(), "/upload", "a.xlsx", strings.NewReader("x"))
			tt.check(t, err)
		})
	}
}

func TestClient_UploadRejectsNonExcelWithoutRequest(t *testing.T) {
	var calls int
	server := setupMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	client := NewClientWithHTTP(server.URL, server.Client(), nil, testLogger())

	_, err := client.Upload(context.Background(), "/upload", "data.csv", strings.NewReader("a,b"))
	if !errors.Is(err, ErrInvalidFileType) {
		t.Errorf("err = %v, хотели ErrInvalidFileType", err)
	}
	if calls != 0 {
		t.Errorf("запросов к backend: %d, хотели 0", calls)
	}
}

func TestClient_Download(t *testing.T) {
	server := setupMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.Header.Get("Content-Type") != "" {
				t.Error("GET не должен иметь Content-Type")
			}
			w.Write([]byte("template"))
		case http.MethodPost:
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("тело POST: %v", err)
			}
			if body["status"] != "FAILED" {
				t.Errorf("payload = %v", body)
			}
			w.Write([]byte("report"))
		}
	})
	client := NewClientWithHTTP(server.URL, server.Client(), mockTokenProvider("t"), testLogger())

	data, err := client.Download(context.Background(), http.MethodGet, "/template", nil)
	if err != nil || string(data) != "template" {
		t.Errorf("GET = %q, %v", data, err)
	}

	data, err = client.Download(context.Background(), http.MethodPost, "/report", map[string]any{"status": "FAILED"})
	if err != nil || string(data) != "report" {
		t.Errorf("POST = %q, %v", data, err)
	}
}

func TestClient_TokenProviderError(t *testing.T) {
	client := NewClientWithHTTP("http://127.0.0.1:1", http.DefaultClient, func(ctx context.Context) (string, error) {
		return "", errors.New("нет токена")
	}, testLogger())

	if _, err := client.Download(context.Background(), http.MethodGet, "/x", nil); err == nil {
		t.Error("ожидалась ошибка получения токена")
	}
}

func TestClient_WithTokenProvider(t *testing.T) {
	var got string
	server := setupMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	})
	base := NewClientWithHTTP(server.URL, server.Client(), nil, testLogger())
	derived := base.WithTokenProvider(mockTokenProvider("user-token"))

	if _, err := derived.Download(context.Background(), http.MethodGet, "/x", nil); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer user-token" {
		t.Errorf("Authorization = %q", got)
	}
	if base.tokenProvider != nil {
		t.Error("WithTokenProvider изменил исходный клиент")
	}
}
