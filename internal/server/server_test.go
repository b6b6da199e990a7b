package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"photodrop/internal/buildflight"
	"photodrop/internal/bundle"
	"photodrop/internal/token"
)

type fakeService struct {
	open  func(ctx context.Context, raw string) (*bundle.Archive, error)
	issue func(ctx context.Context, ids []string, recipient string) (*bundle.Link, error)
}

func (f *fakeService) OpenArchive(ctx context.Context, raw string) (*bundle.Archive, error) {
	return f.open(ctx, raw)
}

func (f *fakeService) IssueLink(ctx context.Context, ids []string, recipient string) (*bundle.Link, error) {
	return f.issue(ctx, ids, recipient)
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(append([]any{msg}, args...)...))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record(msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record(msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record(msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record(msg, args...) }

func (l *recordingLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func archiveFixture(t *testing.T, content string) func(context.Context, string) (*bundle.Archive, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	modTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return func(context.Context, string) (*bundle.Archive, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return &bundle.Archive{File: f, Name: "photos-20240115.zip", Size: int64(len(content)), ModTime: modTime}, nil
	}
}

func TestHealth(t *testing.T) {
	srv := New(&fakeService{}, bundle.NewNopLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestDownload(t *testing.T) {
	t.Run("streams the archive", func(t *testing.T) {
		var gotToken string
		open := archiveFixture(t, "PK-fake-archive")
		srv := New(&fakeService{open: func(ctx context.Context, raw string) (*bundle.Archive, error) {
			gotToken = raw
			return open(ctx, raw)
		}}, bundle.NewNopLogger())

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/abc.def.ghi", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotToken != "abc.def.ghi" {
			t.Errorf("token = %q, want %q", gotToken, "abc.def.ghi")
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
			t.Errorf("Content-Type = %q, want application/zip", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="photos-20240115.zip"` {
			t.Errorf("Content-Disposition = %q", cd)
		}
		if rec.Body.String() != "PK-fake-archive" {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("honours range requests", func(t *testing.T) {
		srv := New(&fakeService{open: archiveFixture(t, "0123456789")}, bundle.NewNopLogger())

		req := httptest.NewRequest(http.MethodGet, "/download/tok", nil)
		req.Header.Set("Range", "bytes=2-4")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusPartialContent {
			t.Fatalf("status = %d, want 206", rec.Code)
		}
		if rec.Body.String() != "234" {
			t.Errorf("body = %q, want %q", rec.Body.String(), "234")
		}
	})

	t.Run("does not log the token", func(t *testing.T) {
		logger := &recordingLogger{}
		srv := New(&fakeService{open: archiveFixture(t, "zip")}, logger)

		srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/download/secret-token-value", nil))

		if logger.contains("secret-token-value") {
			t.Error("request log contains the download token")
		}
		if !logger.contains("/download/{token}") {
			t.Error("request log does not mention the download route")
		}
	})
}

func TestDownload_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantText   string
	}{
		{"invalid token", fmt.Errorf("%w: bad signature", token.ErrInvalid), http.StatusBadRequest, "not valid"},
		{"expired token", fmt.Errorf("%w: issued long ago", token.ErrExpired), http.StatusGone, "expired"},
		{"too many builds", fmt.Errorf("building: %w", buildflight.ErrTooManyConcurrentBuilds), http.StatusTooManyRequests, "being prepared"},
		{"no content", bundle.ErrNoContent, http.StatusInternalServerError, "empty"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "Something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&fakeService{open: func(context.Context, string) (*bundle.Archive, error) {
				return nil, tt.err
			}}, bundle.NewNopLogger())

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/tok", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
			if !strings.Contains(rec.Body.String(), tt.wantText) {
				t.Errorf("body does not mention %q:\n%s", tt.wantText, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "disk on fire") {
				t.Error("body leaks internal error details")
			}
		})
	}

	t.Run("busy response carries retry hint", func(t *testing.T) {
		srv := New(&fakeService{open: func(context.Context, string) (*bundle.Archive, error) {
			return nil, buildflight.ErrTooManyConcurrentBuilds
		}}, bundle.NewNopLogger(), WithRetryAfter(45*time.Second))

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/tok", nil))

		if got := rec.Header().Get("Retry-After"); got != "45" {
			t.Errorf("Retry-After = %q, want %q", got, "45")
		}
	})
}

func TestErrorPage(t *testing.T) {
	tests := []struct {
		name    string
		page    page
		want    []string
		notWant []string
	}{
		{
			name: "renders every field",
			page: expiredLinkPage,
			want: []string{
				"<!doctype html>",
				"<title>This download link has expired</title>",
				"<h1>This download link has expired</h1>",
				"<p>Download links only work for a limited time.</p>",
				`<p class="guidance">Ask the person`,
			},
		},
		{
			name: "escapes markup",
			page: page{Title: "<script>alert(1)</script>", Message: "a & b", Guidance: `"quoted"`},
			want: []string{
				"&lt;script&gt;alert(1)&lt;/script&gt;",
				"a &amp; b",
				"&#34;quoted&#34;",
			},
			notWant: []string{"<script>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			if err := errorPage(tt.page).Render(context.Background(), &b); err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(b.String(), w) {
					t.Errorf("page does not contain %q:\n%s", w, b.String())
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(b.String(), w) {
					t.Errorf("page contains %q:\n%s", w, b.String())
				}
			}
		})
	}
}

func TestCreateLink(t *testing.T) {
	const adminToken = "admin-secret"
	expires := time.Date(2024, 1, 22, 10, 30, 0, 0, time.UTC)
	link := &bundle.Link{
		Token:     "tok",
		URL:       "https://photos.example.com/download/tok",
		ItemIDs:   []string{"a", "b"},
		ExpiresAt: expires,
	}

	tests := []struct {
		name       string
		auth       string
		body       string
		issueErr   error
		wantStatus int
		wantURL    bool
	}{
		{name: "issued", auth: "Bearer " + adminToken, body: `{"item_ids":["a","b"],"recipient":"guest@example.com"}`, wantStatus: http.StatusAccepted, wantURL: true},
		{name: "missing auth", body: `{"item_ids":["a"],"recipient":"guest@example.com"}`, wantStatus: http.StatusUnauthorized},
		{name: "wrong auth", auth: "Bearer nope", body: `{"item_ids":["a"],"recipient":"guest@example.com"}`, wantStatus: http.StatusUnauthorized},
		{name: "malformed body", auth: "Bearer " + adminToken, body: `{"item_ids":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", auth: "Bearer " + adminToken, body: `{"items":["a"]}`, wantStatus: http.StatusBadRequest},
		{name: "bad recipient", auth: "Bearer " + adminToken, body: `{"item_ids":["a"],"recipient":"nope"}`, issueErr: bundle.ErrInvalidRecipient, wantStatus: http.StatusBadRequest},
		{name: "no items", auth: "Bearer " + adminToken, body: `{"item_ids":[],"recipient":"guest@example.com"}`, issueErr: token.ErrInvalidInput, wantStatus: http.StatusBadRequest},
		{name: "delivery failed", auth: "Bearer " + adminToken, body: `{"item_ids":["a","b"],"recipient":"guest@example.com"}`, issueErr: fmt.Errorf("%w: smtp down", bundle.ErrDeliveryFailed), wantStatus: http.StatusBadGateway, wantURL: true},
		{name: "unexpected", auth: "Bearer " + adminToken, body: `{"item_ids":["a"],"recipient":"guest@example.com"}`, issueErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{issue: func(_ context.Context, ids []string, recipient string) (*bundle.Link, error) {
				if tt.issueErr != nil {
					if errors.Is(tt.issueErr, bundle.ErrDeliveryFailed) {
						return link, tt.issueErr
					}
					return nil, tt.issueErr
				}
				return link, nil
			}}
			srv := New(svc, bundle.NewNopLogger(), WithAdminToken(adminToken))

			req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp linkResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantURL {
				if resp.URL != link.URL {
					t.Errorf("url = %q, want %q", resp.URL, link.URL)
				}
				if resp.Items != 2 || !resp.ExpiresAt.Equal(expires) {
					t.Errorf("response = %+v", resp)
				}
				if resp.Delivered != (tt.wantStatus == http.StatusAccepted) {
					t.Errorf("delivered = %v", resp.Delivered)
				}
			} else if resp.URL != "" {
				t.Errorf("url = %q, want none", resp.URL)
			}
		})
	}

	t.Run("disabled without admin token", func(t *testing.T) {
		srv := New(&fakeService{}, bundle.NewNopLogger())

		req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}
