package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/athanor-ai/athanor"
)

func fetchURL(t *testing.T, srv *httptest.Server, url string) (string, error) {
	t.Helper()
	tool := Tool(WithHTTPClient(srv.Client()))
	return tool.Handler(context.Background(), athanor.Invocation{
		CallID: "c1",
		Args:   []byte(fmt.Sprintf(`{"url":%q}`, url)),
	})
}

func TestFetchPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "plain body")
	}))
	defer srv.Close()

	out, err := fetchURL(t, srv, srv.URL)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "plain body" {
		t.Errorf("out = %q", out)
	}
}

func TestFetchStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><script>alert("x")</script><style>p{}</style></head><body><p>Hello</p><p>World</p></body></html>`)
	}))
	defer srv.Close()

	out, err := fetchURL(t, srv, srv.URL)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if strings.Contains(out, "<") || strings.Contains(out, "alert") || strings.Contains(out, "p{}") {
		t.Errorf("markup survived: %q", out)
	}
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "World") {
		t.Errorf("text dropped: %q", out)
	}
}

func TestFetchTruncatesLongBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 20000))
	}))
	defer srv.Close()

	out, err := fetchURL(t, srv, srv.URL)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.HasSuffix(out, "... (truncated)") {
		t.Error("long body not truncated")
	}
	if len(out) > maxPayload+32 {
		t.Errorf("out = %d chars past the cap", len(out))
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetchURL(t, srv, srv.URL)
	if athanor.KindOf(err) != athanor.KindToolRuntimeError {
		t.Errorf("err = %v, want ToolRuntimeError", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want the status code named", err)
	}
}

func TestFetchInvalidArgs(t *testing.T) {
	tool := Tool()
	_, err := tool.Handler(context.Background(), athanor.Invocation{
		CallID: "c1", Args: []byte(`not json`),
	})
	if athanor.KindOf(err) != athanor.KindValidationError {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
