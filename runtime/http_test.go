package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskflowhq/taskengine/task"
)

func TestHTTPToolRuntimeInvokeToolSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rt := NewHTTPToolRuntime(nil)
	result, err := rt.InvokeTool(context.Background(), "fetch", map[string]any{
		"method": "GET",
		"url":    srv.URL,
	})
	if err != nil {
		t.Fatalf("InvokeTool error = %v", err)
	}
	if result.Status != task.ToolSuccess {
		t.Fatalf("Status = %v, want SUCCESS", result.Status)
	}
	if result.Output["status_code"] != 200 {
		t.Fatalf("status_code = %v, want 200", result.Output["status_code"])
	}
	if result.Output["body"] != `{"ok":true}` {
		t.Fatalf("body = %v", result.Output["body"])
	}
}

func TestHTTPToolRuntimeInvokeToolHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rt := NewHTTPToolRuntime(nil)
	result, err := rt.InvokeTool(context.Background(), "fetch", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("InvokeTool error = %v", err)
	}
	if result.Status != task.ToolFailure {
		t.Fatalf("Status = %v, want FAILURE", result.Status)
	}
	if result.ErrorType != "HTTP_ERROR_STATUS" {
		t.Fatalf("ErrorType = %q", result.ErrorType)
	}
}

func TestHTTPToolRuntimeInvokeToolMissingURL(t *testing.T) {
	rt := NewHTTPToolRuntime(nil)
	_, err := rt.InvokeTool(context.Background(), "fetch", map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing url argument")
	}
}

func TestHTTPToolRuntimeInvokeToolPostWithBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rt := NewHTTPToolRuntime(nil)
	result, err := rt.InvokeTool(context.Background(), "create", map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   `{"name":"x"}`,
	})
	if err != nil {
		t.Fatalf("InvokeTool error = %v", err)
	}
	if result.Status != task.ToolSuccess {
		t.Fatalf("Status = %v, want SUCCESS", result.Status)
	}
	if gotBody != `{"name":"x"}` {
		t.Fatalf("server received body = %q", gotBody)
	}
}
