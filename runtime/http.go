package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/taskflowhq/taskengine/task"
)

// HTTPToolRuntime implements ToolRuntime by issuing an HTTP request per
// invocation: toolID selects nothing (every id is routed the same way),
// and arguments supply method/url/headers/body. It is the one concrete,
// non-mock ToolRuntime this module ships, for deployments whose tools are
// simply REST/webhook calls rather than a bespoke in-process function.
type HTTPToolRuntime struct {
	client *http.Client
}

func NewHTTPToolRuntime(client *http.Client) *HTTPToolRuntime {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPToolRuntime{client: client}
}

// InvokeTool never returns a Go error for a failed HTTP call: a non-2xx
// status, a connection failure, or a malformed argument all surface as a
// ToolResult with ToolFailure, matching the contract that tool failure is
// workflow-routable data, not an execution fault. A Go error is reserved
// for arguments so malformed the request could never have been attempted
// (missing url).
func (h *HTTPToolRuntime) InvokeTool(ctx context.Context, toolID string, arguments map[string]any) (task.ToolResult, error) {
	urlStr, ok := arguments["url"].(string)
	if !ok || urlStr == "" {
		return task.ToolResult{}, fmt.Errorf("runtime: http tool %q: arguments.url is required", toolID)
	}

	method := "GET"
	if m, ok := arguments["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if bodyStr, ok := arguments["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return task.ToolResult{
			Status:       task.ToolFailure,
			ErrorType:    "REQUEST_CONSTRUCTION_ERROR",
			ErrorMessage: err.Error(),
		}, nil
	}
	if headers, ok := arguments["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return task.ToolResult{
			Status:       task.ToolFailure,
			ErrorType:    "TRANSPORT_ERROR",
			ErrorMessage: err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return task.ToolResult{
			Status:       task.ToolFailure,
			ErrorType:    "RESPONSE_READ_ERROR",
			ErrorMessage: err.Error(),
		}, nil
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return task.ToolResult{
			Status:       task.ToolFailure,
			Output:       output,
			ErrorType:    "HTTP_ERROR_STATUS",
			ErrorMessage: fmt.Sprintf("%s returned status %d", urlStr, resp.StatusCode),
		}, nil
	}

	return task.ToolResult{Status: task.ToolSuccess, Output: output}, nil
}
