// Package toolcall forwards function-call requests from the speech service to
// the tool-execution service over JSON-RPC 2.0 and routes the results back.
package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/room4-2/whisper-bridge/bridgeerr"
)

const (
	jsonRPCVersion = "2.0"

	MethodToolsCall = "tools/call"
	MethodToolsList = "tools/list"

	// CodeInvalidParams is the JSON-RPC code for unusable arguments.
	CodeInvalidParams = -32602
)

// RPCError is a JSON-RPC error object returned by the tool service.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Descriptor describes one tool published by tools/list.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client talks to the tool-execution service.
type Client struct {
	url    string
	client *http.Client
	newID  func() string
}

// NewClient returns a client posting to url. timeout bounds each call.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		newID:  func() string { return uuid.New().String() },
	}
}

// CallTool invokes tools/call and returns the raw result member.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return c.do(ctx, MethodToolsCall, callParams{Name: name, Arguments: arguments})
}

// ListTools invokes tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Descriptor, error) {
	raw, err := c.do(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := sonic.Unmarshal(raw, &result); err != nil {
		return nil, bridgeerr.ToolCall("malformed tools/list result", err)
	}
	return result.Tools, nil
}

func (c *Client) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.newID()
	body, err := sonic.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, Method: method, Params: params, ID: id})
	if err != nil {
		return nil, bridgeerr.ToolCall("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, bridgeerr.ToolCall("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, bridgeerr.ToolCall("", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, bridgeerr.ToolCall("read response", err)
	}

	var parsed rpcResponse
	decodeErr := sonic.Unmarshal(respBody, &parsed)

	// A JSON-RPC error body takes precedence over the HTTP status.
	if decodeErr == nil && parsed.Error != nil {
		return nil, bridgeerr.ToolCall(parsed.Error.Message, parsed.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, bridgeerr.ToolCall(fmt.Sprintf("tool service returned %d", resp.StatusCode), nil)
	}
	if decodeErr != nil {
		return nil, bridgeerr.ToolCall("malformed response", decodeErr)
	}
	if len(parsed.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return parsed.Result, nil
}
