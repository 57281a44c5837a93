package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultCallTimeout = 15 * time.Second
	retryBackoffStep   = 200 * time.Millisecond
)

// ErrorKind classifies MCP call failures. Timeout and Transport failures are
// retried; RemoteError and Decode failures surface immediately because the
// same request would fail identically on a second attempt.
type ErrorKind int

const (
	ErrTransport ErrorKind = iota
	ErrTimeout
	ErrRemote
	ErrDecode
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrTimeout:
		return "timeout"
	case ErrRemote:
		return "remote"
	case ErrDecode:
		return "decode"
	}
	return "unknown"
}

type MCPError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp %s error calling %s: %v", e.Kind, e.Tool, e.Err)
}

func (e *MCPError) Unwrap() error { return e.Err }

func (e *MCPError) Retryable() bool {
	return e.Kind == ErrTransport || e.Kind == ErrTimeout
}

// MCPResult is a decoded tool payload. Gateways answer with a single text
// content part that usually contains JSON; when it doesn't, the raw text is
// kept under Text instead.
type MCPResult struct {
	Data json.RawMessage
	Text string
}

// Decode unmarshals the structured payload into v.
func (r MCPResult) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("result has no structured payload (text: %q)", truncate(r.Text, 120))
	}
	return json.Unmarshal(r.Data, v)
}

// MCPClient invokes named tools on one JSON-RPC "tools/call" gateway.
// The zero timeout and retry values fall back to defaults, so a literal
// MCPClient{Gateway: url} is usable.
type MCPClient struct {
	Gateway     string
	StripPrefix string // tool-name prefix the gateway registers without, e.g. "m365_"
	Timeout     time.Duration
	Retries     int
	HTTPClient  *http.Client
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Result *rpcResult `json:"result"`
	Error  *rpcError  `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallTool invokes tool with args, retrying transient failures with linearly
// increasing backoff. A client configured with N retries makes at most N+1
// attempts.
func (c *MCPClient) CallTool(ctx context.Context, tool string, args map[string]any) (MCPResult, error) {
	name := strings.TrimPrefix(tool, c.StripPrefix)
	if args == nil {
		args = map[string]any{}
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}

	var last *MCPError
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffStep * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return MCPResult{}, last
			case <-time.After(backoff):
			}
			log.Printf("mcp retry tool=%s attempt=%d/%d after=%s", name, attempt, retries, backoff)
		}

		result, callErr := c.attempt(ctx, name, args, attempt)
		if callErr == nil {
			return result, nil
		}
		if !callErr.Retryable() {
			return MCPResult{}, callErr
		}
		last = callErr
	}
	return MCPResult{}, last
}

func (c *MCPClient) attempt(ctx context.Context, name string, args map[string]any, attempt int) (MCPResult, *MCPError) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Unique id per attempt so a pipelining gateway can't correlate a stale
	// response with a fresh request.
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  rpcParams{Name: name, Arguments: args},
		ID:      time.Now().UnixNano() + int64(attempt),
	})
	if err != nil {
		return MCPResult{}, &MCPError{Kind: ErrDecode, Tool: name, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.Gateway, bytes.NewReader(body))
	if err != nil {
		return MCPResult{}, &MCPError{Kind: ErrTransport, Tool: name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = externalHTTPClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return MCPResult{}, &MCPError{Kind: ErrTimeout, Tool: name, Err: fmt.Errorf("call timed out after %s", timeout)}
		}
		return MCPResult{}, &MCPError{Kind: ErrTransport, Tool: name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return MCPResult{}, &MCPError{Kind: ErrTimeout, Tool: name, Err: fmt.Errorf("call timed out after %s", timeout)}
		}
		return MCPResult{}, &MCPError{Kind: ErrTransport, Tool: name, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return MCPResult{}, &MCPError{Kind: ErrTransport, Tool: name,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return MCPResult{}, &MCPError{Kind: ErrDecode, Tool: name,
			Err: fmt.Errorf("parsing response: %w (body: %s)", err, truncate(string(respBody), 200))}
	}

	if rpcResp.Error != nil {
		msg := rpcResp.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", rpcResp.Error.Code)
		}
		return MCPResult{}, &MCPError{Kind: ErrRemote, Tool: name, Err: errors.New(msg)}
	}

	if rpcResp.Result == nil || len(rpcResp.Result.Content) == 0 {
		return MCPResult{}, &MCPError{Kind: ErrDecode, Tool: name, Err: errors.New("response has no content")}
	}

	content := rpcResp.Result.Content[0]
	if content.Type != "text" {
		return MCPResult{}, &MCPError{Kind: ErrDecode, Tool: name,
			Err: fmt.Errorf("unexpected content type %q", content.Type)}
	}

	text := content.Text
	if json.Valid([]byte(text)) {
		return MCPResult{Data: json.RawMessage(text)}, nil
	}
	// Some gateways report failures as a bare "Error: ..." string instead of
	// a JSON-RPC error.
	if strings.HasPrefix(text, "Error:") {
		return MCPResult{}, &MCPError{Kind: ErrRemote, Tool: name, Err: errors.New(text)}
	}
	return MCPResult{Text: text}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
