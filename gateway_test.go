package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeGateway is an httptest stand-in for an MCP gateway. It records every
// tools/call and answers through a per-test handler that returns either a
// payload (marshalled into the text content block) or an error message.
type fakeGateway struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(tool string, args map[string]any) (any, string)

	mu    sync.Mutex
	calls []gatewayCall
}

type gatewayCall struct {
	Tool string
	Args map[string]any
}

func newFakeGateway(t *testing.T, handle func(tool string, args map[string]any) (any, string)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, handle: handle}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("gateway received invalid JSON: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Method != "tools/call" {
			t.Errorf("gateway received method %q, want tools/call", req.Method)
		}

		g.mu.Lock()
		g.calls = append(g.calls, gatewayCall{Tool: req.Params.Name, Args: req.Params.Arguments})
		g.mu.Unlock()

		payload, errMsg := g.handle(req.Params.Name, req.Params.Arguments)
		if errMsg != "" {
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32000, "message": errMsg},
			}
			json.NewEncoder(w).Encode(resp)
			return
		}

		text, ok := payload.(string)
		if !ok {
			raw, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshalling gateway payload: %v", err)
			}
			text = string(raw)
		}
		textResponse(t, w, text)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) client() *MCPClient {
	return &MCPClient{Gateway: g.srv.URL}
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) recorded() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// sqlStatements extracts the sql argument of every warehouse call, in order.
func (g *fakeGateway) sqlStatements() []string {
	var stmts []string
	for _, call := range g.recorded() {
		if sql, ok := call.Args["sql"].(string); ok {
			stmts = append(stmts, sql)
		}
	}
	return stmts
}

// warehouseOK answers every statement with an empty successful result set.
func warehouseOK(tool string, args map[string]any) (any, string) {
	return map[string]any{"success": true, "data": []any{}}, ""
}
