package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/strandworks/strand/internal/httpclient"
	"github.com/strandworks/strand/pkg/policy"
)

// ExternalPrefix namespaces external tool names so a remote server can
// never shadow a builtin.
const ExternalPrefix = "ext__"

const mcpProtocolVersion = "2024-11-05"

// defaultSSETimeout bounds reading one SSE response from an HTTP MCP
// server.
const defaultSSETimeout = 5 * time.Minute

// MCPConfig configures one external MCP tool source.
type MCPConfig struct {
	Name      string            `yaml:"name" json:"name"`
	URL       string            `yaml:"url" json:"url"`
	Transport string            `yaml:"transport" json:"transport"` // stdio | streamable-http | sse
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	// Filter limits which remote tools are exposed.
	Filter     []string         `yaml:"filter" json:"filter"`
	RiskLevel  policy.RiskLevel `yaml:"risk_level" json:"risk_level"`
	MaxRetries int              `yaml:"max_retries" json:"max_retries"`
}

// SetDefaults fills unset fields.
func (c *MCPConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "mcp"
	}
	if c.RiskLevel == "" {
		c.RiskLevel = policy.RiskMedium
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks required fields.
func (c *MCPConfig) Validate() error {
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("mcp source %s: either url or command is required", c.Name)
	}
	return nil
}

// MCPSource provides tools from one external MCP server. Stdio servers
// go through the mcp-go client; HTTP servers through the retrying HTTP
// client with JSON-RPC.
type MCPSource struct {
	cfg       MCPConfig
	filterSet map[string]bool

	mu         sync.Mutex
	client     *mcpclient.Client
	httpClient *httpclient.Client
	connected  bool
	tools      map[string]Tool

	sessionMu sync.RWMutex
	sessionID string
}

// NewMCPSource creates the source. The connection is established on
// Discover.
func NewMCPSource(cfg MCPConfig) (*MCPSource, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}
	return &MCPSource{
		cfg:       cfg,
		filterSet: filterSet,
		tools:     make(map[string]Tool),
	}, nil
}

func (s *MCPSource) Name() string { return s.cfg.Name }

func (s *MCPSource) Type() string { return "mcp" }

// Discover connects and lists the server's tools under the external
// prefix.
func (s *MCPSource) Discover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoverLocked(ctx)
}

func (s *MCPSource) discoverLocked(ctx context.Context) error {
	s.tools = make(map[string]Tool)

	var (
		remote []remoteTool
		err    error
	)
	if s.useStdio() {
		remote, err = s.connectStdio(ctx)
	} else {
		remote, err = s.connectHTTP(ctx)
	}
	if err != nil {
		s.connected = false
		return fmt.Errorf("failed to discover tools from %s: %w", s.cfg.Name, err)
	}

	for _, rt := range remote {
		if s.filterSet != nil && !s.filterSet[rt.name] {
			continue
		}
		name := ExternalPrefix + rt.name
		s.tools[name] = &mcpTool{
			source:     s,
			remoteName: rt.name,
			info: ToolInfo{
				Name:        name,
				Description: rt.description,
				Parameters:  rt.schema,
				RiskLevel:   s.cfg.RiskLevel,
			},
		}
	}
	s.connected = true

	slog.Info("Connected to MCP server",
		"source", s.cfg.Name, "transport", s.transportName(), "tools", len(s.tools))
	return nil
}

func (s *MCPSource) List() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		info := tool.Info()
		info.Source = s.cfg.Name
		infos = append(infos, info)
	}
	return infos
}

func (s *MCPSource) Get(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, exists := s.tools[name]
	return tool, exists
}

// Close shuts down the server connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.tools = nil
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	s.httpClient = nil
	return nil
}

func (s *MCPSource) useStdio() bool {
	return s.cfg.Command != "" || s.cfg.Transport == "stdio"
}

func (s *MCPSource) transportName() string {
	if s.useStdio() {
		return "stdio"
	}
	if s.cfg.Transport != "" {
		return s.cfg.Transport
	}
	return "streamable-http"
}

type remoteTool struct {
	name        string
	description string
	schema      map[string]any
}

func (s *MCPSource) connectStdio(ctx context.Context) ([]remoteTool, error) {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	client, err := mcpclient.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "strand", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	remote := make([]remoteTool, 0, len(listResp.Tools))
	for _, tool := range listResp.Tools {
		remote = append(remote, remoteTool{
			name:        tool.Name,
			description: tool.Description,
			schema:      convertMCPSchema(tool.InputSchema),
		})
	}

	if s.client != nil {
		s.client.Close()
	}
	s.client = client
	return remote, nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) ([]remoteTool, error) {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(s.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "strand", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response")
	}

	var remote []remoteTool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		remote = append(remote, remoteTool{name: name, description: desc, schema: schema})
	}
	return remote, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over HTTP, handling both plain JSON
// and SSE-framed responses.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp.Body)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(defaultSSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", defaultSSETimeout)
	}
}

// call invokes a remote tool, reconnecting once if the first attempt
// fails on a dropped connection.
func (s *MCPSource) call(ctx context.Context, remoteName string, args map[string]any) (string, bool, error) {
	content, isError, err := s.callOnce(ctx, remoteName, args)
	if err == nil {
		return content, isError, nil
	}

	slog.Warn("MCP call failed, reconnecting", "source", s.cfg.Name, "tool", remoteName, "error", err)
	s.mu.Lock()
	reconnectErr := s.discoverLocked(ctx)
	s.mu.Unlock()
	if reconnectErr != nil {
		return "", false, fmt.Errorf("call failed and reconnect failed: %w", err)
	}
	return s.callOnce(ctx, remoteName, args)
}

func (s *MCPSource) callOnce(ctx context.Context, remoteName string, args map[string]any) (string, bool, error) {
	if s.useStdio() {
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client == nil {
			return "", false, fmt.Errorf("MCP client not connected")
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = remoteName
		req.Params.Arguments = args

		resp, err := client.CallTool(ctx, req)
		if err != nil {
			return "", false, fmt.Errorf("MCP call failed: %w", err)
		}

		var texts []string
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				texts = append(texts, textContent.Text)
			}
		}
		return strings.Join(texts, "\n"), resp.IsError, nil
	}

	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      remoteName,
		"arguments": args,
	})
	if err != nil {
		return "", false, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return resp.Error.Message, true, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return string(data), false, nil
	}

	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	return strings.Join(texts, "\n"), isError, nil
}

// mcpTool adapts one remote tool to the Tool interface.
type mcpTool struct {
	source     *MCPSource
	remoteName string
	info       ToolInfo
}

func (t *mcpTool) Info() ToolInfo { return t.info }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	content, isError, err := t.source.call(ctx, t.remoteName, args)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Content:  content,
		IsError:  isError,
		Duration: time.Since(start),
		Metadata: map[string]any{"source": t.source.cfg.Name, "remote_tool": t.remoteName},
	}
	if isError {
		result.Error = content
	}
	return result, nil
}

func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
