package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// MCPServerConfig 单个 MCP 服务器配置
type MCPServerConfig struct {
	Name    string            `yaml:"name" mapstructure:"name"`
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
}

// MCPManifest MCP 服务器清单 (~/.safe-coder/mcp.yaml)
type MCPManifest struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// LoadMCPManifest 读取 YAML 清单; 文件不存在返回空清单。
func LoadMCPManifest(path string) (*MCPManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &MCPManifest{}, nil
		}
		return nil, err
	}
	var m MCPManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mcp manifest: %w", err)
	}
	return &m, nil
}

// mcpRequest / mcpResponse — JSON-RPC 2.0 over stdio
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// mcpToolInfo tools/list 返回的工具描述
type mcpToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPClient 一个 MCP 服务器的 stdio 连接。
// 读多写少: 调用期间持锁串行化请求。
type MCPClient struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *zap.Logger

	mu     sync.Mutex
	nextID int64
}

// StartMCPClient 启动服务器进程并完成 initialize 握手
func StartMCPClient(ctx context.Context, cfg MCPServerConfig, logger *zap.Logger) (*MCPClient, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", cfg.Name, err)
	}

	c := &MCPClient{
		name:   cfg.Name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1024*1024),
		logger: logger.With(zap.String("mcp_server", cfg.Name)),
	}

	if _, err := c.call("initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "safe-coder", "version": "0.1"},
		"capabilities":    map[string]interface{}{},
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return c, nil
}

// ListTools 列出服务器工具
func (c *MCPClient) ListTools() ([]mcpToolInfo, error) {
	raw, err := c.call("tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool 调用服务器工具, 返回文本内容
func (c *MCPClient) CallTool(name string, args json.RawMessage) (string, error) {
	raw, err := c.call("tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	var out string
	for _, part := range result.Content {
		if part.Type == "text" {
			out += part.Text
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%s", out)
	}
	return out, nil
}

// Close 结束服务器进程
func (c *MCPClient) Close() {
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}

func (c *MCPClient) call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := mcpRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(raw, '\n')); err != nil {
		return nil, err
	}

	// 逐行读直到匹配的响应 (忽略服务器通知)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		var resp mcpResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID != c.nextID {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
	return nil, fmt.Errorf("mcp call %s timed out", method)
}

// MCPManager 管理全部 MCP 客户端并注册其工具。
// 注册/注销期间粗粒度加锁, 其余只读。
type MCPManager struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*MCPClient
}

// NewMCPManager 创建管理器
func NewMCPManager(logger *zap.Logger) *MCPManager {
	return &MCPManager{
		logger:  logger,
		clients: make(map[string]*MCPClient),
	}
}

// RegisterServers 启动清单中的服务器并把工具注册为 mcp_<server>_<tool>。
func (m *MCPManager) RegisterServers(ctx context.Context, manifest *MCPManifest, registry *domaintool.Registry) int {
	registered := 0
	for _, cfg := range manifest.Servers {
		client, err := StartMCPClient(ctx, cfg, m.logger)
		if err != nil {
			m.logger.Warn("MCP server unavailable",
				zap.String("server", cfg.Name),
				zap.Error(err),
			)
			continue
		}

		tools, err := client.ListTools()
		if err != nil {
			m.logger.Warn("MCP tools/list failed",
				zap.String("server", cfg.Name),
				zap.Error(err),
			)
			client.Close()
			continue
		}

		m.mu.Lock()
		m.clients[cfg.Name] = client
		m.mu.Unlock()

		for _, info := range tools {
			t := &MCPTool{
				client:      client,
				serverName:  cfg.Name,
				toolName:    info.Name,
				description: info.Description,
				schema:      info.InputSchema,
			}
			if err := registry.Register(t); err != nil {
				m.logger.Warn("MCP tool registration failed",
					zap.String("tool", t.Name()),
					zap.Error(err),
				)
				continue
			}
			registered++
		}
	}
	return registered
}

// Shutdown 关闭全部客户端
func (m *MCPManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		client.Close()
		delete(m.clients, name)
	}
}

// MCPTool 动态注册的外部工具, 名称为 mcp_<server>_<tool>。
type MCPTool struct {
	client      *MCPClient
	serverName  string
	toolName    string
	description string
	schema      map[string]interface{}
}

func (t *MCPTool) Name() string {
	return fmt.Sprintf("mcp_%s_%s", t.serverName, t.toolName)
}

func (t *MCPTool) Description() string {
	if t.description != "" {
		return t.description
	}
	return fmt.Sprintf("External tool %s from MCP server %s", t.toolName, t.serverName)
}

func (t *MCPTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *MCPTool) InputSchema() map[string]interface{} {
	if t.schema != nil {
		return t.schema
	}
	return map[string]interface{}{"type": "object"}
}

func (t *MCPTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	out, err := t.client.CallTool(t.toolName, input)
	if err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed,
			fmt.Sprintf("MCP tool %s failed", t.Name()), err)
	}
	return out, nil
}
