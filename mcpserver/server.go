package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/docshield/config"
	"github.com/isdmx/docshield/conversion"
	"github.com/isdmx/docshield/progress"
)

// Converter runs sanitization jobs
type Converter interface {
	Convert(ctx context.Context, job *conversion.Job, onProgress conversion.ProgressFunc) conversion.Result
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	converter Converter
	mcpServer *server.MCPServer
}

// sanitizeResult is the JSON body returned by the sanitize_document tool
type sanitizeResult struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"`
	Pages      int    `json:"pages"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
	PDF        string `json:"pdf,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, converter *conversion.Converter) (*MCPServer, error) {
	return newServer(cfg, logger, converter), nil
}

func newServer(cfg *config.Config, logger *zap.Logger, converter Converter) *MCPServer {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		converter: converter,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image_name", s.config.Sandbox.ImageName),
		zap.String("sandbox.app_version", s.config.Sandbox.AppVersion),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", s.config.Sandbox.CPUs),
		zap.Int("sandbox.pids_limit", s.config.Sandbox.PidsLimit),
		zap.Int("sandbox.max_pages", s.config.Sandbox.MaxPages),
		zap.Int("sandbox.max_input_size_mb", s.config.Sandbox.MaxInputSizeMB),
		zap.Int("conversion.max_concurrent_jobs", s.config.Conversion.MaxConcurrentJobs),
	)

	s.mcpServer = server.NewMCPServer("docshield", "Sandboxed document sanitization server")
	s.registerSanitizeDocumentTool()

	return s
}

// registerSanitizeDocumentTool registers the sanitize_document tool
func (s *MCPServer) registerSanitizeDocumentTool() {
	tool := mcp.Tool{
		Name:        "sanitize_document",
		Description: "Convert an untrusted document into a safe, image-only PDF inside a disposable sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"document": map[string]any{
					"type":        "string",
					"description": "Base64-encoded untrusted document",
				},
				"filename": map[string]any{
					"type":        "string",
					"description": "Original file name, used to pick the document type",
				},
				"page_count": map[string]any{
					"type":        "integer",
					"description": "Expected number of pages (optional)",
					"minimum":     1,
				},
			},
			Required: []string{"document", "filename"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSanitizeDocument)
}

// handleSanitizeDocument handles the sanitize_document tool. Job failures are
// reported as tool errors, never as protocol errors.
func (s *MCPServer) handleSanitizeDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	encoded, err := request.RequireString("document")
	if err != nil {
		return nil, fmt.Errorf("document parameter is required: %w", err)
	}
	filename, err := request.RequireString("filename")
	if err != nil {
		return nil, fmt.Errorf("filename parameter is required: %w", err)
	}
	pageCount := request.GetInt("page_count", 0)
	if pageCount < 0 {
		return nil, fmt.Errorf("invalid page_count: %d", pageCount)
	}

	name, err := safeFileName(filename)
	if err != nil {
		return nil, err
	}
	document, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	workDir, err := os.MkdirTemp(s.config.Conversion.WorkDir, "docshield-request-")
	if err != nil {
		return nil, fmt.Errorf("failed to create request directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			s.logger.Warn("failed to remove request directory", zap.String("path", workDir), zap.Error(err))
		}
	}()

	inputPath := filepath.Join(workDir, name)
	if err := os.WriteFile(inputPath, document, 0o600); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	job := conversion.NewJob(inputPath, filepath.Join(workDir, "sanitized.pdf"), pageCount)
	s.logger.Info("document sanitization requested",
		zap.String("job_id", job.ID),
		zap.String("filename", name),
		zap.Int("size", len(document)),
		zap.Int("page_count", pageCount))

	res := s.converter.Convert(ctx, job, func(jobID string, u progress.Update) {
		if u.Determinate {
			s.logger.Debug("conversion progress",
				zap.String("job_id", jobID),
				zap.Int("pages_done", u.PagesDone),
				zap.Int("total_pages", u.TotalPages),
				zap.Float64("fraction", u.Fraction))
		}
	})

	out := sanitizeResult{
		JobID: res.JobID,
		State: res.State.String(),
		Pages: res.Pages,
	}
	if !res.Succeeded() {
		out.ErrorKind = res.Kind.String()
		out.Diagnostic = res.Diagnostic
		return s.toolResult(out, true)
	}

	pdf, err := os.ReadFile(res.OutputPath)
	if err != nil {
		s.logger.Error("failed to read sanitized document", zap.String("job_id", res.JobID), zap.Error(err))
		out.State = conversion.StateFailed.String()
		out.ErrorKind = "AssemblyError"
		return s.toolResult(out, true)
	}
	out.PDF = base64.StdEncoding.EncodeToString(pdf)

	s.logger.Info("document sanitized",
		zap.String("job_id", res.JobID),
		zap.Int("pages", res.Pages),
		zap.Int("pdf_size", len(pdf)))

	return s.toolResult(out, false)
}

func (s *MCPServer) toolResult(out sanitizeResult, isError bool) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
		IsError: isError,
	}, nil
}

// safeFileName keeps only the base name of a client supplied file name.
func safeFileName(filename string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("invalid filename: %q", filename)
	}
	return name, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
