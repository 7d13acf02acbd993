// Package mcp exposes a ledgermind store as an MCP (Model Context Protocol)
// server so agents can record, search and maintain decisions.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sl4m3/ledgermind-sub000/internal/maintenance"
	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/ratelimit"
)

// Server wraps the MCP SDK server around a Memory.
type Server struct {
	server       *sdk.Server
	mem          *memory.Memory
	scheduler    *maintenance.Scheduler
	auditLogger  *AuditLogger
	toolLimiters ratelimit.ToolLimiters
	logger       *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "ledgermind")
	Version string // Server version

	// Memory is the store the tools operate on. The caller owns it.
	Memory *memory.Memory

	// Scheduler, if set, runs background maintenance while the server is
	// connected.
	Scheduler *maintenance.Scheduler
}

// NewServer creates a new MCP server with the ledgermind tools.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Memory == nil {
		return nil, errors.New("mcp server requires a memory")
	}
	mem := cfg.Memory
	logger := mem.Logger()

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		mem:          mem,
		scheduler:    cfg.Scheduler,
		auditLogger:  NewAuditLogger(mem.Config().Root, logger),
		toolLimiters: newToolLimiters(mem.Config().Server.ToolRate, mem.Config().Server.ToolBurst),
		logger:       logger,
	}

	if err := s.registerTools(); err != nil {
		s.auditLogger.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := s.registerResources(); err != nil {
		s.auditLogger.Close()
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}
	return s, nil
}

// newToolLimiters gives write tools the configured budget, reads twice
// that, and the maintenance passes one call a minute.
func newToolLimiters(perSecond float64, burst int) ratelimit.ToolLimiters {
	limiters := ratelimit.NewToolLimiters(perSecond, burst,
		toolRecordDecision, toolSupersedeDecision, toolAcceptProposal, toolRejectProposal,
		toolLinkEvidence, toolForget, toolProcessEvent)
	limiters[toolSearchDecisions] = ratelimit.NewLimiter(perSecond*2, burst*2)
	limiters[toolRunDecay] = ratelimit.NewLimiter(1.0/60.0, 2)
	limiters[toolRunReflection] = ratelimit.NewLimiter(1.0/60.0, 2)
	return limiters
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, ShutdownSignals...)
	defer stop()

	return s.Serve(ctx, &sdk.StdioTransport{})
}

// Serve runs the server over transport, with background maintenance if a
// scheduler was configured.
func (s *Server) Serve(ctx context.Context, transport sdk.Transport) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := s.scheduler.Stop(); err != nil {
				s.logger.Warn("stopping maintenance", "error", err)
			}
		}()
	}
	return s.server.Run(ctx, transport)
}

// Close releases the audit log. The memory stays open.
func (s *Server) Close() error {
	return s.auditLogger.Close()
}
