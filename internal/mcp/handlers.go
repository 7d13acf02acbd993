package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/ratelimit"
	"github.com/sl4m3/ledgermind-sub000/internal/sanitize"
)

// Tool names.
const (
	toolRecordDecision    = "record_decision"
	toolSupersedeDecision = "supersede_decision"
	toolSearchDecisions   = "search_decisions"
	toolAcceptProposal    = "accept_proposal"
	toolRejectProposal    = "reject_proposal"
	toolLinkEvidence      = "link_evidence"
	toolForget            = "forget"
	toolRunDecay          = "run_decay"
	toolRunReflection     = "run_reflection"
	toolProcessEvent      = "process_event"
)

// agentSource labels provenance written through this server.
const agentSource = "agent"

const recordURIPrefix = "ledgermind://records/"

// registerTools registers all ledgermind MCP tools with the server.
func (s *Server) registerTools() error {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolRecordDecision,
		Description: "Record a decision, constraint, assumption or proposal about a target. Fails with a conflict listing the active record unless an intent resolves it.",
	}, s.handleRecordDecision)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolSupersedeDecision,
		Description: "Replace active decisions on a target with a new one, keeping the old ones in the history",
	}, s.handleSupersedeDecision)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolSearchDecisions,
		Description: "Search recorded knowledge by keywords and meaning; superseded matches resolve to the current truth",
	}, s.handleSearchDecisions)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolAcceptProposal,
		Description: "Promote a draft proposal to the active decision of its target",
	}, s.handleAcceptProposal)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolRejectProposal,
		Description: "Reject a draft proposal with a reason",
	}, s.handleRejectProposal)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolLinkEvidence,
		Description: "Attach an episodic event to a record as supporting evidence; linked events never expire",
	}, s.handleLinkEvidence)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolForget,
		Description: "Delete a record written by an agent and release its evidence",
	}, s.handleForget)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolRunDecay,
		Description: "Run the decay pass: archive and prune old events, fade and retire unreinforced records",
	}, s.handleRunDecay)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolRunReflection,
		Description: "Run the reflection pass: turn recurring errors and successful action sequences into proposals",
	}, s.handleRunReflection)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        toolProcessEvent,
		Description: "Submit an observation (prompt, action, result, error, note, or a semantic decision) and let the store route it",
	}, s.handleProcessEvent)

	return nil
}

// registerResources registers MCP resources for browsing the store.
func (s *Server) registerResources() error {
	s.server.AddResource(&sdk.Resource{
		URI:         "ledgermind://targets",
		Name:        "ledgermind-targets",
		Description: "Known decision targets. Use these names to avoid recording decisions under near-duplicate targets.",
		MIMEType:    "text/markdown",
	}, s.handleTargetsResource)

	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: recordURIPrefix + "{id}",
		Name:        "ledgermind-record",
		Description: "Full content of a record, including its place in the supersede chain.",
		MIMEType:    "text/markdown",
	}, s.handleRecordResource)

	return nil
}

func (s *Server) handleTargetsResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	var sb strings.Builder
	sb.WriteString("# Known targets\n\n")
	targets := s.mem.Targets()
	if len(targets) == 0 {
		sb.WriteString("No targets recorded yet.\n")
	}
	for _, t := range targets {
		fmt.Fprintf(&sb, "- %s\n", t)
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      req.Params.URI,
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

func (s *Server) handleRecordResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	id, ok := strings.CutPrefix(uri, recordURIPrefix)
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}

	rec, err := s.mem.Get(ctx, id, "audit")
	if err != nil {
		if describe(err) != nil {
			return nil, sdk.ResourceNotFoundError(uri)
		}
		return nil, err
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      uri,
				MIMEType: "text/markdown",
				Text:     renderRecord(rec),
			},
		},
	}, nil
}

func renderRecord(rec *models.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", rec.Title)
	fmt.Fprintf(&sb, "**ID:** %s\n", rec.ID)
	fmt.Fprintf(&sb, "**Target:** %s (%s)\n", rec.Target, rec.Namespace)
	fmt.Fprintf(&sb, "**Kind:** %s, **Status:** %s\n", rec.Kind, rec.Status)
	fmt.Fprintf(&sb, "**Confidence:** %.2f\n", rec.Confidence)
	if rec.SupersededBy != "" {
		fmt.Fprintf(&sb, "**Superseded by:** %s\n", rec.SupersededBy)
	}
	if len(rec.Supersedes) > 0 {
		fmt.Fprintf(&sb, "**Supersedes:** %s\n", strings.Join(rec.Supersedes, ", "))
	}
	if rec.StatusReason != "" {
		fmt.Fprintf(&sb, "**Reason:** %s\n", rec.StatusReason)
	}

	sb.WriteString("\n## Rationale\n\n")
	sb.WriteString(rec.Rationale)
	sb.WriteString("\n")

	if len(rec.Consequences) > 0 {
		sb.WriteString("\n## Consequences\n\n")
		for _, c := range rec.Consequences {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(rec.Alternatives) > 0 {
		sb.WriteString("\n## Competing proposals\n\n")
		for _, a := range rec.Alternatives {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}
	if rec.Body != "" {
		sb.WriteString("\n## Notes\n\n")
		sb.WriteString(rec.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (s *Server) handleRecordDecision(ctx context.Context, req *sdk.CallToolRequest, args RecordDecisionInput) (_ *sdk.CallToolResult, out RecordOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{
			"title": args.Title, "target": args.Target, "rationale": args.Rationale,
			"namespace": args.Namespace, "kind": args.Kind, "evidence": args.Evidence,
		}
		if args.Intent != nil {
			params["resolution"] = args.Intent.Resolution
		}
		s.auditTool(toolRecordDecision, start, outcome(out.Error, retErr), sanitizeToolParams(params), args.Namespace)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolRecordDecision); err != nil {
		return nil, RecordOutput{}, err
	}

	in := memory.DecisionInput{
		Title:        sanitize.Title(args.Title),
		Target:       args.Target,
		Rationale:    sanitize.Content(args.Rationale),
		Namespace:    args.Namespace,
		Kind:         models.RecordKind(args.Kind),
		Confidence:   args.Confidence,
		Consequences: sanitize.Strings(args.Consequences),
		Evidence:     args.Evidence,
		Source:       agentSource,
	}
	rec, err := s.mem.RecordDecision(ctx, in, args.Intent.intent())
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RecordOutput{Error: te}, err
	}
	return nil, RecordOutput{Record: summarize(rec)}, nil
}

func (s *Server) handleSupersedeDecision(ctx context.Context, req *sdk.CallToolRequest, args SupersedeDecisionInput) (_ *sdk.CallToolResult, out RecordOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolSupersedeDecision, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{
			"title": args.Title, "target": args.Target, "rationale": args.Rationale,
			"namespace": args.Namespace, "old_ids": args.OldIDs, "evidence": args.Evidence,
		}), args.Namespace)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolSupersedeDecision); err != nil {
		return nil, RecordOutput{}, err
	}

	in := memory.DecisionInput{
		Title:        sanitize.Title(args.Title),
		Target:       args.Target,
		Rationale:    sanitize.Content(args.Rationale),
		Namespace:    args.Namespace,
		Confidence:   args.Confidence,
		Consequences: sanitize.Strings(args.Consequences),
		Evidence:     args.Evidence,
		Source:       agentSource,
	}
	rec, err := s.mem.SupersedeDecision(ctx, in, args.OldIDs)
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RecordOutput{Error: te}, err
	}
	return nil, RecordOutput{Record: summarize(rec)}, nil
}

func (s *Server) handleSearchDecisions(ctx context.Context, req *sdk.CallToolRequest, args SearchDecisionsInput) (_ *sdk.CallToolResult, out SearchDecisionsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolSearchDecisions, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{
			"query": args.Query, "limit": args.Limit, "mode": args.Mode, "namespace": args.Namespace,
		}), args.Namespace)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolSearchDecisions); err != nil {
		return nil, SearchDecisionsOutput{}, err
	}

	results, err := s.mem.Search(ctx, memory.SearchInput{
		Query:     args.Query,
		Limit:     args.Limit,
		Mode:      args.Mode,
		Namespace: args.Namespace,
	})
	if err != nil {
		te, res, err := toolFailure(err)
		return res, SearchDecisionsOutput{Error: te}, err
	}
	found := hits(results)
	return nil, SearchDecisionsOutput{Results: found, Count: len(found)}, nil
}

func (s *Server) handleAcceptProposal(ctx context.Context, req *sdk.CallToolRequest, args AcceptProposalInput) (_ *sdk.CallToolResult, out RecordOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolAcceptProposal, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{"id": args.ID}), "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolAcceptProposal); err != nil {
		return nil, RecordOutput{}, err
	}

	rec, err := s.mem.AcceptProposal(ctx, args.ID)
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RecordOutput{Error: te}, err
	}
	return nil, RecordOutput{Record: summarize(rec)}, nil
}

func (s *Server) handleRejectProposal(ctx context.Context, req *sdk.CallToolRequest, args RejectProposalInput) (_ *sdk.CallToolResult, out RecordOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolRejectProposal, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{
			"id": args.ID, "reason": args.Reason,
		}), "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolRejectProposal); err != nil {
		return nil, RecordOutput{}, err
	}

	rec, err := s.mem.RejectProposal(ctx, args.ID, sanitize.Content(args.Reason))
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RecordOutput{Error: te}, err
	}
	return nil, RecordOutput{Record: summarize(rec)}, nil
}

func (s *Server) handleLinkEvidence(ctx context.Context, req *sdk.CallToolRequest, args LinkEvidenceInput) (_ *sdk.CallToolResult, out RecordOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolLinkEvidence, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{
			"event_id": args.EventID, "record_id": args.RecordID,
		}), "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolLinkEvidence); err != nil {
		return nil, RecordOutput{}, err
	}

	rec, err := s.mem.LinkEvidence(ctx, args.EventID, args.RecordID)
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RecordOutput{Error: te}, err
	}
	return nil, RecordOutput{Record: summarize(rec)}, nil
}

func (s *Server) handleForget(ctx context.Context, req *sdk.CallToolRequest, args ForgetInput) (_ *sdk.CallToolResult, out ForgetOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolForget, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{
			"id": args.ID, "namespace": args.Namespace,
		}), args.Namespace)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolForget); err != nil {
		return nil, ForgetOutput{}, err
	}

	if err := s.mem.ForgetAsAgent(ctx, args.ID, args.Namespace); err != nil {
		te, res, err := toolFailure(err)
		return res, ForgetOutput{Error: te}, err
	}
	return nil, ForgetOutput{Forgotten: args.ID}, nil
}

func (s *Server) handleRunDecay(ctx context.Context, req *sdk.CallToolRequest, args RunDecayInput) (_ *sdk.CallToolResult, out RunDecayOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolRunDecay, start, outcome(out.Error, retErr), sanitizeToolParams(map[string]any{"dry_run": args.DryRun}), "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolRunDecay); err != nil {
		return nil, RunDecayOutput{}, err
	}

	report, err := s.mem.RunDecay(ctx, args.DryRun)
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RunDecayOutput{Error: te}, err
	}
	return nil, RunDecayOutput{Report: report}, nil
}

func (s *Server) handleRunReflection(ctx context.Context, req *sdk.CallToolRequest, args RunReflectionInput) (_ *sdk.CallToolResult, out RunReflectionOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(toolRunReflection, start, outcome(out.Error, retErr), nil, "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolRunReflection); err != nil {
		return nil, RunReflectionOutput{}, err
	}

	result, err := s.mem.RunReflection(ctx)
	if err != nil {
		te, res, err := toolFailure(err)
		return res, RunReflectionOutput{Error: te}, err
	}
	return nil, RunReflectionOutput{
		Created:  result.Created,
		Updated:  result.Updated,
		Accepted: result.Accepted,
	}, nil
}

func (s *Server) handleProcessEvent(ctx context.Context, req *sdk.CallToolRequest, args ProcessEventInput) (_ *sdk.CallToolResult, out ProcessEventOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{
			"source": args.Source, "kind": args.Kind, "content": args.Content, "context": args.Context,
		}
		if args.Intent != nil {
			params["resolution"] = args.Intent.Resolution
		}
		s.auditTool(toolProcessEvent, start, outcome(out.Error, retErr), sanitizeToolParams(params), "")
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, toolProcessEvent); err != nil {
		return nil, ProcessEventOutput{}, err
	}

	kind := models.EventKind(args.Kind)
	var evCtx models.EventContext
	if len(args.Context) > 0 {
		raw, err := json.Marshal(args.Context)
		if err != nil {
			return nil, ProcessEventOutput{}, err
		}
		evCtx, err = models.ContextFor(kind, raw)
		if err != nil {
			te, res, err := toolFailure(&memory.ValidationError{Field: "context", Reason: err.Error()})
			return res, ProcessEventOutput{Error: te}, err
		}
		evCtx = sanitizeContext(evCtx)
	}

	decision, err := s.mem.ProcessEvent(ctx, memory.EventInput{
		Source:  args.Source,
		Kind:    kind,
		Content: sanitize.Content(args.Content),
		Context: evCtx,
		Intent:  args.Intent.intent(),
	})
	if err != nil {
		te, res, err := toolFailure(err)
		failed := ProcessEventOutput{Error: te}
		if decision != nil {
			failed.StoreType = string(decision.StoreType)
			failed.Reason = decision.Reason
			failed.Metadata = decision.Metadata
		}
		return res, failed, err
	}
	return nil, ProcessEventOutput{
		ShouldPersist: decision.ShouldPersist,
		StoreType:     string(decision.StoreType),
		Reason:        decision.Reason,
		Metadata:      decision.Metadata,
	}, nil
}

// sanitizeContext cleans the free text of semantic contexts, which end up
// in records returned to other agents.
func sanitizeContext(c models.EventContext) models.EventContext {
	switch c := c.(type) {
	case models.DecisionContext:
		c.Title = sanitize.Title(c.Title)
		c.Rationale = sanitize.Content(c.Rationale)
		c.Consequences = sanitize.Strings(c.Consequences)
		return c
	case models.ProposalContext:
		c.Title = sanitize.Title(c.Title)
		c.Rationale = sanitize.Content(c.Rationale)
		return c
	}
	return c
}
