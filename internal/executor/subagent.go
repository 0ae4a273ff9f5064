// Package executor provides task execution implementations.
package executor

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/tarkshell/tark/internal/agent"
	"github.com/tarkshell/tark/internal/approval"
	"github.com/tarkshell/tark/internal/convo"
	"github.com/tarkshell/tark/internal/event"
	"github.com/tarkshell/tark/internal/permission"
	"github.com/tarkshell/tark/internal/policy"
	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/session"
	"github.com/tarkshell/tark/internal/tool"
)

// SubagentExecutor implements tool.TaskExecutor to run subagent tasks: it
// builds a fresh, in-memory convo.Context and session.Loop per task and
// runs it to completion, sharing the parent's policy/approval/provider/
// tool stack rather than spinning up a second one.
type SubagentExecutor struct {
	providerRegistry *provider.Registry
	toolRegistry     *tool.Registry
	agentRegistry    *agent.Registry
	policyEngine     *policy.Engine
	gate             *approval.Gate
	bus              *event.Bus
	workDir          string

	defaultProviderID string
	defaultModelID    string
	trustID           string
}

// SubagentExecutorConfig holds configuration for creating a SubagentExecutor.
type SubagentExecutorConfig struct {
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	AgentRegistry     *agent.Registry
	Policy            *policy.Engine
	Gate              *approval.Gate
	Bus               *event.Bus
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string
	TrustID           string
}

// NewSubagentExecutor creates a new SubagentExecutor.
func NewSubagentExecutor(cfg SubagentExecutorConfig) *SubagentExecutor {
	trustID := cfg.TrustID
	if trustID == "" {
		trustID = "careful"
	}
	return &SubagentExecutor{
		providerRegistry:  cfg.ProviderRegistry,
		toolRegistry:      cfg.ToolRegistry,
		agentRegistry:     cfg.AgentRegistry,
		policyEngine:      cfg.Policy,
		gate:              cfg.Gate,
		bus:               cfg.Bus,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
		trustID:           trustID,
	}
}

// ExecuteSubtask implements tool.TaskExecutor.ExecuteSubtask. It runs one
// self-contained agent-loop turn for the named subagent and prompt, and
// returns its committed text as the task's output. A subtask never shares
// the parent's convo.Context: each is a stateless, single-turn run, per
// the Task tool's own "each agent invocation is stateless" contract.
func (e *SubagentExecutor) ExecuteSubtask(
	ctx context.Context,
	parentSessionID string,
	agentName string,
	prompt string,
	opts tool.TaskOptions,
) (*tool.TaskResult, error) {
	agentConfig, err := e.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentName, err)
	}
	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("agent %s cannot be used as subagent (mode: %s)", agentName, agentConfig.Mode)
	}

	childSessionID := ulid.Make().String()
	sessionAgent := convertToSessionAgent(agentConfig)

	providerID, modelID := e.resolveModel(opts.Model)
	p, err := e.providerRegistry.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("subagent provider %s unavailable: %w", providerID, err)
	}

	childConvo := convo.New(0, 0)
	childConvo.UpdateSystemPrompt(session.NewSystemPrompt(e.workDir, sessionAgent, providerID, modelID).Build())
	childConvo.AddUser(prompt)

	loop := &session.Loop{
		Provider:   p,
		ModelID:    modelID,
		Tools:      e.toolRegistry,
		Policy:     e.policyEngine,
		Classifier: policy.NewClassifier(e.workDir),
		Gate:       e.gate,
		LoopGuard:  approval.NewCallLoopDetector(),
		DupTracker: approval.NewDuplicateTracker(),
		Bus:        e.bus,

		MaxIterations: sessionAgent.MaxIterations,

		SessionID: childSessionID,
		WorkDir:   e.workDir,
		ModeID:    sessionAgent.ModeID,
		TrustID:   e.trustID,
	}

	result := loop.Run(ctx, ulid.Make().String(), childConvo, nil)
	if result.Status == "error" {
		return &tool.TaskResult{
			Output:    fmt.Sprintf("Error executing subtask: %v", result.Err),
			SessionID: childSessionID,
			Error:     errString(result.Err),
			Metadata: map[string]any{
				"parentSessionID": parentSessionID,
			},
		}, nil
	}

	return &tool.TaskResult{
		Output:    result.Text,
		SessionID: childSessionID,
		AgentID:   agentName,
		Metadata: map[string]any{
			"parentSessionID": parentSessionID,
			"iterations":      result.Iterations,
		},
	}, nil
}

// resolveModel resolves provider and model IDs from the options.
func (e *SubagentExecutor) resolveModel(modelOption string) (providerID, modelID string) {
	providerID = e.defaultProviderID
	modelID = e.defaultModelID

	switch modelOption {
	case "sonnet":
		modelID = "claude-sonnet-4-20250514"
	case "opus":
		modelID = "claude-opus-4-20250514"
	case "haiku":
		modelID = "claude-haiku-3-20240307"
	}

	return providerID, modelID
}

// convertToSessionAgent maps an internal/agent.Agent (the subagent
// registry's definition, with its teacher-era per-permission-type string
// grants) onto a session.Agent, whose single ModeID field the policy
// engine resolves instead. A subagent whose Edit/Bash permissions are
// both unrestricted gets "build"; one that only asks gets "ask"; anything
// else (deny-by-default) gets the read-only "plan" mode.
func convertToSessionAgent(a *agent.Agent) *session.Agent {
	var enabledTools, disabledTools []string
	wildcardEnabled := false
	wildcardSet := false
	for name, enabled := range a.Tools {
		if name == "*" {
			wildcardSet = true
			wildcardEnabled = enabled
			continue
		}
		if enabled {
			enabledTools = append(enabledTools, name)
		} else {
			disabledTools = append(disabledTools, name)
		}
	}
	if wildcardSet && wildcardEnabled {
		enabledTools = nil
	}

	bashAsks := false
	for _, action := range a.Permission.Bash {
		if action == permission.ActionAsk {
			bashAsks = true
			break
		}
	}

	modeID := "plan"
	switch {
	case a.Permission.Edit == permission.ActionAllow && allowsAllBash(a.Permission.Bash):
		modeID = "build"
	case a.Permission.Edit == permission.ActionAsk || bashAsks:
		modeID = "ask"
	}

	return &session.Agent{
		Name:          a.Name,
		Prompt:        a.Prompt,
		Temperature:   a.Temperature,
		TopP:          a.TopP,
		MaxIterations: session.DefaultMaxIterations,
		ModeID:        modeID,
		Tools:         enabledTools,
		DisabledTools: disabledTools,
	}
}

func allowsAllBash(rules map[string]permission.PermissionAction) bool {
	if len(rules) == 0 {
		return false
	}
	for _, action := range rules {
		if action != permission.ActionAllow {
			return false
		}
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
