package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tarkshell/tark/internal/agent"
	"github.com/tarkshell/tark/internal/approval"
	"github.com/tarkshell/tark/internal/command"
	"github.com/tarkshell/tark/internal/config"
	"github.com/tarkshell/tark/internal/convo"
	"github.com/tarkshell/tark/internal/event"
	"github.com/tarkshell/tark/internal/executor"
	"github.com/tarkshell/tark/internal/plugin"
	"github.com/tarkshell/tark/internal/policy"
	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/remote"
	"github.com/tarkshell/tark/internal/service"
	"github.com/tarkshell/tark/internal/session"
	"github.com/tarkshell/tark/internal/storage"
	"github.com/tarkshell/tark/internal/tool"
)

var (
	runModel   string
	runAgent   string
	runMode    string
	runTrust   string
	runMessage string
	runDir     string
	runRemote  bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Start an interactive tark session",
	Long: `Start an interactive tark session, wiring the configured provider and
tool registry through the policy engine and approval gate.

Examples:
  tark run "Fix the bug in main.go"
  tark run --model anthropic/claude-sonnet-4 "Explain this code"
  tark run --mode plan "Describe how auth.go works"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "default", "Agent to use")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Policy mode override (ask|plan|build)")
	runCmd.Flags().StringVar(&runTrust, "trust", "careful", "Trust level for policy decisions")
	runCmd.Flags().StringVar(&runMessage, "message", "", "Message to send (defaults to the positional args joined)")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().BoolVar(&runRemote, "register", false, "Register this session with the remote session registry")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runModel != "" {
		appConfig.Model = runModel
	} else if GetGlobalModel() != "" {
		appConfig.Model = GetGlobalModel()
	}

	message := runMessage
	if message == "" {
		message = strings.Join(args, " ")
	}
	if message == "" {
		return fmt.Errorf("message required. Usage: tark run \"your message\"")
	}

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	providerID, modelID := provider.ParseModelString(appConfig.Model)
	p, err := providerReg.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider %s unavailable: %w", providerID, err)
	}

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)

	workspaceDir := filepath.Join(workDir, ".tark")
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	policyEngine, err := policy.Open(filepath.Join(workspaceDir, "policy.db"))
	if err != nil {
		return fmt.Errorf("failed to open policy engine: %w", err)
	}
	defer policyEngine.Close()
	classifier := policy.NewClassifier(workDir)

	approvalStore, err := approval.OpenStore(workspaceDir)
	if err != nil {
		return fmt.Errorf("failed to open approval store: %w", err)
	}
	gate := approval.NewGate(approvalStore)

	bus := event.NewBus()

	pluginHost, err := plugin.NewHost(ctx)
	if err != nil {
		return fmt.Errorf("failed to start plugin host: %w", err)
	}
	defer pluginHost.Close(ctx)
	loadedPlugins, err := loadPlugins(ctx, pluginHost, workDir, newHostServices(store))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	for _, inst := range loadedPlugins {
		defer inst.Close(ctx)
	}

	agentReg := agent.NewRegistry()
	agentReg.LoadFromConfig(appConfig.Agent)
	agentCfg, err := agentReg.Get(runAgent)
	if err != nil {
		return fmt.Errorf("agent not found: %s: %w", runAgent, err)
	}

	sessionAgent := buildSessionAgent(agentCfg, runMode)

	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		AgentRegistry:     agentReg,
		Policy:            policyEngine,
		Gate:              gate,
		Bus:               bus,
		WorkDir:           workDir,
		DefaultProviderID: providerID,
		DefaultModelID:    modelID,
		TrustID:           runTrust,
	}))

	convoCtx := convo.New(0, 0)
	convoCtx.UpdateSystemPrompt(session.NewSystemPrompt(workDir, sessionAgent, providerID, modelID).Build())

	sessionID := fmt.Sprintf("sess_%d", os.Getpid())

	loop := &session.Loop{
		Provider:   p,
		ModelID:    modelID,
		Tools:      toolReg,
		Policy:     policyEngine,
		Classifier: classifier,
		Gate:       gate,
		LoopGuard:  approval.NewCallLoopDetector(),
		DupTracker: approval.NewDuplicateTracker(),
		Bus:        bus,

		MaxIterations: sessionAgent.MaxIterations,

		SessionID: sessionID,
		WorkDir:   workDir,
		ModeID:    sessionAgent.ModeID,
		TrustID:   runTrust,
	}

	conversation := service.New(convoCtx, loop, bus)
	conversation.SetCommandExecutor(command.NewExecutor(workDir, appConfig))

	unsubscribeText := bus.Subscribe(event.LlmTextChunk, func(evt event.Event) {
		if data, ok := evt.Data.(event.LlmTextChunkData); ok {
			fmt.Print(data.Text)
		}
	})
	defer unsubscribeText()

	unsubscribeTool := bus.Subscribe(event.ToolStarted, func(evt event.Event) {
		if data, ok := evt.Data.(event.ToolStartedData); ok {
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", data.Name)
		}
	})
	defer unsubscribeTool()

	unsubscribeApproval := bus.Subscribe(event.PermissionRequired, func(evt event.Event) {
		req, ok := evt.Data.(approval.Request)
		if !ok {
			return
		}
		gate.Respond(bus, req.ID, promptApproval(req))
	})
	defer unsubscribeApproval()

	var registry *remote.Registry
	if runRemote {
		registry, err = remote.Open(paths.Data)
		if err != nil {
			return fmt.Errorf("failed to open remote registry: %w", err)
		}
		runtimeID := fmt.Sprintf("run_%d", os.Getpid())
		ok, err := registry.TryMarkRunning(sessionID, runtimeID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to register session: %w", err)
		}
		if !ok {
			return fmt.Errorf("session %s is already running elsewhere", sessionID)
		}
		defer registry.MarkStatus(sessionID, runtimeID, "idle")
	}

	fmt.Printf("Session %s (%s/%s, mode=%s, trust=%s)\n", sessionID, providerID, modelID, sessionAgent.ModeID, runTrust)
	fmt.Println()

	if err := conversation.SendMessage(ctx, message); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	for conversation.Processing() {
		select {
		case <-ctx.Done():
			conversation.InterruptAndReset()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	fmt.Println()

	if result := conversation.LastResult(); result.Status == "error" {
		return fmt.Errorf("processing error: %v", result.Err)
	}

	return nil
}

// buildSessionAgent maps an internal/agent.Agent onto the session.Agent the
// loop runs under. The mode is the --mode override when one is given and
// "build" otherwise; the agent's permissions are not consulted.
func buildSessionAgent(a *agent.Agent, modeOverride string) *session.Agent {
	var enabled, disabled []string
	wildcardSet, wildcardEnabled := false, false
	for name, on := range a.Tools {
		if name == "*" {
			wildcardSet, wildcardEnabled = true, on
			continue
		}
		if on {
			enabled = append(enabled, name)
		} else {
			disabled = append(disabled, name)
		}
	}
	if wildcardSet && wildcardEnabled {
		enabled = nil
	}

	modeID := modeOverride
	if modeID == "" {
		modeID = "build"
	}

	return &session.Agent{
		Name:          a.Name,
		Prompt:        a.Prompt,
		Temperature:   a.Temperature,
		TopP:          a.TopP,
		MaxIterations: session.DefaultMaxIterations,
		ModeID:        modeID,
		Tools:         enabled,
		DisabledTools: disabled,
	}
}

// loadPlugins discovers and loads every plugin.toml under
// <workDir>/.opencode/plugin/*/plugin.toml into host.
func loadPlugins(ctx context.Context, host *plugin.Host, workDir string, services plugin.HostServices) ([]*plugin.Instance, error) {
	pluginDir := filepath.Join(workDir, ".opencode", "plugin")
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list plugin directory: %w", err)
	}

	var instances []*plugin.Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestDir := filepath.Join(pluginDir, entry.Name())
		manifestPath := filepath.Join(manifestDir, "plugin.toml")
		manifest, err := plugin.LoadManifest(manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping plugin %s: %v\n", entry.Name(), err)
			continue
		}
		inst, err := host.Load(ctx, manifest, manifestDir, services)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load plugin %s: %v\n", entry.Name(), err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// promptApproval asks the user on stdin/stdout how to answer a pending
// tool-call approval request.
func promptApproval(req approval.Request) approval.Response {
	fmt.Printf("\n[approval] %s wants to run: %s (%s)\n", req.Tool, req.Command, req.Title)
	fmt.Print("Approve? [y]es-once / [s]ession / [a]lways / [n]o / N[ever]: ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "s", "session":
		return approval.Response{RequestID: req.ID, Choice: approval.ChoiceApproveSession}
	case "a", "always":
		pattern := req.SuggestedPatterns[0]
		if len(req.SuggestedPatterns) > 1 {
			pattern = req.SuggestedPatterns[1]
		}
		return approval.Response{RequestID: req.ID, Choice: approval.ChoiceApproveAlways, SelectedPattern: pattern}
	case "n", "no":
		return approval.Response{RequestID: req.ID, Choice: approval.ChoiceDeny}
	case "never":
		return approval.Response{RequestID: req.ID, Choice: approval.ChoiceDenyAlways, SelectedPattern: req.SuggestedPatterns[0]}
	default:
		return approval.Response{RequestID: req.ID, Choice: approval.ChoiceApproveOnce}
	}
}
