// Package approval implements the user-facing approval gate: pattern-based
// session/persistent approvals and denials, and the channel-based prompt
// protocol a terminal frontend answers.
package approval

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/tarkshell/tark/internal/event"
)

// MatchType is how a saved pattern is compared against a future command.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchGlob   MatchType = "glob"
)

// Pattern is one saved approval or denial rule.
type Pattern struct {
	Tool      string    `json:"tool"`
	Pattern   string    `json:"pattern"`
	MatchType MatchType `json:"matchType"`
}

func (p Pattern) matches(command string) bool {
	switch p.MatchType {
	case MatchExact:
		return p.Pattern == command
	case MatchPrefix:
		return strings.HasPrefix(command, p.Pattern)
	case MatchGlob:
		ok, err := filepath.Match(p.Pattern, command)
		return err == nil && ok
	default:
		return false
	}
}

// Status is the outcome of a Check call.
type Status int

const (
	StatusApproved Status = iota
	StatusDenied
	StatusBlocked
)

// Request is sent to the approval frontend when a decision needs a user.
type Request struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionID"`
	Tool              string    `json:"tool"`
	Command           string    `json:"command"`
	Title             string    `json:"title"`
	SuggestedPatterns []Pattern `json:"suggestedPatterns"`
}

// Choice is the user's answer to a Request.
type Choice string

const (
	ChoiceApproveOnce    Choice = "once"
	ChoiceApproveSession Choice = "session"
	ChoiceApproveAlways  Choice = "always"
	ChoiceDeny           Choice = "deny"
	ChoiceDenyAlways     Choice = "deny_always"
)

// Response answers a pending Request.
type Response struct {
	RequestID       string  `json:"requestID"`
	Choice          Choice  `json:"choice"`
	SelectedPattern Pattern `json:"selectedPattern,omitempty"`
}

// RejectedError is returned from Check when the call is denied or blocked.
type RejectedError struct {
	SessionID string
	Tool      string
	Command   string
	Blocked   bool
	Message   string
}

func (e *RejectedError) Error() string { return e.Message }

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// Gate is the approval gate: session-scoped approvals/denials plus a
// persistent store shared across sessions in the same workspace.
type Gate struct {
	mu               sync.Mutex
	sessionApprovals map[string][]Pattern // sessionID -> patterns
	sessionDenials   map[string][]Pattern
	store            *Store
	pending          map[string]chan Response
}

// NewGate creates a gate backed by store (may be nil for a memory-only gate).
func NewGate(store *Store) *Gate {
	return &Gate{
		sessionApprovals: make(map[string][]Pattern),
		sessionDenials:   make(map[string][]Pattern),
		store:            store,
		pending:          make(map[string]chan Response),
	}
}

// Check runs the approval precedence chain: denials first, then session
// approvals, then persistent approvals, then (if still undecided) a prompt
// to the user via the event bus. needsApproval being false short-circuits
// to approved before any pattern lookup, mirroring a trust level that
// doesn't gate this risk at all.
func (g *Gate) Check(ctx context.Context, bus *event.Bus, sessionID, tool, command, title string, needsApproval, allowSavePattern bool) error {
	if !needsApproval {
		return nil
	}

	g.mu.Lock()
	if g.matchesLocked(g.sessionDenials[sessionID], command) || (g.store != nil && g.store.matchesDenial(tool, command)) {
		g.mu.Unlock()
		return &RejectedError{SessionID: sessionID, Tool: tool, Command: command, Blocked: true, Message: "blocked by a denial pattern"}
	}
	if g.matchesLocked(g.sessionApprovals[sessionID], command) {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	if g.store != nil && g.store.matchesApproval(tool, command) {
		return nil
	}

	req := Request{
		ID:                ulid.Make().String(),
		SessionID:         sessionID,
		Tool:              tool,
		Command:           command,
		Title:             title,
		SuggestedPatterns: SuggestPatterns(tool, command),
	}

	respCh := make(chan Response, 1)
	g.mu.Lock()
	g.pending[req.ID] = respCh
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if bus != nil {
		bus.Publish(event.Event{Type: event.PermissionRequired, Data: req})
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-respCh:
		return g.handleResponse(sessionID, tool, command, resp, allowSavePattern)
	}
}

func (g *Gate) matchesLocked(patterns []Pattern, command string) bool {
	for _, p := range patterns {
		if p.matches(command) {
			return true
		}
	}
	return false
}

func (g *Gate) handleResponse(sessionID, tool, command string, resp Response, allowSavePattern bool) error {
	switch resp.Choice {
	case ChoiceApproveOnce:
		return nil
	case ChoiceApproveSession:
		g.mu.Lock()
		g.sessionApprovals[sessionID] = append(g.sessionApprovals[sessionID], choicePattern(resp, tool, command))
		g.mu.Unlock()
		return nil
	case ChoiceApproveAlways:
		if allowSavePattern && g.store != nil {
			if err := g.store.AddApproval(choicePattern(resp, tool, command)); err != nil {
				return err
			}
		}
		return nil
	case ChoiceDeny:
		return &RejectedError{SessionID: sessionID, Tool: tool, Command: command, Message: "denied by user"}
	case ChoiceDenyAlways:
		if allowSavePattern && g.store != nil {
			if err := g.store.AddDenial(choicePattern(resp, tool, command)); err != nil {
				return err
			}
		}
		return &RejectedError{SessionID: sessionID, Tool: tool, Command: command, Message: "denied by user"}
	default:
		return &RejectedError{SessionID: sessionID, Tool: tool, Command: command, Message: "unrecognized approval choice"}
	}
}

func choicePattern(resp Response, tool, command string) Pattern {
	if resp.SelectedPattern.Pattern != "" {
		return resp.SelectedPattern
	}
	return Pattern{Tool: tool, Pattern: command, MatchType: MatchExact}
}

// Respond delivers a user's answer to a pending request.
func (g *Gate) Respond(bus *event.Bus, requestID string, resp Response) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if ok {
		resp.RequestID = requestID
		ch <- resp
	}
	if bus != nil {
		bus.Publish(event.Event{Type: event.PermissionResolved, Data: event.PermissionResolvedData{
			ID:      requestID,
			Granted: resp.Choice != ChoiceDeny && resp.Choice != ChoiceDenyAlways,
		}})
	}
}

// SetStore swaps the gate's persistent pattern store, used when a
// conversation changes which workspace's approvals.json backs it.
func (g *Gate) SetStore(store *Store) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store = store
}

// ClearSession drops all session-scoped approvals/denials for a session.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessionApprovals, sessionID)
	delete(g.sessionDenials, sessionID)
}

// SuggestPatterns builds the pattern suggestions offered alongside a
// Request: the exact command, a two-word prefix, and (for recognized
// shapes) a glob.
func SuggestPatterns(tool, command string) []Pattern {
	suggestions := []Pattern{{Tool: tool, Pattern: command, MatchType: MatchExact}}

	if prefix := suggestPrefix(command); prefix != "" {
		suggestions = append(suggestions, Pattern{Tool: tool, Pattern: prefix, MatchType: MatchPrefix})
	}
	if glob := suggestGlob(tool, command); glob != "" {
		suggestions = append(suggestions, Pattern{Tool: tool, Pattern: glob, MatchType: MatchGlob})
	}
	return suggestions
}

func suggestPrefix(command string) string {
	parts := strings.Fields(command)
	switch {
	case len(parts) >= 2:
		return parts[0] + " " + parts[1]
	case len(parts) == 1:
		return parts[0]
	default:
		return ""
	}
}

func suggestGlob(tool, command string) string {
	switch tool {
	case "bash":
		switch {
		case strings.HasPrefix(command, "rm "):
			file := strings.TrimSpace(strings.TrimPrefix(command, "rm "))
			if ext := filepath.Ext(file); ext != "" {
				return "rm *" + ext
			}
			return ""
		case strings.HasPrefix(command, "git "):
			parts := strings.Fields(command)
			if len(parts) >= 2 {
				return parts[0] + " " + parts[1] + " *"
			}
			return ""
		default:
			return ""
		}
	case "write", "edit":
		dir := filepath.Dir(command)
		if dir == "." {
			return ""
		}
		return dir + "/*"
	default:
		return ""
	}
}
