package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/sentinelgate/internal/admission"
	"github.com/mbd888/sentinelgate/internal/apiclient"
	"github.com/mbd888/sentinelgate/internal/audit"
)

const (
	defaultLimit  = 20
	maxPromptShow = 120
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleRecentThreats lists the threat log.
func (h *Handlers) HandleRecentThreats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	attackType := req.GetString("attack_type", "")

	threats, err := h.client.RecentThreats(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch threat log: %v", err)), nil
	}

	if attackType != "" {
		filtered := threats[:0]
		for _, t := range threats {
			if t.AttackType == attackType {
				filtered = append(filtered, t)
			}
		}
		threats = filtered
	}

	return mcp.NewToolResultText(formatThreats(threats)), nil
}

// HandleSystemHistory lists recent decisions.
func (h *Handlers) HandleSystemHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	userID := req.GetString("user_id", "")

	entries, err := h.client.RecentQueries(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch system history: %v", err)), nil
	}

	if userID != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.UserID == userID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	return mcp.NewToolResultText(formatQueries(entries)), nil
}

// HandleListUsers lists recently active users.
func (h *Handlers) HandleListUsers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	minScore := req.GetFloat("min_score", 0)

	users, err := h.client.ListUsers(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list users: %v", err)), nil
	}

	filtered := users[:0]
	for _, u := range users {
		if u.SuspicionScore >= minScore {
			filtered = append(filtered, u)
		}
	}

	return mcp.NewToolResultText(formatUsers(filtered)), nil
}

// HandleInspectUser shows one user's state.
func (h *Handlers) HandleInspectUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	user, err := h.client.GetUser(ctx, userID)
	if apiclient.IsNotFound(err) {
		return mcp.NewToolResultText(fmt.Sprintf("No state recorded for user %q.", userID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get user: %v", err)), nil
	}

	return mcp.NewToolResultText(formatUser(user)), nil
}

// HandleVerifyUser records a human verification.
func (h *Handlers) HandleVerifyUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	user, err := h.client.VerifyUser(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify user: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"User %s verified.\nSuspicion score is now %.3f.", user.UserID, user.SuspicionScore)), nil
}

// HandleGatewayHealth returns /health.
func (h *Handlers) HandleGatewayHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check health: %v", err)), nil
	}

	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format health: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// --- Formatting ---

func formatThreats(threats []*audit.ThreatEntry) string {
	if len(threats) == 0 {
		return "No threats recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d threat(s):\n\n", len(threats))
	for i, t := range threats {
		fmt.Fprintf(&sb, "%d. %s  %s  user=%s  tier=%s  score=%.3f\n",
			i+1, stamp(t.Timestamp), t.AttackType, t.UserID, t.Tier, t.Score)
		if t.LedgerReference != "" {
			fmt.Fprintf(&sb, "   ledger: %s\n", t.LedgerReference)
		}
	}
	return sb.String()
}

func formatQueries(entries []*audit.QueryEntry) string {
	if len(entries) == 0 {
		return "No queries recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d query(s):\n\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s  %s  user=%s  score %.3f -> %.3f\n",
			i+1, stamp(e.Timestamp), e.ResponseType, e.UserID, e.ScoreBefore, e.ScoreAfter)
		fmt.Fprintf(&sb, "   %q\n", truncate(e.Prompt, maxPromptShow))
	}
	return sb.String()
}

func formatUsers(users []*admission.UserState) string {
	if len(users) == 0 {
		return "No users found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d user(s):\n\n", len(users))
	for i, u := range users {
		verified := ""
		if u.IsHumanVerified {
			verified = " (verified)"
		}
		fmt.Fprintf(&sb, "%d. %s%s  score=%.3f  last seen %s\n",
			i+1, u.UserID, verified, u.SuspicionScore, stamp(u.LastSeen))
	}
	return sb.String()
}

func formatUser(u *admission.UserState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\n", u.UserID)
	fmt.Fprintf(&sb, "  Suspicion score: %.3f\n", u.SuspicionScore)
	fmt.Fprintf(&sb, "  Rate estimate:   %.3f\n", u.RateEstimate)
	fmt.Fprintf(&sb, "  Human verified:  %t\n", u.IsHumanVerified)
	if u.VerifiedAt != nil {
		fmt.Fprintf(&sb, "  Verified at:     %s\n", stamp(*u.VerifiedAt))
	}
	fmt.Fprintf(&sb, "  Last seen:       %s\n", stamp(u.LastSeen))

	if len(u.RecentPrompts) > 0 {
		fmt.Fprintf(&sb, "\nRecent prompts (%d):\n", len(u.RecentPrompts))
		for i := len(u.RecentPrompts) - 1; i >= 0; i-- {
			p := u.RecentPrompts[i]
			fmt.Fprintf(&sb, "  %s  %q\n", stamp(p.At), truncate(p.Text, maxPromptShow))
		}
	}
	return sb.String()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
