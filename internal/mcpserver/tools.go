package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sentinelgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRecentThreats = mcp.NewTool("recent_threats",
	mcp.WithDescription(
		"List the most recent throttled or blocked requests recorded by the gateway, newest first. "+
			"Each entry names the user, the attack type (high_frequency, repetitive_probing, "+
			"instruction_override or elevated_score), the suspicion score and the ledger reference if anchored."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20, max 1000)")),
	mcp.WithString("attack_type",
		mcp.Description("Only return entries with this attack type"),
		mcp.Enum("high_frequency", "repetitive_probing", "instruction_override", "elevated_score")),
)

var ToolSystemHistory = mcp.NewTool("system_history",
	mcp.WithDescription(
		"List recent prompts seen by the gateway with the decision made for each "+
			"(forwarded, throttled or blocked) and the score before and after. Newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to fetch (default 20, max 1000)")),
	mcp.WithString("user_id",
		mcp.Description("Only show entries for this user")),
)

var ToolListUsers = mcp.NewTool("list_users",
	mcp.WithDescription(
		"List recently active users with their suspicion score and verification status, "+
			"most recently seen first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of users to fetch (default 20, max 1000)")),
	mcp.WithNumber("min_score",
		mcp.Description("Only show users whose suspicion score is at least this value (0 to 1)")),
)

var ToolInspectUser = mcp.NewTool("inspect_user",
	mcp.WithDescription(
		"Show one user's full state: suspicion score, rate estimate, verification status "+
			"and their recent prompts. Use this to investigate a flagged user."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID as sent by the upstream identity layer")),
)

var ToolVerifyUser = mcp.NewTool("verify_user",
	mcp.WithDescription(
		"Record that a user completed human verification. Their suspicion score is lowered "+
			"to the configured floor and future score increases are dampened. "+
			"Only use this when verification actually happened."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID to mark as verified")),
)

var ToolGatewayHealth = mcp.NewTool("gateway_health",
	mcp.WithDescription(
		"Check gateway health including storage and audit trail status."),
)
