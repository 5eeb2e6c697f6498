// Package mcp exposes pipeline control as MCP tools over stdio.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the coordinator and gate manager directly. Tools cover task
// creation, status, gate decisions, cancellation and review issue
// resolution, plus tool_search for discovery. Free text in responses is
// scrubbed for secrets before it is returned to clients.
package mcp
