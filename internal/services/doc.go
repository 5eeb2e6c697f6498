// Package services assembles the shipline components from configuration.
//
// Build connects the shared infrastructure (NATS, the ledger store, the
// event broadcaster, Temporal) and wires the gate manager, reasoning
// adapter, tool registry, agentic loop and coordinator on top of it. The
// returned Registry exposes each component through an accessor and owns
// their shutdown. The serve, mcp and worker commands all start from one
// Registry.
package services
