// Package agent runs bounded tool-calling turns against an LLM provider.
//
// Invariants:
// - A turn makes at most MaxIterations model calls, then ends Degraded.
// - Every tool message answers a tool call of an earlier assistant message.
// - Tool failures are handed back to the model; only model failures and
//   cancellation end a turn early.
// - Tool calls route through toolexecutor only.
//
// Usage:
//
//	chain, _ := agent.NewProviderChainFromProfiles(logger, profiles)
//	loop, _ := agent.NewLoop(agent.Config{Provider: chain, Tools: registry, Logger: logger})
//	result, err := loop.RunTurn(ctx, []agent.Message{{Role: agent.RoleUser, Content: "hello"}})
//	_, _ = result, err
package agent
