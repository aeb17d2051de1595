// Package athanor is the core of a multi-tenant conversational backend: a
// bounded agent orchestration loop, a validated tool executor, a quota and
// tier policy gate, streaming transport, and a multi-agent council
// deliberation engine.
//
// The engine is library-first. Provider adapters live under provider/,
// storage substrates under store/, and the HTTP surface under
// internal/server; the root package holds the contracts and the loop.
//
// A minimal wiring looks like:
//
//	st := sqlite.New("athanor.db")
//	reg := athanor.NewRegistry()
//	_ = reg.Register(calc.Tool())
//	pol := athanor.NewPolicy(tiers, nil)
//	quota := athanor.NewQuota(st, pol)
//	exec := athanor.NewExecutor(reg, bus, st)
//	orch := athanor.NewOrchestrator(st, reg, exec, quota, pol,
//		athanor.WithProvider("anthropic", anthropic.New(key)),
//		athanor.WithDefaultProvider("anthropic"),
//		athanor.WithAgents(catalog),
//	)
//
// A chat request then runs end to end with orch.Run, streaming events into a
// Subscription that ServeSSE drains to the client.
package athanor
