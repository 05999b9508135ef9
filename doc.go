// Package codebroker is a multi-tenant execution broker for agent-generated
// programs.
//
// Agent programs run inside sandbox runtimes registered with the client.
// Every externally visible effect of a program flows through the broker as a
// tool call, where it is subject to workspace policy, credential injection
// and human approval, and is recorded on the task's ordered event log.
//
// # Architecture
//
//   - Tasks: one sandboxed execution of submitted code, moving
//     queued -> running -> {completed, failed, timed_out, denied}.
//   - Tool registry: workspace tool sources (MCP, OpenAPI, Postman, GraphQL)
//     compiled into a flat catalog, cached by a signature over the sources.
//   - Pipeline: policy decision, credential resolution, approval gate,
//     dispatch and audit events for each tool call.
//   - Event log: a contiguous, monotone per-task audit stream.
//
// # Usage
//
//	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := postgres.Migrate(ctx, pool); err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := codebroker.NewClient(postgres.New(pool), nil,
//	    codebroker.WithRuntime("node", nodeSandbox),
//	    codebroker.WithLogger(log.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	task, err := client.CreateTask(ctx, &storage.CreateTaskParams{
//	    WorkspaceID: "acme",
//	    ActorID:     "agent-7",
//	    RuntimeID:   "node",
//	    Code:        program,
//	    TimeoutMs:   30_000,
//	})
//
// The in-memory store (package storage/memory) serves tests and embedded
// single-process deployments with the same semantics.
package codebroker
