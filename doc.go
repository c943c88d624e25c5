// Package forge is a coordination kernel for small distributed systems
// that share a single PostgreSQL database. A fleet of identical nodes
// gets background jobs with retries, cron schedules with exactly-once
// claims, durable workflows with replay and compensation, live queries
// pushed over WebSockets, and leader election - all coordinated through
// the database, with no separate broker or control plane.
//
// # Quick Start
//
// Create a node with forge.New(), register work, and call Run() to join
// the cluster:
//
//	app := forge.New(
//	    forge.WithConfigFile("forge.yaml"),
//	    forge.WithTask[ResizeArgs](&resizeTask{}),
//	    forge.WithCron("nightly-report", "0 2 * * *", "UTC", runReport),
//	    forge.WithWorkflow("onboard", 1, onboardWorkflow),
//	    forge.WithQuery("list_orders", listOrders),
//	)
//
//	if err := app.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// Every node runs the same binary; the roles in its configuration decide
// which engines start. A node with the scheduler role competes for
// leadership per role, so crons and workflow wake-ups fire exactly once
// across the fleet.
//
// # Tasks
//
// Tasks are typed handlers picked up from the durable queue:
//
//	type resizeTask struct{}
//
//	func (resizeTask) Name() string { return "resize_image" }
//
//	func (resizeTask) Handle(ctx context.Context, args ResizeArgs) (any, error) {
//	    return resize(ctx, args.URL, args.Width)
//	}
//
//	id, err := app.Dispatch(ctx, "resize_image", ResizeArgs{URL: u, Width: 800},
//	    forge.JobMaxAttempts(5),
//	    forge.JobIdempotencyKey(u),
//	)
//
// # Workflows
//
// Workflow functions journal each step so a crashed run resumes on
// another node without repeating completed work:
//
//	func onboardWorkflow(wc *forge.WorkflowContext, in OnboardInput) (OnboardResult, error) {
//	    user, err := forge.Step(wc, "create_user", func(ctx context.Context) (User, error) {
//	        return createUser(ctx, in)
//	    }, forge.WithCompensation(deleteUser))
//	    if err != nil {
//	        return OnboardResult{}, err
//	    }
//
//	    if err := wc.Sleep(24 * time.Hour); err != nil {
//	        return OnboardResult{}, err
//	    }
//
//	    payload, err := wc.WaitForEvent("plan_chosen", 72*time.Hour)
//	    ...
//	}
//
// Sleep and WaitForEvent suspend the run without holding a goroutine;
// user code propagates their errors unchanged.
//
// # Live Queries
//
// Queries registered with WithQuery can be subscribed to over the
// WebSocket gateway. The reactor tracks what each execution read and
// re-runs the query when matching rows change, pushing fresh results
// only when they differ.
package forge
