// Package job is the durable job queue and worker pool.
//
// Jobs live in the jobs table. Enqueue is idempotent when a key is supplied,
// claims use FOR UPDATE SKIP LOCKED so any number of workers can poll the
// same queue without handing the same job to two of them, failures retry
// with configurable backoff until the attempt budget runs out, and jobs
// whose worker died mid-flight return to pending after a stale threshold.
//
// Handlers are registered with typed payloads:
//
//	type sendEmail struct{ mailer Mailer }
//
//	func (t *sendEmail) Name() string { return "send_email" }
//	func (t *sendEmail) Handle(ctx context.Context, p EmailPayload) (any, error) {
//	    return nil, t.mailer.Send(ctx, p.To, p.Body)
//	}
//
//	worker := job.NewWorker(queue, nodeID,
//	    job.WithTask[EmailPayload](&sendEmail{mailer}),
//	    job.WithMaxConcurrent(10),
//	)
package job
