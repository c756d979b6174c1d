// Package worker runs validate-code requests in parallel.
//
// A Pool keeps long-lived workers fed through Submit and delivers results on
// a channel. BatchValidator is the one-shot form used by the batch endpoint:
// it validates a slice of jobs and returns results in input order.
//
//	pool := worker.NewPool(ctx, eng, 4, logger)
//	for _, job := range jobs {
//	    pool.Submit(ctx, job)
//	}
//	batch := pool.CloseAndWait()
//	fmt.Println(batch.InvalidCount())
package worker
