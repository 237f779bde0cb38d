// Package extract schedules batches of footprint API requests under a fixed
// concurrency budget and persists every successful payload through a Sink.
//
// Example usage:
//
//	sched, err := extract.New(apiClient, fileSink, extract.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	reqs, err := footprint.YearRange(2000, 2024)
//	if err != nil {
//	    return err
//	}
//	report := sched.Run(ctx, reqs)
//	fmt.Println(report.Summary().Failed)
//
// The scheduler:
//   - Shares one concurrency budget across concurrent Run calls
//   - Issues requests in input order, one permit per request
//   - Holds the permit for the whole retry sequence of a request
//   - Releases the permit before the payload is written
//   - Reports exactly one result per request, never aborting the batch
package extract
