/*
Package measurement drives account cycles. A cycle takes one credential
through four strictly sequential steps:

 1. Session check: the credential's expiry claim is checked locally, then the
    profile endpoint must accept it.
 2. Server discovery: the locate API returns the ndt7 server for this cycle.
 3. Speed test: download then upload against that server.
 4. Report: the sample plus a synthetic location is posted to the API.

Every step obtains its egress from the proxy pool. Failures in steps 1 and 2,
and an exhausted proxy pool, end the cycle without measuring or reporting. A
failed speed test is not an error: it is reported as zero throughput.

RunAccounts processes credentials one after another with a fixed delay between
accounts. Per-account failures are logged and counted by outcome, never
returned.

Usage:

	svc := measurement.NewMeasurementService(measurement.Dependencies{
		Pool:     pool,
		Gate:     gate,
		Locator:  locator,
		Measurer: measurer,
		Reporter: reporter,
		Points:   geo.NewGenerator(),
		Recorder: metrics,
	}, cfg.Proxy.MaxRetries, cfg.Schedule.AccountDelay, logger)

	svc.RunAccounts(ctx, credentials)
*/
package measurement
