// Package bridge drives HTTP connections through a remote bridge module over
// latest-value pub/sub topics.
//
// A Bridge owns the shared command topic. Each Connection owns a reply topic
// and a fresh output topic per request, and moves through a fixed lifecycle:
//
//	Uninitialized -> Configuring -> Ready -> Sending -> AwaitingPayload
//	                      |                    |              |
//	                      +------> Failed <----+              +--> Sending ...
//
// Any state ends in Closed. Commands are answered by status messages carrying
// the command's id as correlation id and its sequence number; the Correlator
// tells the answer apart from values still retained from earlier commands.
//
// Key features:
//   - Setup, data and teardown commands with per-command wait bounds
//   - Stale and cross-talk detection on shared reply topics
//   - Best-effort teardown that survives caller cancellation
//   - Registry of live connections with retired-id lookups
//   - Retry policy, circuit breaker and rate limit on command publishes
//
// Basic usage:
//
//	b, err := bridge.New(ctx, transport)
//	if err != nil {
//	    return err
//	}
//	defer b.Close(ctx)
//
//	conn, err := b.Connect(ctx, "http://example.com")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close(ctx)
//
//	resp, err := conn.Send(ctx, bridge.Request{Method: "GET"})
//	if err != nil {
//	    return err
//	}
//	body, err := conn.ReadPayload(ctx, 0)
package bridge
