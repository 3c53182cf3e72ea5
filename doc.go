// Package heimdall is a server-side feature flag and experimentation
// client.
//
// A Client downloads a snapshot of gates, experiments and dynamic configs
// and evaluates them in process, so a check costs no network round trip.
// Two background workers keep it running: one refreshes the snapshot every
// RefreshInterval, the other ships exposure events in batches every
// FlushInterval.
//
//	client, err := heimdall.New(ctx, heimdall.Options{SDKKey: os.Getenv("HEIMDALL_SDK_KEY")})
//	if err != nil {
//		return err
//	}
//	defer client.Shutdown(context.Background())
//
//	if client.CheckGate(ctx, "new_ui", &heimdall.User{UserID: "u-1", Country: "US"}) {
//		// ...
//	}
//
// Checks never return errors. A spec missing from the snapshot resolves
// per Options.UnrecognizedPolicy, and network trouble only ever degrades
// results to their documented defaults.
package heimdall
