// Command relay-client is the reference client for the session-relay
// transport: it saves server profiles, opens an authenticated connection,
// and reports connection manager state as it reconnects.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
