// Command relayd is the session-relay server: it accepts WebSocket
// connections, admits them via SRP-6a, and multiplexes the request tunnel,
// subscription, and upload protocols over each authenticated connection.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
