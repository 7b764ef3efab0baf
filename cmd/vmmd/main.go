// Command vmmd is the resident manager daemon and its local control
// client: run with no subcommand (or "serve") to start the daemon in the
// foreground, or use status/heal/safe-mode/reload to talk to a running
// instance over its IPC socket.
package main

import "vivaldi-mod-manager/cmd"

func main() {
	cmd.Execute()
}
