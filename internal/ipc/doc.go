// Package ipc serves the tender dispatch protocol over loopback TCP and ships
// the matching client used by the CLI.
//
// The server binds an ephemeral port by default and publishes its address in
// a discovery record so clients can find it. Each connection carries exactly
// one request; spawn requests are handed to the supervisor, which streams
// worker output back until the exit code.
package ipc
