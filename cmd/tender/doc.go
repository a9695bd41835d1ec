// Package main hosts the tender CLI entrypoint and command graph.
//
// The Cobra command tree runs the dispatch server in the foreground (serve),
// manages a detached server (start, stop, status), proxies spawn requests to
// it (spawn), and reads the spawn journal (history). Configuration is loaded
// once per invocation through commandContext.
package main
