// Package project maps working directories to project cache keys and guards
// each key with an advisory file lock and a scoped PID file.
//
// A Resolver walks up from a directory to the nearest project marker and
// sanitizes the root into a file-name-safe Key. A Registry hands out Guards:
// at most one Guard per Key exists across every process sharing the state
// directory. WithPidFile records the holder's pid for the duration of a block
// and removes it on every exit path.
package project
