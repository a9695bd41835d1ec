// Package logs reads the server log file for `tender logs`.
//
// Last returns the trailing lines of a file, ReadFrom resumes at a byte
// offset, and Follow polls for appended lines until its context ends. Only
// complete lines are returned, so an offset always points at a line start.
package logs
