// Package protocol implements the newline-delimited JSON wire format spoken
// between tender clients and the dispatch server.
//
// A client sends one request record, {"type":"spawn","directory":...}. The
// server answers with any number of stdout and stderr records followed by
// exactly one exitcode record.
package protocol
