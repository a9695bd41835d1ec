package ipc

import (
	"net"
	"strconv"

	"tender/internal/project"
)

// ServerConfig is the discovery record published by a running server.
type ServerConfig struct {
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
	Host    string `json:"host"`
	Version string `json:"version"`
}

// Address returns the dialable host:port.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Alive reports whether the recorded server process still exists.
func (c ServerConfig) Alive() bool {
	return project.IsPidAlive(c.PID)
}

// Options configures the dispatch server listener.
type Options struct {
	Host          string
	Port          int
	DiscoveryPath string
	Version       string
}
