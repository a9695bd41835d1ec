package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// HandshakeScript prints a line, completes the nonce handshake, and exits
// after a short pause.
const HandshakeScript = `printf 'worker booting\n'
printf '%s%s' "tender-nonce:" "$TENDER_STARTING_NONCE"
sleep 0.2
`

// SleepScript never completes the handshake.
const SleepScript = `exec sleep 30
`

var scriptSeq atomic.Int64

// WriteWorkerScript writes body as an executable /bin/sh script under dir and
// returns its path.
func WriteWorkerScript(t testing.TB, dir, body string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("worker-%d.sh", scriptSeq.Add(1)))
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

// ProjectDir creates a fresh directory carrying the .tender-project marker.
func ProjectDir(t testing.TB) string {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".tender-project"), nil, 0o644); err != nil {
		t.Fatalf("write project marker: %v", err)
	}
	return dir
}
