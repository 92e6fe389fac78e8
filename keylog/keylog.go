// Package keylog exposes an SSLKEYLOGFILE writer shared by every
// transport, so captured traffic can be decrypted in Wireshark. The
// writer is picked up from the SSLKEYLOGFILE environment variable at
// startup and can be redirected at runtime with SetFile or SetWriter.
package keylog

import (
	"io"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	writer io.Writer
)

func init() {
	path := os.Getenv("SSLKEYLOGFILE")
	if path == "" {
		return
	}
	f, err := openLog(path)
	if err != nil {
		// Key logging is best effort; a bad path must not stop startup.
		return
	}
	writer = f
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
}

// GetWriter returns the shared key log writer, or nil when key logging
// is disabled. Transports hand this to their TLS configs.
func GetWriter() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return writer
}

// SetFile points key logging at path, replacing any current writer and
// overriding SSLKEYLOGFILE. An empty path disables key logging.
func SetFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	if path == "" {
		return nil
	}
	f, err := openLog(path)
	if err != nil {
		return err
	}
	writer = f
	return nil
}

// SetWriter installs w as the shared key log writer. The previous
// writer is closed if this package opened it. A nil w disables key
// logging.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	writer = w
}

// Close releases the shared writer. Call on shutdown when key logging
// was enabled.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeLocked()
}

func closeLocked() error {
	c, ok := writer.(io.Closer)
	writer = nil
	if !ok {
		return nil
	}
	return c.Close()
}
