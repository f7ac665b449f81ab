package artifacts

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocdoni/zkvote-node/log"
)

// progressInterval is how often download progress is logged.
var progressInterval = 10 * time.Second

type loggingReader struct {
	io.Reader
	io.Closer
	message string
	key     string
	size    int64
	start   sync.Once
	n       atomic.Int64
	done    chan struct{}
	closed  sync.Once
}

// NewLoggingReader wraps r and periodically logs how much of size bytes was
// read until it is closed.
func NewLoggingReader(r io.ReadCloser, message, key string, size int64) io.ReadCloser {
	return &loggingReader{
		Reader:  r,
		Closer:  r,
		message: message,
		key:     key,
		size:    size,
		done:    make(chan struct{}),
	}
}

func (p *loggingReader) Read(b []byte) (int, error) {
	p.start.Do(func() {
		go func() {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					return
				case <-ticker.C:
					p.logProgress()
				}
			}
		}()
	})
	n, err := p.Reader.Read(b)
	p.n.Add(int64(n))
	return n, err
}

func (p *loggingReader) logProgress() {
	n := p.n.Load()
	percent := int64(0)
	if p.size > 0 {
		percent = n * 100 / p.size
	}
	log.Infow(p.message, "key", p.key, "current", n, "total", p.size, "percent", percent)
}

func (p *loggingReader) Close() error {
	p.closed.Do(func() { close(p.done) })
	log.Debugw("artifact transfer closed", "key", p.key, "current", p.n.Load(), "total", p.size)
	return p.Closer.Close()
}
