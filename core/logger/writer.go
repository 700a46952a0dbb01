package logger

import (
	"bufio"
	"io"
	"sync"
)

// asyncWriter moves formatting-complete lines off the caller goroutine and
// fans them out to every sink. Lines are flushed whenever the queue drains.
type asyncWriter struct {
	queue   chan []byte
	flushCh chan chan error
	done    chan struct{}
	close   sync.Once

	out *bufio.Writer

	errMu sync.Mutex
	err   error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	sinks := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			sinks = append(sinks, w)
		}
	}
	w := &asyncWriter{
		queue:   make(chan []byte, 512),
		flushCh: make(chan chan error),
		done:    make(chan struct{}),
		out:     bufio.NewWriterSize(io.MultiWriter(sinks...), bufSize),
	}
	go w.loop()
	return w
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for {
		select {
		case line, ok := <-w.queue:
			if !ok {
				w.record(w.out.Flush())
				return
			}
			if _, err := w.out.Write(line); err != nil {
				w.record(err)
			}
			if len(w.queue) == 0 {
				w.record(w.out.Flush())
			}
		case ack := <-w.flushCh:
			ack <- w.out.Flush()
		}
	}
}

// Write copies p and queues it. A full queue blocks rather than dropping lines.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.Err(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	line := make([]byte, len(p))
	copy(line, p)
	w.queue <- line
	return nil
}

// Flush waits until everything queued so far has reached the sinks.
func (w *asyncWriter) Flush() error {
	select {
	case <-w.done:
		return w.Err()
	default:
	}
	// The loop may pick the flush request before pending lines; repeat until
	// the queue is observed empty after a flush.
	for {
		ack := make(chan error, 1)
		w.flushCh <- ack
		if err := <-ack; err != nil {
			return err
		}
		if len(w.queue) == 0 {
			return w.Err()
		}
	}
}

// Close drains the queue and reports the first write error.
func (w *asyncWriter) Close() error {
	w.close.Do(func() { close(w.queue) })
	<-w.done
	return w.Err()
}

// Err returns the first recorded write error.
func (w *asyncWriter) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *asyncWriter) record(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}
