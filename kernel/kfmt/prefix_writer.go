package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Subsystems use it to tag their
// output (e.g. "[pmm] ").
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink follows the
	// Printf output sink, including the early print buffer.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the sink, injecting Prefix before the first byte of each
// line. The injected prefix is not included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written, lineStart int
		sink               = w.sink()
	)

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			sink.Write(w.Prefix)
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		n, err := sink.Write(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}
		lineStart, w.midLine = i+1, false
	}

	if lineStart < len(p) {
		n, err := sink.Write(p[lineStart:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) sink() io.Writer {
	switch {
	case w.Sink != nil:
		return w.Sink
	case outputSink != nil:
		return outputSink
	default:
		return &earlyPrintBuffer
	}
}
