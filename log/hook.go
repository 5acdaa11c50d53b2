package log

import (
	"io"
	"io/ioutil"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// output is a reopenable log destination. It decouples where entries end up
// from the logrus logger itself, so a file can be reopened after
// logrotate(8) renames it without touching the logger.
type output struct {
	mu   sync.Mutex
	dest string
	w    io.Writer
	file *os.File
}

func newOutput(dest string) (*output, error) {
	o := &output{dest: dest}
	return o, o.open()
}

// open resolves the destination. "stderr" (or empty), "stdout" and "off"
// are the special values; anything else is a file path, created when
// missing and appended to otherwise. On file errors the output falls back
// to stderr so log lines are never silently lost.
func (o *output) open() error {
	switch o.dest {
	case "", "stderr":
		o.w = os.Stderr
	case "stdout":
		o.w = os.Stdout
	case "off":
		o.w = ioutil.Discard
	default:
		f, err := os.OpenFile(o.dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			o.w = os.Stderr
			return err
		}
		o.file = f
		o.w = f
	}
	return nil
}

func (o *output) isFile() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file != nil
}

// Write sends one formatted entry to the destination. File destinations are
// synced per entry; a crash must not lose the lines that explain it.
func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.w.Write(p)
	if err != nil {
		return n, err
	}
	if o.file != nil {
		err = o.file.Sync()
	}
	return n, err
}

// Reopen closes and re-opens a file destination; a no-op for the stream
// destinations
func (o *output) Reopen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		return err
	}
	o.file = nil
	return o.open()
}

// entryHook delivers every logrus entry to an output. The hook formats the
// entry itself (plain text, no colors, for files) which keeps the embedded
// logger's own writer silent.
type entryHook struct {
	out       *output
	formatter log.Formatter
}

func newEntryHook(dest string) (*entryHook, error) {
	out, err := newOutput(dest)
	h := &entryHook{out: out}
	if out.isFile() {
		h.formatter = &log.TextFormatter{DisableColors: true}
	}
	return h, err
}

// Levels implements the logrus Hook interface
func (h *entryHook) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements the logrus Hook interface
func (h *entryHook) Fire(entry *log.Entry) error {
	var line []byte
	var err error
	if h.formatter != nil {
		line, err = h.formatter.Format(entry)
	} else {
		var s string
		s, err = entry.String()
		line = []byte(s)
	}
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}
