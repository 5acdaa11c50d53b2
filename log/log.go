package log

import (
	"io/ioutil"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Logger is the logging interface handed to every component of the relay.
// It's a logrus logger wrapper whose destination can be reopened at runtime.
type Logger interface {
	log.FieldLogger
	WithConn(conn net.Conn) *log.Entry
	Reopen() error
	GetLogDest() string
	SetLevel(level string)
	GetLevel() string
	IsDebug() bool
	AddHook(h log.Hook)
}

// HookedLogger implements the Logger interface
type HookedLogger struct {

	// satisfy the log.FieldLogger interface
	*log.Logger

	dest string
	hook *entryHook
}

type loggerCache map[string]Logger

// loggers store the cached loggers created by GetLogger
var loggers struct {
	cache loggerCache
	// mutex guards the cache
	sync.Mutex
}

// GetLogger returns a struct that implements Logger (i.e HookedLogger).
// It may be new or already created, (ie. singleton factory pattern)
// dest can be a path to a file, or the following string values:
// "off" - disable any log output
// "stdout" - write to standard output
// "stderr" - write to standard error
// If the file doesn't exist, a new file will be created. Otherwise it will be appended
// Each Logger returned is cached on dest, subsequent calls will get the cached logger if dest matches
// If the file cannot be opened, the error is returned together with a usable
// logger whose hook writes to stderr instead
func GetLogger(dest string, level string) (Logger, error) {
	loggers.Lock()
	defer loggers.Unlock()
	if loggers.cache == nil {
		loggers.cache = make(loggerCache, 1)
	} else {
		if l, ok := loggers.cache[dest]; ok {
			l.SetLevel(level)
			return l, nil
		}
	}
	logrus := log.New()
	// entries reach the destination through the hook only
	logrus.Out = ioutil.Discard

	l := &HookedLogger{dest: dest}
	l.Logger = logrus
	l.SetLevel(level)

	// cache it
	loggers.cache[dest] = l

	h, err := newEntryHook(dest)
	if err != nil {
		// the hook fell back to stderr, still usable
		logrus.Hooks.Add(h)
		l.hook = h
		return l, err
	}
	logrus.Hooks.Add(h)
	l.hook = h

	return l, nil
}

// AddHook adds a new logrus hook
func (l *HookedLogger) AddHook(h log.Hook) {
	l.Logger.Hooks.Add(h)
}

func (l *HookedLogger) IsDebug() bool {
	return l.GetLevel() == log.DebugLevel.String()
}

// SetLevel sets a log level, one of the LogLevels
func (l *HookedLogger) SetLevel(level string) {
	var logLevel log.Level
	var err error
	if logLevel, err = log.ParseLevel(level); err != nil {
		return
	}
	l.Level = logLevel
}

// GetLevel gets the current log level
func (l *HookedLogger) GetLevel() string {
	return l.Level.String()
}

// Reopen closes the log file and re-opens it
func (l *HookedLogger) Reopen() error {
	if l.hook == nil {
		return nil
	}
	return l.hook.out.Reopen()
}

// GetLogDest returns the destination the logger was created with
func (l *HookedLogger) GetLogDest() string {
	return l.dest
}

// WithConn extends logrus to be able to log with a net.Conn
func (l *HookedLogger) WithConn(conn net.Conn) *log.Entry {
	var addr = "unknown"

	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	return l.WithField("addr", addr)
}
