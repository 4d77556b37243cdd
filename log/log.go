package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

var (
	WarningLog = log.New(io.Discard, "", 0)
	InfoLog    = log.New(io.Discard, "", 0)
	ErrorLog   = log.New(io.Discard, "", 0)
	DebugLog   = log.New(io.Discard, "", 0)
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "warden.log")

var globalLogFile *os.File

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. It sets the go log output to the file in
// the os temp directory. Until Initialize runs every logger discards its output.
func Initialize(daemon bool) {
	prefix := "%s"
	if daemon {
		prefix = "[DAEMON] %s"
	}

	var out io.Writer
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		out = os.Stderr
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
	} else {
		out = f
		globalLogFile = f
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(out, fmt.Sprintf(prefix, "INFO:"), flags)
	WarningLog = log.New(out, fmt.Sprintf(prefix, "WARNING:"), flags)
	ErrorLog = log.New(out, fmt.Sprintf(prefix, "ERROR:"), flags)
	if debugEnabled {
		DebugLog = log.New(out, fmt.Sprintf(prefix, "DEBUG:"), flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

// Close flushes and closes the log file. Safe to call when Initialize fell back to stderr.
func Close() {
	if globalLogFile == nil {
		return
	}
	_ = globalLogFile.Close()
	globalLogFile = nil
}

// FileName returns the path of the log file.
func FileName() string {
	return logFileName
}

// Every is used to log at most once every timeout duration.
type Every struct {
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}
