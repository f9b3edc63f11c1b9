package persist

import (
	"log"
	"os"

	"github.com/NebulousLabs/errors"
)

// Logger wraps the standard library logger with STARTUP and SHUTDOWN banner
// lines, so a glance at the start or end of a log file shows exactly when
// the process came up and went down.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger creates a Logger that appends to (or creates) the file at path.
func NewLogger(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.AddContext(err, "persist: could not open log file")
	}
	logger := log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC)
	logger.Println("STARTUP: Log file opened.")
	return &Logger{Logger: logger, file: file}, nil
}

// Close writes a SHUTDOWN banner and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: Logging has terminated.")
	return l.file.Close()
}

// Critical logs a message prefixed with "CRITICAL:". It writes only to the
// log file; it does not write to stderr and does not call build.Critical.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"CRITICAL:"}, v...)...)
}

// Severe logs a message describing a significant, non-corrupting problem.
func (l *Logger) Severe(v ...interface{}) {
	l.Println(append([]interface{}{"SEVERE:"}, v...)...)
}
