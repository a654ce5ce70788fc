package grain

import (
	"log"
	"os"
)

// logger is the package-level best-effort logger: retention deletes,
// reactor-update submits, and malformed-row decodes all log-and-continue
// through it rather than propagating (§4.4, §4.3 step 5/6).
var logger = log.New(os.Stderr, "grainstore: ", log.LstdFlags)

// SetLogger overrides the package logger, e.g. to route it through an
// application's own logging setup.
func SetLogger(l *log.Logger) {
	if l != nil {
		logger = l
	}
}
