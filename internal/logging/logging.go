// Package logging configures the single logrus logger shared by both
// nodes, following the teacher's habit (crypto.go, node.go) of passing
// one logger-shaped value down through constructors rather than
// calling a package-level logger from deep inside unrelated packages.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. Level is read from CHATMESH_LOG
// (debug|info|warn|error), defaulting to info.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(os.Getenv("CHATMESH_LOG"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
