// Package logging provides the structured, per-subsystem loggers used
// across the runtime. Every subsystem (clock, region, manager, ...) gets
// its own *logrus.Entry carrying a "subsystem" field, the same convention
// the rest of this codebase's tooling uses for its own components.
package logging

import "github.com/sirupsen/logrus"

// Base is the shared root logger. Embedders may reconfigure its level or
// formatter before creating a Manager; subsystem loggers derived via For
// inherit whatever is set here.
var Base = logrus.New()

// For returns a logger scoped to the named subsystem.
func For(subsystem string) *logrus.Entry {
	return Base.WithField("subsystem", subsystem)
}
