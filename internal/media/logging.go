package media

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/1ureka/lancall/internal/util"
)

// loggerFactory routes pion's internal logs into the process logger.
// pion is chatty at info level, so everything below warn is demoted to debug.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{scope: scope}
}

type scopedLogger struct {
	scope string
}

func (l scopedLogger) prefix(msg string) string {
	return "[pion/" + l.scope + "] " + msg
}

func (l scopedLogger) Trace(msg string) { util.LogTrace("%s", l.prefix(msg)) }
func (l scopedLogger) Tracef(format string, args ...interface{}) {
	util.LogTrace("%s", l.prefix(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Debug(msg string) { util.LogTrace("%s", l.prefix(msg)) }
func (l scopedLogger) Debugf(format string, args ...interface{}) {
	util.LogTrace("%s", l.prefix(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Info(msg string) { util.LogDebug("%s", l.prefix(msg)) }
func (l scopedLogger) Infof(format string, args ...interface{}) {
	util.LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Warn(msg string) { util.LogWarning("%s", l.prefix(msg)) }
func (l scopedLogger) Warnf(format string, args ...interface{}) {
	util.LogWarning("%s", l.prefix(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Error(msg string) { util.LogError("%s", l.prefix(msg)) }
func (l scopedLogger) Errorf(format string, args ...interface{}) {
	util.LogError("%s", l.prefix(fmt.Sprintf(format, args...)))
}
