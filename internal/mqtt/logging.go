package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// clientLogger adapts slog to paho's package-level Logger interface.
type clientLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l clientLogger) Println(v ...interface{}) {
	l.log(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l clientLogger) Printf(format string, v ...interface{}) {
	l.log(fmt.Sprintf(format, v...))
}

func (l clientLogger) log(msg string) {
	l.logger.Log(context.Background(), l.level, msg, "component", "paho")
}

// RouteClientLogs sends paho's internal logging through logger. DEBUG output
// is only wired when debug is set, since paho is very chatty at that level.
func RouteClientLogs(logger *slog.Logger, debug bool) {
	mqtt.ERROR = clientLogger{logger: logger, level: slog.LevelError}
	mqtt.CRITICAL = clientLogger{logger: logger, level: slog.LevelError}
	mqtt.WARN = clientLogger{logger: logger, level: slog.LevelWarn}
	if debug {
		mqtt.DEBUG = clientLogger{logger: logger, level: slog.LevelDebug}
	} else {
		mqtt.DEBUG = mqtt.NOOPLogger{}
	}
}
