package bluexfer

import (
	"io"
	"log/slog"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSize    = 100 // MB
	logMaxBackups = 3
	logMaxAge     = 365 // days
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"error": slog.LevelError,
}

var zapLogLevels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// logWriter writes to stdout and, when logFile is set, to a rotated log file.
func logWriter(logFile string) io.Writer {
	if logFile == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAge,
	})
}

func NewLogger(logLevel, logFile string) *slog.Logger {
	return newSlogLogger(logWriter(logFile), logLevels[logLevel])
}

func newSlogLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(
		slog.NewTextHandler(
			w,
			&slog.HandlerOptions{
				Level: level,
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						// Remove the milliseconds from the time field to save a few columns.
						a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
					}
					return a
				},
			},
		),
	)
}

// ZapLogger adapts a zap.SugaredLogger to the key/value Logger interface used by the xfer package.
type ZapLogger struct {
	*zap.SugaredLogger
}

func (l ZapLogger) Debug(msg string, args ...any) { l.Debugw(msg, args...) }
func (l ZapLogger) Info(msg string, args ...any)  { l.Infow(msg, args...) }
func (l ZapLogger) Error(msg string, args ...any) { l.Errorw(msg, args...) }

// NewZapLogger returns a console encoded zap logger that writes to w. The TUI client points w at
// its debug pane.
func NewZapLogger(logLevel string, w io.Writer) ZapLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level, ok := zapLogLevels[logLevel]
	if !ok {
		level = zap.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	)

	return ZapLogger{zap.New(core).Sugar()}
}
