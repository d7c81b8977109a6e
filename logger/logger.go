package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger until Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zapcore.InfoLevel)
}

// InitializeWithLevel sets up the global logger with an explicit minimum level.
// The CLI maps -v/-vv flags through VerbosityToLevel before calling this.
func InitializeWithLevel(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for log shippers; stdout stays free for command output
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newConsoleEncoder(),
				zapcore.AddSync(os.Stderr),
				level,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// InitializeFromEnv picks JSON or console output from the environment.
// Scheduled invocations (cron containers, serverless functions) get JSON;
// local runs get the console encoder.
func InitializeFromEnv() error {
	return Initialize(IsProductionEnvironment())
}

// newConsoleEncoder returns a compact human-readable encoder
func newConsoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeCaller = nil
	cfg.CallerKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}

// IsProductionEnvironment reports whether we are running under a scheduler in production.
// The CLI uses it to pick JSON logs when --json-logs is not given.
func IsProductionEnvironment() bool {
	// AWS_EXECUTION_ENV indicates a real Lambda environment
	if awsEnv := os.Getenv("AWS_EXECUTION_ENV"); awsEnv != "" {
		return true
	}

	if env := strings.ToLower(os.Getenv("ENVIRONMENT")); env == "production" || env == "prod" {
		return true
	}

	if strings.ToLower(os.Getenv("DRIP_LOG_FORMAT")) == "json" {
		return true
	}

	return false
}

// getEnvironmentType returns a string description of the environment
func getEnvironmentType() string {
	if IsProductionEnvironment() {
		return "production"
	}
	return "development"
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
