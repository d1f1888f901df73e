package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys carried into every log line.
const (
	TraceIdKey = "trace_id"
	OrderIdKey = "order_id"
)

type ctxKey string

// 全局 Logger 实例
var Log = zap.NewNop()

// Init 初始化日志组件
// serviceName: 节点名称 (例如 "market-node")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 初始化日志组件，logFile 为空时写 logs/{serviceName}.log
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	// 文件不可写时只输出到控制台，不中断启动
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// AddCallerSkip(1): 跳过本包的封装函数
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// WithTrace returns ctx tagged with a trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey(TraceIdKey), traceID)
}

// WithOrder returns ctx tagged with an order id.
func WithOrder(ctx context.Context, orderID string) context.Context {
	return context.WithValue(ctx, ctxKey(OrderIdKey), orderID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, extract(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, extract(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, extract(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, extract(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, extract(ctx, fields)...)
}

func extract(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	for _, key := range [...]string{TraceIdKey, OrderIdKey} {
		if v, ok := ctx.Value(ctxKey(key)).(string); ok && v != "" {
			fields = append(fields, zap.String(key, v))
		}
	}
	return fields
}

// Sync 刷新缓冲区 (main 中 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
