package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"bidmesh.com/pkg/logger"
	"go.uber.org/zap"
)

// Go 安全启动协程，panic 只记录不扩散
func Go(name string, fn func()) {
	go func() {
		defer recovered(context.Background(), name)
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留 trace/order 信息
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recovered(ctx, name)
		fn(ctx)
	}()
}

// Run calls fn and converts a panic into an error.
func Run(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(context.Background(), name, r)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

func recovered(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, name, r)
	}
}

func logPanic(ctx context.Context, name string, r interface{}) {
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine %s panic: %v\nStack: %s\n", name, r, stack)
}
