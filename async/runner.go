// Package async 提供带 panic 保护的 goroutine 启动方式。
// 事件总线的后台 worker、消费者轮询循环和 worker 池都经由它启动，
// 单个任务的 panic 只会被记录，不会带崩整个进程。
package async

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanicRecovered 表示异步任务中恢复的 panic。
var ErrPanicRecovered = errors.New("async task panic recovered")

// SafeGo 启动一个 goroutine 执行 fn，panic 被恢复并连同堆栈记录日志。
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("%w: %v", ErrPanicRecovered, rec)
				slog.Error("Async task panic recovered", "error", err, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
