// Package scheduler 按 cron 表达式执行后台任务
package scheduler

import (
	"context"
	"fmt"
	"time"

	"eventchat/pkg/logger"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Job 定时任务
type Job func(ctx context.Context) error

var nextTick = gronx.NextTickAfter

// Start 校验 cron 表达式并启动调度协程，返回停止函数
func Start(ctx context.Context, name, cronExpr string, job Job) (context.CancelFunc, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid cron expression for %s: %q", name, cronExpr)
	}

	ctx, cancel := context.WithCancel(ctx)
	go run(ctx, name, cronExpr, job)
	logger.Info("定时任务已启动", zap.String("job", name), zap.String("cron", cronExpr))
	return cancel, nil
}

// run 计算下一个触发时间并等待，任务在独立协程中执行
func run(ctx context.Context, name, cronExpr string, job Job) {
	for {
		next, err := nextTick(cronExpr, time.Now(), false)
		if err != nil {
			logger.Error("计算下次执行时间失败", zap.String("job", name), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			go func() {
				if err := job(ctx); err != nil && ctx.Err() == nil {
					logger.Error("定时任务执行失败", zap.String("job", name), zap.Error(err))
				}
			}()
		case <-ctx.Done():
			logger.Info("定时任务已停止", zap.String("job", name))
			return
		}
	}
}
