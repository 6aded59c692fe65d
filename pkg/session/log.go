package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const serviceName = "SessionService"

// logService wraps Service with automatic logging of all method calls
type logService struct {
	svc    Service
	logger *zap.Logger
}

// NewLog creates a logging decorator for the session Service.
// It logs method entry/exit, duration and errors.
func NewLog(svc Service, logger *zap.Logger) Service {
	return &logService{
		svc:    svc,
		logger: logger,
	}
}

// RunSession wraps the service method with logging
func (ls *logService) RunSession(ctx context.Context, kind Kind) (res *Result, err error) {
	start := time.Now()

	ls.logger.Debug("RunSession started",
		zap.String("service", serviceName),
		zap.String("method", "RunSession"),
		zap.String("kind", string(kind)),
	)

	defer func() {
		duration := time.Since(start)

		if err != nil {
			ls.logger.Error("RunSession failed",
				zap.String("service", serviceName),
				zap.String("method", "RunSession"),
				zap.String("kind", string(kind)),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			return
		}
		ls.logger.Info("RunSession completed",
			zap.String("service", serviceName),
			zap.String("method", "RunSession"),
			zap.String("kind", string(kind)),
			zap.Stringer("gain", res.Gain),
			zap.Stringer("new_balance", res.NewBalance),
			zap.Stringer("daily_gains", res.DailyGains),
			zap.Bool("limit_reached", res.LimitReached),
			zap.Duration("duration", duration),
		)
	}()

	return ls.svc.RunSession(ctx, kind)
}

// SetBotActive wraps the service method with logging
func (ls *logService) SetBotActive(ctx context.Context, active bool, reason string) (err error) {
	start := time.Now()

	ls.logger.Info("SetBotActive started",
		zap.String("service", serviceName),
		zap.String("method", "SetBotActive"),
		zap.Bool("active", active),
		zap.String("reason", reason),
	)

	defer func() {
		duration := time.Since(start)

		if err != nil {
			ls.logger.Error("SetBotActive failed",
				zap.String("service", serviceName),
				zap.String("method", "SetBotActive"),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			return
		}
		ls.logger.Info("SetBotActive completed",
			zap.String("service", serviceName),
			zap.String("method", "SetBotActive"),
			zap.Bool("active", active),
			zap.Duration("duration", duration),
		)
	}()

	return ls.svc.SetBotActive(ctx, active, reason)
}

// BotActive passes through; it is read on every scheduler tick
func (ls *logService) BotActive(ctx context.Context) bool {
	return ls.svc.BotActive(ctx)
}
