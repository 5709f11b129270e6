package server

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/ratelimit"
	"github.com/any-hub/cachegate/internal/stats"
)

const statsTimeout = 250 * time.Millisecond

// admissionMiddleware 按客户端地址做令牌桶准入；拒绝时立即返回 429，不排队。
func admissionMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if opts.Diagnostics && isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		ip := ClientIP(c)
		decision := opts.Limiter.Decide(ip)
		if opts.Metrics != nil {
			opts.Metrics.ObserveAdmission(decision.Allowed)
		}

		if !decision.Allowed {
			recordEvent(opts, stats.Event{
				ClientIP: ip,
				Method:   c.Method(),
				At:       time.Now(),
			})
			opts.Logger.WithFields(logrus.Fields{
				"action":      "admission",
				"client_ip":   ip,
				"retry_after": decision.RetryAfter.String(),
				"request_id":  RequestID(c),
			}).Debug("request rejected")
			return reject(c, decision, opts.CloseOnReject)
		}

		err := c.Next()

		policy, _ := PolicyOf(c)
		recordEvent(opts, stats.Event{
			ClientIP:    ip,
			Allowed:     true,
			Method:      c.Method(),
			Policy:      policy.String(),
			CacheStatus: string(c.Response().Header.Peek("X-Cache-Status")),
			At:          time.Now(),
		})
		return err
	}
}

func reject(c fiber.Ctx, decision ratelimit.Decision, closeConn bool) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	if closeConn {
		c.Response().SetConnectionClose()
	}
	return c.Status(fiber.StatusTooManyRequests).SendString("Too Many Requests")
}

// retryAfterSeconds 向上取整，至少为 1。
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// recordEvent 同步写入统计，超时或失败只记 debug 日志。
func recordEvent(opts AppOptions, ev stats.Event) {
	if opts.Stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if err := opts.Stats.Record(ctx, ev); err != nil {
		opts.Logger.WithFields(logrus.Fields{
			"action": "stats_record",
			"error":  err.Error(),
		}).Debug("stats record failed")
	}
}
