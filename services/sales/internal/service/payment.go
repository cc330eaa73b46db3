package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/wleicht/salesapi/pkg/config"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"go.uber.org/zap"
)

const rollBuckets = 10000

// PaymentSimulator approves by amount band. The roll is derived from the
// correlation id and the amount, so a given pair always gets the same answer.
type PaymentSimulator struct {
	cfg    config.Payment
	logger *zap.Logger
}

var _ Payments = (*PaymentSimulator)(nil)

func NewPaymentSimulator(cfg config.Payment, logger *zap.Logger) *PaymentSimulator {
	return &PaymentSimulator{cfg: cfg, logger: logger}
}

func (p *PaymentSimulator) Authorize(ctx context.Context, correlationID string, amount int64) (domain.PaymentDecision, error) {
	if p.cfg.Delay > 0 {
		timer := time.NewTimer(p.cfg.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return domain.PaymentDecision{}, ctx.Err()
		case <-timer.C:
		}
	}

	band, rate := p.band(amount)
	roll := PaymentRoll(correlationID, amount)

	decision := domain.PaymentDecision{
		Approved: roll < rate,
		Band:     band,
		Roll:     roll,
	}
	if !decision.Approved {
		decision.Reason = fmt.Sprintf("payment declined for amount %d", amount)
	}

	mylogger.Debug(ctx, p.logger, "Payment simulated",
		zap.Int64("amount", amount),
		zap.String("band", band),
		zap.Float64("roll", roll),
		zap.Bool("approved", decision.Approved),
	)

	return decision, nil
}

func (p *PaymentSimulator) band(amount int64) (string, float64) {
	switch {
	case amount <= p.cfg.LowThreshold:
		return "low", 1
	case amount <= p.cfg.MidThreshold:
		return "middle", p.cfg.MidRate
	case amount <= p.cfg.HighThreshold:
		return "upper", p.cfg.HighRate
	default:
		return "top", p.cfg.TopRate
	}
}

// PaymentRoll maps (correlationID, amount) onto [0, 1) in steps of 1/10000.
func PaymentRoll(correlationID string, amount int64) float64 {
	h := xxhash.Sum64String(correlationID + ":" + strconv.FormatInt(amount, 10))
	return float64(h%rollBuckets) / rollBuckets
}
