package anomaly

import (
	"strings"
	"time"

	"agent-spend-authorizer/internal/models"
)

// Score factor names, as reported in AnomalyScore.Factors.
const (
	FactorTransactionCount = "transaction_count"
	FactorRepeatedAmount   = "repeated_amount"
	FactorRepeatedMerchant = "repeated_merchant"
	FactorSoftMinuteLimit  = "soft_limit_per_minute"
	FactorSoftDayLimit     = "soft_limit_per_day"
)

const (
	maxScore           = 100
	countWeight        = 4
	countCap           = 40
	repeatMin          = 3
	repeatedAmountStep = 10
	repeatedAmountCap  = 40
	repeatedMerchStep  = 5
	repeatedMerchCap   = 20
	softMinutePressure = 20
	softDayPressure    = 10
)

// Score computes the risk score for one agent from its trailing-window
// attempts, its current velocity and its counters for day.
func Score(agent models.Agent, txns []models.Transaction, velocity int64, day string) models.AnomalyScore {
	s := models.AnomalyScore{
		AgentID:           agent.ID,
		Factors:           map[string]int{},
		TransactionCount:  len(txns),
		VelocityPerMinute: velocity,
	}

	amounts := make(map[int64]int)
	merchants := make(map[string]int)
	for _, tx := range txns {
		amounts[tx.Amount]++
		if m := strings.ToLower(strings.TrimSpace(tx.MerchantName)); m != "" {
			merchants[m]++
		}
	}
	s.MaxRepeatedAmount = maxCount(amounts)
	s.MaxRepeatedMerchant = maxCount(merchants)

	if n := len(txns); n > 0 {
		s.Factors[FactorTransactionCount] = min(n*countWeight, countCap)
	}
	if n := s.MaxRepeatedAmount; n >= repeatMin {
		s.Factors[FactorRepeatedAmount] = min((n-1)*repeatedAmountStep, repeatedAmountCap)
	}
	if n := s.MaxRepeatedMerchant; n >= repeatMin {
		s.Factors[FactorRepeatedMerchant] = min((n-1)*repeatedMerchStep, repeatedMerchCap)
	}
	if agent.SoftLimitPerMinute != nil && velocity > *agent.SoftLimitPerMinute {
		s.Factors[FactorSoftMinuteLimit] = softMinutePressure
	}
	if agent.SoftLimitPerDay != nil && agent.EffectiveTodaySpend(day) > *agent.SoftLimitPerDay {
		s.Factors[FactorSoftDayLimit] = softDayPressure
	}

	total := 0
	for _, v := range s.Factors {
		total += v
	}
	s.Score = min(total, maxScore)
	return s
}

func maxCount[K comparable](counts map[K]int) int {
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	return best
}

// historyVelocity derives spend per minute from approved attempts when the
// live counter is unavailable.
func historyVelocity(txns []models.Transaction, since time.Time, minutes int64) int64 {
	if minutes < 1 {
		minutes = 1
	}
	var sum int64
	for _, tx := range txns {
		if tx.Approved && !tx.DecidedAt.Before(since) {
			sum += tx.Amount
		}
	}
	return sum / minutes
}
