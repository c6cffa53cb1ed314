package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the sqlite-backed ledger. One file, one table, indexed on
// timestamp and api name.
type Store struct {
	db     *gorm.DB
	costs  CostTable
	budget float64 // monthly budget used for projection warnings
	logger *zap.Logger
	nowFn  func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCostTable sets the pricing table used by RecordCall.
func WithCostTable(t CostTable) StoreOption {
	return func(s *Store) { s.costs = t }
}

// WithMonthlyBudget sets the budget the projection warning compares against.
func WithMonthlyBudget(budget float64) StoreOption {
	return func(s *Store) { s.budget = budget }
}

// NewStore opens (creating if needed) the sqlite ledger at path.
func NewStore(path string, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	if err := db.AutoMigrate(&CallRecord{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	s := &Store{
		db:     db,
		costs:  CostTable{},
		logger: logger.With(zap.String("component", "ledger")),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("usage ledger opened", zap.String("path", path))
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Record implements Ledger.
func (s *Store) Record(ctx context.Context, rec CallRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.nowFn()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append call record: %w", err)
	}

	s.logger.Debug("call recorded",
		zap.String("api", rec.APIName),
		zap.Float64("cost", rec.Cost),
		zap.Bool("success", rec.Success),
	)
	return nil
}

// RecordCall prices and appends a call in one step using the cost table.
func (s *Store) RecordCall(ctx context.Context, api string, tokens int, success bool, latencyMS float64) error {
	return s.Record(ctx, CallRecord{
		APIName:    api,
		TokensUsed: tokens,
		Cost:       s.costs.CostFor(api, tokens),
		Success:    success,
		LatencyMS:  latencyMS,
	})
}

// GetUsageSummary implements Ledger.
func (s *Store) GetUsageSummary(ctx context.Context, days int) (*UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	since := s.nowFn().AddDate(0, 0, -days)

	var perAPI []APIBreakdown
	err := s.db.WithContext(ctx).
		Model(&CallRecord{}).
		Select(`api_name,
			COUNT(*) AS total_calls,
			SUM(tokens_used) AS total_tokens,
			SUM(cost) AS total_cost,
			AVG(latency_ms) AS avg_response_time,
			SUM(CASE WHEN success THEN 0 ELSE 1 END) AS error_count`).
		Where("timestamp >= ?", since).
		Group("api_name").
		Order("total_cost DESC").
		Scan(&perAPI).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate usage summary: %w", err)
	}

	type dailyRow struct {
		Date    string
		APIName string
		Calls   int64
		Cost    float64
	}
	var dailyRows []dailyRow
	err = s.db.WithContext(ctx).
		Model(&CallRecord{}).
		Select(`strftime('%Y-%m-%d', timestamp) AS date, api_name, COUNT(*) AS calls, SUM(cost) AS cost`).
		Where("timestamp >= ?", since).
		Group("date, api_name").
		Order("date DESC").
		Scan(&dailyRows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate daily usage: %w", err)
	}

	summary := &UsageSummary{
		PeriodDays:   days,
		APIBreakdown: perAPI,
		DailyUsage:   make(map[string]map[string]DailyAPIUsage),
		GeneratedAt:  s.nowFn(),
	}
	for _, row := range perAPI {
		summary.TotalCost += row.TotalCost
		summary.TotalCalls += row.TotalCalls
	}
	for _, row := range dailyRows {
		day, ok := summary.DailyUsage[row.Date]
		if !ok {
			day = make(map[string]DailyAPIUsage)
			summary.DailyUsage[row.Date] = day
		}
		day[row.APIName] = DailyAPIUsage{Calls: row.Calls, Cost: row.Cost}
	}

	return summary, nil
}

// GetMonthlyProjection implements Ledger. Extrapolates the trailing 7 days.
func (s *Store) GetMonthlyProjection(ctx context.Context) (*MonthlyProjection, error) {
	recent, err := s.GetUsageSummary(ctx, 7)
	if err != nil {
		return nil, err
	}

	if recent.TotalCalls == 0 {
		return &MonthlyProjection{BudgetStatus: "within_budget"}, nil
	}

	dailyAvg := recent.TotalCost / 7
	projected := dailyAvg * 30

	proj := &MonthlyProjection{
		ProjectedMonthlyCost:  projected,
		ProjectedMonthlyCalls: recent.TotalCalls * 30 / 7,
		DailyAverageCost:      dailyAvg,
		BudgetStatus:          "within_budget",
	}
	if s.budget > 0 && projected > s.budget {
		proj.BudgetStatus = "over_budget"
		proj.Warning = fmt.Sprintf("projected monthly cost %.2f exceeds budget %.2f", projected, s.budget)
	}
	return proj, nil
}
