// Package forecast predicts future API spend from ledger history and
// derives cost-saving recommendations. Four prediction models are
// available; auto mode picks the one with the best fit on the observed
// series.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/BaSui01/costguard/ledger"
)

// Method selects the prediction model.
type Method string

const (
	MethodAuto       Method = "auto"
	MethodSimple     Method = "simple"
	MethodLinear     Method = "linear"
	MethodPolynomial Method = "polynomial"
	MethodSeasonal   Method = "seasonal"

	// MethodFallback marks a zero-confidence prediction produced when
	// the ledger holds no usage history at all.
	MethodFallback Method = "fallback"
)

const (
	historyDays      = 30
	minSamplesModel  = 3
	minSamplesSeason = 7
	simpleConfidence = 0.3
	seasonalDiscount = 0.8
	linearFloor      = 0.1
	seasonalFloor    = 0.2
)

// Prediction is the outcome of a cost forecast.
type Prediction struct {
	Method        Method             `json:"method"`
	DaysAhead     int                `json:"days_ahead"`
	PredictedCost float64            `json:"predicted_cost"`
	DailyForecast []float64          `json:"daily_forecast"`
	Confidence    float64            `json:"confidence"`
	RiskLevel     string             `json:"risk_level"`
	APIBreakdown  map[string]float64 `json:"api_breakdown"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Predictor forecasts spend from the usage ledger.
type Predictor struct {
	ledger ledger.Ledger
	budget float64
	rates  RateUsage
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewPredictor builds a predictor over the given ledger. monthlyBudget
// is used for risk classification and may be zero to disable it.
func NewPredictor(l ledger.Ledger, monthlyBudget float64, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{
		ledger: l,
		budget: monthlyBudget,
		logger: logger.With(zap.String("component", "cost_predictor")),
		nowFn:  time.Now,
	}
}

// dailyPoint is one observed day of total spend.
type dailyPoint struct {
	day     time.Time
	cost    float64
	weekday time.Weekday
}

// PredictCost forecasts total spend for the next daysAhead days using
// the given method. With MethodAuto every model is fitted and the one
// with the highest confidence wins. Forecast values are clamped at
// zero.
func (p *Predictor) PredictCost(ctx context.Context, daysAhead int, method Method) (*Prediction, error) {
	if daysAhead <= 0 {
		return nil, fmt.Errorf("forecast: days ahead must be positive, got %d", daysAhead)
	}

	summary, err := p.ledger.GetUsageSummary(ctx, historyDays)
	if err != nil {
		return nil, fmt.Errorf("forecast: usage summary: %w", err)
	}
	points := dailySeries(summary)
	if len(points) == 0 {
		p.logger.Warn("no usage history, returning fallback prediction",
			zap.Int("days_ahead", daysAhead))
		return p.fallbackPrediction(daysAhead), nil
	}

	var daily []float64
	var confidence float64
	used := method

	switch method {
	case MethodSimple:
		daily, confidence = p.predictSimple(points, daysAhead)
	case MethodLinear:
		daily, confidence = p.predictLinear(points, daysAhead)
	case MethodPolynomial:
		daily, confidence = p.predictPolynomial(points, daysAhead)
	case MethodSeasonal:
		daily, confidence = p.predictSeasonal(points, daysAhead)
	case MethodAuto, "":
		daily, confidence, used = p.predictAuto(points, daysAhead)
	default:
		return nil, fmt.Errorf("forecast: unknown method %q", method)
	}

	// A model with too few samples produces no forecast, so fall back
	// to the plain average.
	if daily == nil && used != MethodSimple {
		daily, confidence = p.predictSimple(points, daysAhead)
		used = MethodSimple
	}

	total := 0.0
	for i, v := range daily {
		if v < 0 {
			daily[i] = 0
			v = 0
		}
		total += v
	}

	pred := &Prediction{
		Method:        used,
		DaysAhead:     daysAhead,
		PredictedCost: total,
		DailyForecast: daily,
		Confidence:    confidence,
		RiskLevel:     p.riskLevel(points, total, daysAhead),
		APIBreakdown:  apiBreakdown(summary, total),
		GeneratedAt:   p.nowFn(),
	}
	p.logger.Debug("cost prediction",
		zap.String("method", string(used)),
		zap.Int("days_ahead", daysAhead),
		zap.Float64("predicted_cost", total),
		zap.Float64("confidence", confidence))
	return pred, nil
}

// fallbackPrediction stands in when nothing has been observed yet. It
// carries zero confidence so callers never act on it.
func (p *Predictor) fallbackPrediction(daysAhead int) *Prediction {
	return &Prediction{
		Method:       MethodFallback,
		DaysAhead:    daysAhead,
		Confidence:   0,
		RiskLevel:    "unknown",
		APIBreakdown: map[string]float64{},
		GeneratedAt:  p.nowFn(),
	}
}

func (p *Predictor) predictAuto(points []dailyPoint, daysAhead int) ([]float64, float64, Method) {
	type candidate struct {
		method Method
		daily  []float64
		conf   float64
	}
	cands := []candidate{}
	if d, c := p.predictLinear(points, daysAhead); d != nil {
		cands = append(cands, candidate{MethodLinear, d, c})
	}
	if d, c := p.predictPolynomial(points, daysAhead); d != nil {
		cands = append(cands, candidate{MethodPolynomial, d, c})
	}
	if d, c := p.predictSeasonal(points, daysAhead); d != nil {
		cands = append(cands, candidate{MethodSeasonal, d, c})
	}
	best := candidate{MethodSimple, nil, -1}
	best.daily, best.conf = p.predictSimple(points, daysAhead)
	for _, c := range cands {
		if c.conf > best.conf {
			best = c
		}
	}
	return best.daily, best.conf, best.method
}

// predictSimple repeats the observed mean daily cost.
func (p *Predictor) predictSimple(points []dailyPoint, daysAhead int) ([]float64, float64) {
	sum := 0.0
	for _, pt := range points {
		sum += pt.cost
	}
	avg := sum / float64(len(points))
	daily := make([]float64, daysAhead)
	for i := range daily {
		daily[i] = avg
	}
	return daily, simpleConfidence
}

// predictLinear fits an ordinary least squares line over day index.
func (p *Predictor) predictLinear(points []dailyPoint, daysAhead int) ([]float64, float64) {
	if len(points) < minSamplesModel {
		return nil, 0
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, pt := range points {
		xs[i] = float64(i)
		ys[i] = pt.cost
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) {
		r2 = 0
	}
	daily := make([]float64, daysAhead)
	n := float64(len(points))
	for i := range daily {
		daily[i] = alpha + beta*(n+float64(i))
	}
	return daily, math.Max(linearFloor, r2)
}

// predictPolynomial fits a degree-2 polynomial by least squares.
func (p *Predictor) predictPolynomial(points []dailyPoint, daysAhead int) ([]float64, float64) {
	if len(points) < minSamplesModel {
		return nil, 0
	}
	n := len(points)
	a := mat.NewDense(n, 3, nil)
	b := mat.NewVecDense(n, nil)
	for i, pt := range points {
		x := float64(i)
		a.Set(i, 0, 1)
		a.Set(i, 1, x)
		a.Set(i, 2, x*x)
		b.SetVec(i, pt.cost)
	}

	var qr mat.QR
	qr.Factorize(a)
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, b); err != nil {
		return nil, 0
	}
	c0, c1, c2 := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)

	eval := func(x float64) float64 { return c0 + c1*x + c2*x*x }
	r2 := rSquared(points, eval)
	daily := make([]float64, daysAhead)
	for i := range daily {
		daily[i] = eval(float64(n + i))
	}
	return daily, math.Max(linearFloor, r2)
}

// predictSeasonal forecasts each future day from the mean of its
// weekday in the observed window.
func (p *Predictor) predictSeasonal(points []dailyPoint, daysAhead int) ([]float64, float64) {
	if len(points) < minSamplesSeason {
		return nil, 0
	}
	sums := map[time.Weekday]float64{}
	counts := map[time.Weekday]int{}
	overall := 0.0
	for _, pt := range points {
		sums[pt.weekday] += pt.cost
		counts[pt.weekday]++
		overall += pt.cost
	}
	overallAvg := overall / float64(len(points))

	eval := func(wd time.Weekday) float64 {
		if counts[wd] == 0 {
			return overallAvg
		}
		return sums[wd] / float64(counts[wd])
	}
	r2 := rSquared(points, func(x float64) float64 {
		return eval(points[int(x)].weekday)
	})

	last := points[len(points)-1].day
	daily := make([]float64, daysAhead)
	for i := range daily {
		daily[i] = eval(last.AddDate(0, 0, i+1).Weekday())
	}
	return daily, math.Max(seasonalFloor, r2*seasonalDiscount)
}

// rSquared computes the coefficient of determination for a fitted
// model over the observed series, with x as the day index.
func rSquared(points []dailyPoint, eval func(x float64) float64) float64 {
	mean := 0.0
	for _, pt := range points {
		mean += pt.cost
	}
	mean /= float64(len(points))

	var ssRes, ssTot float64
	for i, pt := range points {
		d := pt.cost - eval(float64(i))
		ssRes += d * d
		t := pt.cost - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return 0
	}
	r2 := 1 - ssRes/ssTot
	if math.IsNaN(r2) || r2 < 0 {
		return 0
	}
	return r2
}

func (p *Predictor) riskLevel(points []dailyPoint, predicted float64, daysAhead int) string {
	if p.budget <= 0 || daysAhead == 0 {
		return "unknown"
	}
	perDay := predicted / float64(daysAhead)
	projectedMonthly := perDay * 30
	ratio := projectedMonthly / p.budget
	switch {
	case ratio >= 1.0:
		return "critical"
	case ratio >= 0.9:
		return "high"
	case ratio >= 0.75:
		return "medium"
	case ratio >= 0.5:
		return "low"
	default:
		return "none"
	}
}

// apiBreakdown distributes the predicted total over APIs proportionally
// to their observed share of spend.
func apiBreakdown(summary *ledger.UsageSummary, predicted float64) map[string]float64 {
	out := make(map[string]float64, len(summary.APIBreakdown))
	if summary.TotalCost <= 0 {
		return out
	}
	for _, api := range summary.APIBreakdown {
		out[api.APIName] = predicted * (api.TotalCost / summary.TotalCost)
	}
	return out
}

// dailySeries flattens the summary's per-day usage into a date-sorted
// total cost series.
func dailySeries(summary *ledger.UsageSummary) []dailyPoint {
	dates := make([]string, 0, len(summary.DailyUsage))
	for d := range summary.DailyUsage {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	points := make([]dailyPoint, 0, len(dates))
	for _, d := range dates {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			continue
		}
		total := 0.0
		for _, u := range summary.DailyUsage[d] {
			total += u.Cost
		}
		points = append(points, dailyPoint{day: day, cost: total, weekday: day.Weekday()})
	}
	return points
}
