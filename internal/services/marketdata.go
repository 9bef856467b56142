package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
)

var mdLog = logrus.WithField("component", "market_data")

// 每个标的保留的最近样本数
const sampleRingCap = 8

// PriceSource 价格来源抽象
// 默认实现从持仓快照的 currentPrice 派生；测试里可直接注入序列。
type PriceSource interface {
	// LastPrice 返回标的最近已知价格；第二个返回值为 false 表示暂无价格
	LastPrice(ctx context.Context, ticker string) (decimal.Decimal, bool, error)
}

// MarketDataService 合成行情生成器
//
// 远端没有行情推送，这里用周期性价格轮询造出断言友好的单层 Tick：
// bid/ask = last ∓ spread/2。样本超过新鲜度窗口就标记 stale，
// 消费方自行决定 stale 行情能不能用。
type MarketDataService struct {
	source PriceSource
	bus    *events.Bus

	spread    decimal.Decimal // 名义全点差
	staleness time.Duration   // 新鲜度窗口

	mu      sync.RWMutex
	tickers map[string]bool                 // 订阅集合
	samples map[string][]domain.PriceSample // ticker -> 最近样本环（尾部最新）
}

// NewMarketDataService 创建行情服务
func NewMarketDataService(source PriceSource, bus *events.Bus, spread decimal.Decimal, staleness time.Duration) *MarketDataService {
	return &MarketDataService{
		source:    source,
		bus:       bus,
		spread:    spread,
		staleness: staleness,
		tickers:   make(map[string]bool),
		samples:   make(map[string][]domain.PriceSample),
	}
}

// Subscribe 订阅标的的合成行情
func (s *MarketDataService) Subscribe(ticker string) {
	s.mu.Lock()
	s.tickers[ticker] = true
	s.mu.Unlock()
}

// Unsubscribe 退订并清掉样本
func (s *MarketDataService) Unsubscribe(ticker string) {
	s.mu.Lock()
	delete(s.tickers, ticker)
	delete(s.samples, ticker)
	s.mu.Unlock()
}

// Subscribed 当前订阅列表
func (s *MarketDataService) Subscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tickers))
	for t := range s.tickers {
		out = append(out, t)
	}
	return out
}

// Poll 对全部订阅标的拉一轮价格并发布 Tick
// 某个标的拉不到价格不影响其余标的，只对自己降级为 stale。
func (s *MarketDataService) Poll(ctx context.Context) {
	now := time.Now()
	for _, ticker := range s.Subscribed() {
		price, ok, err := s.source.LastPrice(ctx, ticker)
		if err != nil {
			mdLog.Warnf("⚠️ [行情] 拉取价格失败: ticker=%s err=%v", ticker, err)
			s.publishFromCache(ticker, now)
			continue
		}
		if !ok {
			s.publishFromCache(ticker, now)
			continue
		}
		s.OnPriceSample(domain.PriceSample{Ticker: ticker, Price: price, SampledAt: now})
	}
}

// OnPriceSample 接收一个价格样本，更新样本环并发布合成 Tick
func (s *MarketDataService) OnPriceSample(sample domain.PriceSample) {
	s.mu.Lock()
	ring := append(s.samples[sample.Ticker], sample)
	if len(ring) > sampleRingCap {
		ring = ring[len(ring)-sampleRingCap:]
	}
	s.samples[sample.Ticker] = ring
	s.mu.Unlock()

	s.publishTick(sample, sample.SampledAt)
}

// LastTick 最近一次合成行情；无样本时返回 false
func (s *MarketDataService) LastTick(ticker string) (domain.Tick, bool) {
	s.mu.RLock()
	ring := s.samples[ticker]
	s.mu.RUnlock()
	if len(ring) == 0 {
		return domain.Tick{}, false
	}
	sample := ring[len(ring)-1]
	return s.buildTick(sample, time.Now()), true
}

// History 标的的最近样本（旧到新）
func (s *MarketDataService) History(ticker string) []domain.PriceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.samples[ticker]
	out := make([]domain.PriceSample, len(ring))
	copy(out, ring)
	return out
}

// publishFromCache 本轮没有新价格，基于缓存样本发布（多半是 stale）
func (s *MarketDataService) publishFromCache(ticker string, now time.Time) {
	s.mu.RLock()
	ring := s.samples[ticker]
	s.mu.RUnlock()
	if len(ring) == 0 {
		return
	}
	s.publishTick(ring[len(ring)-1], now)
}

func (s *MarketDataService) publishTick(sample domain.PriceSample, now time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TickEvent{Tick: s.buildTick(sample, now)})
}

func (s *MarketDataService) buildTick(sample domain.PriceSample, now time.Time) domain.Tick {
	half := s.spread.Div(decimal.NewFromInt(2))
	return domain.Tick{
		Ticker:     sample.Ticker,
		Bid:        sample.Price.Sub(half),
		Ask:        sample.Price.Add(half),
		Last:       sample.Price,
		Confidence: sample.ConfidenceAt(now, s.staleness),
		Timestamp:  now,
	}
}

// portfolioPriceSource 用持仓快照的 currentPrice 当价格来源
// 持仓里没有的标的拿不到价格，Poll 会基于缓存降级。
type portfolioPriceSource struct {
	account *AccountService
}

// NewPortfolioPriceSource 基于账户持仓的价格来源
func NewPortfolioPriceSource(account *AccountService) PriceSource {
	return &portfolioPriceSource{account: account}
}

func (p *portfolioPriceSource) LastPrice(_ context.Context, ticker string) (decimal.Decimal, bool, error) {
	pos, ok := p.account.Position(ticker)
	if !ok || pos.CurrentPrice.IsZero() {
		return decimal.Zero, false, nil
	}
	return pos.CurrentPrice, true, nil
}
