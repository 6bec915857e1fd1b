// Package subscriber bridges the notification broker to durable storage:
// it subscribes globally, batches incoming notifications, converts each
// one to a storage record, groups the batch by destination instrument,
// and writes each group through the instrument manager.
package subscriber

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/notify"
	"github.com/qaexchange/qax-core/pkg/record"
)

// Config controls batching behavior. The producer hot path never awaits
// the subscriber; all coupling is the broker's non-blocking channel send.
type Config struct {
	BatchSize      int
	BatchTimeout   time.Duration
	BufferSize     int
}

// DefaultConfig mirrors the batching defaults observed in the reference
// implementation: 1000-record batches, a 10ms flush timeout, and a 10k
// notification buffer ahead of the batcher.
func DefaultConfig() Config {
	return Config{BatchSize: 1000, BatchTimeout: 10 * time.Millisecond, BufferSize: 10000}
}

// Stats reports the subscriber's lifetime counters.
type Stats struct {
	Received  uint64
	Persisted uint64
	Batches   uint64
	Errors    uint64
	LastError string
}

// Subscriber is the long-running task described above.
type Subscriber struct {
	cfg     Config
	manager *instrument.Manager
	broker  *notify.Broker
	sub     notify.Subscriber

	buffer chan *notify.Notification
	stopCh chan struct{}
	done   chan struct{}

	received  uint64
	persisted uint64
	batches   uint64
	errors    uint64

	mu        sync.Mutex
	lastError string

	stream StreamSink
	logger zerolog.Logger
}

// StreamSink receives each record immediately after it is durably
// persisted, so a caller holding one (typically a query.Router) can
// serve it before the next WAL read would pick it up.
type StreamSink interface {
	PushStream(instrumentID string, ts int64, seq uint64, rec record.Record)
}

// New constructs a Subscriber. Start registers it with broker.
func New(broker *notify.Broker, manager *instrument.Manager, cfg Config, logger zerolog.Logger) *Subscriber {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultConfig().BatchTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Subscriber{
		cfg:     cfg,
		manager: manager,
		broker:  broker,
		buffer:  make(chan *notify.Notification, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "subscriber.Subscriber").Logger(),
	}
}

// Start subscribes globally to the broker and begins the batching loop.
// The broker's dispatch into the subscription channel is non-blocking; a
// forwarding goroutine moves notifications into s.buffer and drops them
// when it is full.
func (s *Subscriber) Start() {
	s.sub = s.broker.SubscribeGlobal()
	go s.forward()
	go s.run()
}

func (s *Subscriber) forward() {
	for n := range s.sub {
		select {
		case s.buffer <- n:
		default:
			s.logger.Warn().Msg("subscriber buffer full, dropping notification")
		}
	}
}

// SetStreamSink attaches sink to receive every record this subscriber
// persists. It is not safe to call once Start has been invoked.
func (s *Subscriber) SetStreamSink(sink StreamSink) {
	s.stream = sink
}

// Stop halts the batching loop and unsubscribes from the broker.
func (s *Subscriber) Stop() {
	close(s.stopCh)
	<-s.done
	s.broker.UnsubscribeGlobal(s.sub)
}

func (s *Subscriber) run() {
	defer close(s.done)

	batch := make([]*notify.Notification, 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		case n := <-s.buffer:
			atomic.AddUint64(&s.received, 1)
			batch = append(batch, n)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
				resetTimer(timer, s.cfg.BatchTimeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(s.cfg.BatchTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Subscriber) flush(batch []*notify.Notification) {
	grouped := make(map[string][]record.Record)
	for _, n := range batch {
		instrumentID, rec, ok := convert(n)
		if !ok {
			continue
		}
		grouped[instrumentID] = append(grouped[instrumentID], rec)
	}

	persisted := 0
	now := time.Now()
	for instrumentID, recs := range grouped {
		seqs, err := s.manager.AppendBatch(instrumentID, recs, now)
		if err != nil {
			atomic.AddUint64(&s.errors, 1)
			s.setLastError(err.Error())
			s.logger.Error().Err(err).Str("instrument_id", instrumentID).Msg("failed to persist batch")
			continue
		}
		if s.stream != nil {
			for i, rec := range recs {
				s.stream.PushStream(instrumentID, now.UnixNano(), seqs[i], rec)
			}
		}
		persisted += len(recs)
	}

	atomic.AddUint64(&s.persisted, uint64(persisted))
	atomic.AddUint64(&s.batches, 1)
}

func (s *Subscriber) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// GetStats returns the subscriber's current counters.
func (s *Subscriber) GetStats() Stats {
	s.mu.Lock()
	lastErr := s.lastError
	s.mu.Unlock()
	return Stats{
		Received:  atomic.LoadUint64(&s.received),
		Persisted: atomic.LoadUint64(&s.persisted),
		Batches:   atomic.LoadUint64(&s.batches),
		Errors:    atomic.LoadUint64(&s.errors),
		LastError: lastErr,
	}
}

// convert decodes a notification's JSON payload into a storage record and
// determines which instrument shard it belongs to. Notification types
// with no corresponding storage record (acknowledgements, system notices)
// return ok=false and are simply not persisted.
func convert(n *notify.Notification) (instrumentID string, rec record.Record, ok bool) {
	switch n.MessageType {
	case notify.TypeAccountOpen:
		var p accountOpenPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return "", nil, false
		}
		r := &record.AccountOpen{InitCash: p.InitCash, AccountType: record.AccountType(p.AccountType), Timestamp: n.Timestamp}
		record.PutFixed(r.AccountID[:], p.AccountID)
		record.PutFixed(r.UserID[:], p.UserID)
		record.PutFixed(r.AccountName[:], p.AccountName)
		return instrument.AccountInstrumentID, r, true

	case notify.TypeAccountUpdate:
		var p accountUpdatePayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return "", nil, false
		}
		r := &record.AccountUpdate{Balance: p.Balance, Available: p.Available, Frozen: p.Frozen, Margin: p.Margin, Timestamp: n.Timestamp}
		record.PutFixed(r.UserID[:], p.UserID)
		return instrument.AccountInstrumentID, r, true

	case notify.TypeTradeExecuted:
		var p tradeExecutedPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return "", nil, false
		}
		r := &record.TradeExecuted{
			TradeID:         extractNumericID(p.TradeID),
			OrderID:         extractNumericID(p.OrderID),
			ExchangeOrderID: extractNumericID(p.ExchangeOrderID),
			Price:           p.Price,
			Volume:          p.Volume,
			Timestamp:       n.Timestamp,
		}
		return p.InstrumentID, r, true

	case notify.TypeOrderAccepted:
		var p orderAcceptedPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return "", nil, false
		}
		r := &record.OrderInsert{
			OrderID:   extractNumericID(p.OrderID),
			Direction: directionFromString(p.Direction),
			Offset:    offsetFromString(p.Offset),
			Price:     p.Price,
			Volume:    p.Volume,
			Timestamp: n.Timestamp,
		}
		record.PutFixed(r.UserID[:], n.UserID)
		record.PutFixed(r.InstrumentID[:], p.InstrumentID)
		return p.InstrumentID, r, true

	default:
		return "", nil, false
	}
}

type accountOpenPayload struct {
	AccountID   string  `json:"account_id"`
	UserID      string  `json:"user_id"`
	AccountName string  `json:"account_name"`
	InitCash    float64 `json:"init_cash"`
	AccountType uint8   `json:"account_type"`
}

type accountUpdatePayload struct {
	UserID    string  `json:"user_id"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"`
	Margin    float64 `json:"margin"`
}

type tradeExecutedPayload struct {
	TradeID         string  `json:"trade_id"`
	OrderID         string  `json:"order_id"`
	ExchangeOrderID string  `json:"exchange_order_id"`
	InstrumentID    string  `json:"instrument_id"`
	Price           float64 `json:"price"`
	Volume          float64 `json:"volume"`
}

type orderAcceptedPayload struct {
	OrderID      string  `json:"order_id"`
	InstrumentID string  `json:"instrument_id"`
	Direction    string  `json:"direction"`
	Offset       string  `json:"offset"`
	Price        float64 `json:"price"`
	Volume       float64 `json:"volume"`
}

// extractNumericID pulls the digit run out of an external ID string
// (e.g. "T1042" -> 1042), defaulting to 0 when it contains no digits.
func extractNumericID(id string) uint64 {
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	v, err := strconv.ParseUint(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func directionFromString(s string) record.Direction {
	if strings.EqualFold(s, "SELL") {
		return record.DirectionSell
	}
	return record.DirectionBuy
}

func offsetFromString(s string) record.Offset {
	switch strings.ToUpper(s) {
	case "CLOSE":
		return record.OffsetClose
	case "CLOSE_TODAY", "CLOSETODAY":
		return record.OffsetCloseToday
	default:
		return record.OffsetOpen
	}
}
