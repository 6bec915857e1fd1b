// Package record implements the tagged-union event record that is the
// atomic unit persisted by every layer of the storage engine (WAL,
// MemTable, OLTP SSTable, OLAP file). The byte layout is stable across
// versions via an explicit variant tag, is directly mappable from a file
// into memory without parsing unaccessed fields, and is validated on read
// via a structural check that returns an error rather than panicking.
package record

import "time"

// Tag identifies which variant a serialized record holds. Values are
// stable on disk; never renumber an existing tag.
type Tag uint8

const (
	TagOrderInsert Tag = iota
	TagOrderStatusUpdate
	TagTradeExecuted
	TagAccountOpen
	TagAccountUpdate
	TagAccountSnapshot
	TagPositionSnapshot
	TagUserRegister
	TagAccountBind
	TagUserRoleUpdate
	TagTickData
	TagOrderBookSnapshot
	TagOrderBookDelta
	TagKLineFinished
	TagCheckpoint
	TagFactorUpdate
	TagFactorSnapshot
	tagCount // sentinel, not a valid tag
)

var tagNames = [tagCount]string{
	"order_insert", "order_status_update", "trade_executed",
	"account_open", "account_update", "account_snapshot", "position_snapshot",
	"user_register", "account_bind", "user_role_update",
	"tick_data", "order_book_snapshot", "order_book_delta", "kline_finished",
	"checkpoint", "factor_update", "factor_snapshot",
}

// String returns the variant's on-disk name, used by log fields and
// operator tooling. An out-of-range tag (corrupt data) reports itself
// rather than panicking.
func (t Tag) String() string {
	if int(t) < 0 || t >= tagCount {
		return "unknown"
	}
	return tagNames[t]
}

// Fixed-size identifier widths, in bytes. Strings are null-padded into
// these arrays so every variant has a fixed, mmap-able byte layout.
const (
	UserIDLen       = 32
	InstrumentIDLen = 16
	AccountIDLen    = 64
	AccountNameLen  = 64
	UsernameLen     = 32
	PasswordHashLen = 64
	PhoneLen        = 16
	EmailLen        = 64
	FactorIDLen     = 32
	OrderBookDepth  = 5 // price levels carried in a snapshot
)

// Direction mirrors buy/sell for OrderInsert.
type Direction uint8

const (
	DirectionBuy Direction = iota
	DirectionSell
)

// Offset mirrors open/close for OrderInsert.
type Offset uint8

const (
	OffsetOpen Offset = iota
	OffsetClose
	OffsetCloseToday
)

// OrderStatus values for OrderStatusUpdate.
type OrderStatus uint8

const (
	OrderStatusAccepted OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

// AccountType values for AccountOpen. Unknown values on read default to
// AccountTypeIndividual with a warning, per the recovery manager contract.
type AccountType uint8

const (
	AccountTypeIndividual AccountType = iota
	AccountTypeInstitutional
	AccountTypeMarketMaker
)

// Record is implemented by every event variant. Tag identifies which
// concrete type implements it; Timestamp is used as the MemTable key's
// most significant component.
type Record interface {
	Tag() Tag
	TimestampNanos() int64
}

// OrderInsert records a new order accepted into the book.
type OrderInsert struct {
	OrderID      uint64
	UserID       [UserIDLen]byte
	InstrumentID [InstrumentIDLen]byte
	Direction    Direction
	Offset       Offset
	Price        float64
	Volume       float64
	Timestamp    int64
}

func (r *OrderInsert) Tag() Tag              { return TagOrderInsert }
func (r *OrderInsert) TimestampNanos() int64 { return r.Timestamp }

// OrderStatusUpdate records a change in an order's lifecycle state.
type OrderStatusUpdate struct {
	OrderID       uint64
	Status        OrderStatus
	FilledVolume  float64
	Timestamp     int64
}

func (r *OrderStatusUpdate) Tag() Tag              { return TagOrderStatusUpdate }
func (r *OrderStatusUpdate) TimestampNanos() int64 { return r.Timestamp }

// TradeExecuted records one fill.
type TradeExecuted struct {
	TradeID         uint64
	OrderID         uint64
	ExchangeOrderID uint64
	Price           float64
	Volume          float64
	Timestamp       int64
}

func (r *TradeExecuted) Tag() Tag              { return TagTradeExecuted }
func (r *TradeExecuted) TimestampNanos() int64 { return r.Timestamp }

// AccountOpen records account creation.
type AccountOpen struct {
	AccountID   [AccountIDLen]byte
	UserID      [UserIDLen]byte
	AccountName [AccountNameLen]byte
	InitCash    float64
	AccountType AccountType
	Timestamp   int64
}

func (r *AccountOpen) Tag() Tag              { return TagAccountOpen }
func (r *AccountOpen) TimestampNanos() int64 { return r.Timestamp }

// AccountUpdate records a balance mutation for a user's account.
type AccountUpdate struct {
	UserID    [UserIDLen]byte
	Balance   float64
	Available float64
	Frozen    float64
	Margin    float64
	Timestamp int64
}

func (r *AccountUpdate) Tag() Tag              { return TagAccountUpdate }
func (r *AccountUpdate) TimestampNanos() int64 { return r.Timestamp }

// AccountSnapshot is a periodic full snapshot of account state.
type AccountSnapshot struct {
	AccountID [AccountIDLen]byte
	Balance   float64
	Available float64
	Frozen    float64
	Margin    float64
	Timestamp int64
}

func (r *AccountSnapshot) Tag() Tag              { return TagAccountSnapshot }
func (r *AccountSnapshot) TimestampNanos() int64 { return r.Timestamp }

// PositionSnapshot is a periodic full snapshot of one instrument position.
type PositionSnapshot struct {
	AccountID    [AccountIDLen]byte
	InstrumentID [InstrumentIDLen]byte
	LongVolume   float64
	ShortVolume  float64
	CostLong     float64
	CostShort    float64
	Timestamp    int64
}

func (r *PositionSnapshot) Tag() Tag              { return TagPositionSnapshot }
func (r *PositionSnapshot) TimestampNanos() int64 { return r.Timestamp }

// UserRegister records a new user account.
type UserRegister struct {
	UserID       [UserIDLen]byte
	Username     [UsernameLen]byte
	PasswordHash [PasswordHashLen]byte
	Phone        [PhoneLen]byte
	Email        [EmailLen]byte
	RolesBitmask uint32
	CreatedAt    int64
}

func (r *UserRegister) Tag() Tag              { return TagUserRegister }
func (r *UserRegister) TimestampNanos() int64 { return r.CreatedAt }

// AccountBind links a user to an account.
type AccountBind struct {
	UserID    [UserIDLen]byte
	AccountID [AccountIDLen]byte
	Timestamp int64
}

func (r *AccountBind) Tag() Tag              { return TagAccountBind }
func (r *AccountBind) TimestampNanos() int64 { return r.Timestamp }

// UserRoleUpdate changes a user's role bitmask.
type UserRoleUpdate struct {
	UserID       [UserIDLen]byte
	RolesBitmask uint32
	Timestamp    int64
}

func (r *UserRoleUpdate) Tag() Tag              { return TagUserRoleUpdate }
func (r *UserRoleUpdate) TimestampNanos() int64 { return r.Timestamp }

// TickData is one top-of-book market data update.
type TickData struct {
	InstrumentID [InstrumentIDLen]byte
	LastPrice    float64
	Volume       float64
	Turnover     float64
	Timestamp    int64
}

func (r *TickData) Tag() Tag              { return TagTickData }
func (r *TickData) TimestampNanos() int64 { return r.Timestamp }

// PriceLevel is one side's price/volume pair in an order book snapshot.
type PriceLevel struct {
	Price  float64
	Volume float64
}

// OrderBookSnapshot is a fixed-depth view of both sides of the book.
type OrderBookSnapshot struct {
	InstrumentID [InstrumentIDLen]byte
	Bids         [OrderBookDepth]PriceLevel
	Asks         [OrderBookDepth]PriceLevel
	Timestamp    int64
}

func (r *OrderBookSnapshot) Tag() Tag              { return TagOrderBookSnapshot }
func (r *OrderBookSnapshot) TimestampNanos() int64 { return r.Timestamp }

// BookSide distinguishes bid/ask in an OrderBookDelta.
type BookSide uint8

const (
	BookSideBid BookSide = iota
	BookSideAsk
)

// OrderBookDelta is one incremental book change.
type OrderBookDelta struct {
	InstrumentID [InstrumentIDLen]byte
	Side         BookSide
	Price        float64
	Volume       float64
	Timestamp    int64
}

func (r *OrderBookDelta) Tag() Tag              { return TagOrderBookDelta }
func (r *OrderBookDelta) TimestampNanos() int64 { return r.Timestamp }

// KLineFinished records one closed candle.
type KLineFinished struct {
	InstrumentID [InstrumentIDLen]byte
	PeriodSecs   uint32
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Timestamp    int64
}

func (r *KLineFinished) Tag() Tag              { return TagKLineFinished }
func (r *KLineFinished) TimestampNanos() int64 { return r.Timestamp }

// Checkpoint marks a WAL position after which everything is durably
// reflected in sealed SSTables; it permits segment truncation.
type Checkpoint struct {
	Sequence  uint64
	Timestamp int64
}

func (r *Checkpoint) Tag() Tag              { return TagCheckpoint }
func (r *Checkpoint) TimestampNanos() int64 { return r.Timestamp }

// FactorUpdate carries an opaque factor-engine payload. The recovery
// manager skips this variant; it is written through to the WAL purely
// for durability and later specialized replay.
type FactorUpdate struct {
	InstrumentID [InstrumentIDLen]byte
	FactorID     [FactorIDLen]byte
	Value        float64
	Timestamp    int64
}

func (r *FactorUpdate) Tag() Tag              { return TagFactorUpdate }
func (r *FactorUpdate) TimestampNanos() int64 { return r.Timestamp }

// FactorSnapshot is a periodic full snapshot of a factor window, also
// opaque to account/user recovery.
type FactorSnapshot struct {
	InstrumentID [InstrumentIDLen]byte
	FactorID     [FactorIDLen]byte
	Payload      [128]byte
	Timestamp    int64
}

func (r *FactorSnapshot) Tag() Tag              { return TagFactorSnapshot }
func (r *FactorSnapshot) TimestampNanos() int64 { return r.Timestamp }

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
