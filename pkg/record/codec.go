package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// payloadLens gives the exact on-disk payload size (excluding the leading
// tag byte) for every variant. Sizes are fixed so a reader can validate a
// buffer's length against its tag before touching a single field.
var payloadLens = map[Tag]int{
	TagOrderInsert:       82,
	TagOrderStatusUpdate: 25,
	TagTradeExecuted:     48,
	TagAccountOpen:       177,
	TagAccountUpdate:     72,
	TagAccountSnapshot:   104,
	TagPositionSnapshot:  120,
	TagUserRegister:      220,
	TagAccountBind:       104,
	TagUserRoleUpdate:    44,
	TagTickData:          48,
	TagOrderBookSnapshot: 184,
	TagOrderBookDelta:    41,
	TagKLineFinished:     68,
	TagCheckpoint:        16,
	TagFactorUpdate:      64,
	TagFactorSnapshot:    184,
}

// enc is a small fixed-layout byte cursor used to pack record payloads.
type enc struct {
	buf []byte
	pos int
}

func newEnc(payloadLen int) *enc {
	return &enc{buf: make([]byte, 1+payloadLen)}
}

func (e *enc) tag(t Tag) {
	e.buf[0] = byte(t)
	e.pos = 1
}

func (e *enc) u8(v uint8) {
	e.buf[e.pos] = v
	e.pos++
}

func (e *enc) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.pos:], v)
	e.pos += 4
}

func (e *enc) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.pos:], v)
	e.pos += 8
}

func (e *enc) i64(v int64) {
	binary.LittleEndian.PutUint64(e.buf[e.pos:], uint64(v))
	e.pos += 8
}

func (e *enc) f64(v float64) {
	binary.LittleEndian.PutUint64(e.buf[e.pos:], math.Float64bits(v))
	e.pos += 8
}

func (e *enc) fixed(b []byte) {
	copy(e.buf[e.pos:], b)
	e.pos += len(b)
}

// dec is the read-side counterpart of enc, operating directly on a
// validated byte slice without allocating.
type dec struct {
	buf []byte
	pos int
}

func newDec(buf []byte) *dec {
	return &dec{buf: buf, pos: 1} // skip tag
}

func (d *dec) u8() uint8 {
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *dec) u32() uint32 {
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *dec) u64() uint64 {
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *dec) i64() int64 {
	v := int64(binary.LittleEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v
}

func (d *dec) f64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v
}

func (d *dec) fixed(n int) []byte {
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *dec) fixedArray(dst []byte) {
	copy(dst, d.buf[d.pos:d.pos+len(dst)])
	d.pos += len(dst)
}

// Serialize packs a record into its stable on-disk byte form: one tag byte
// followed by the variant's fixed-size payload.
func Serialize(r Record) ([]byte, error) {
	tag := r.Tag()
	n, ok := payloadLens[tag]
	if !ok {
		return nil, fmt.Errorf("record: unknown tag %d: %w", tag, xerrors.ErrInvalidArgument)
	}
	e := newEnc(n)
	e.tag(tag)

	switch v := r.(type) {
	case *OrderInsert:
		e.u64(v.OrderID)
		e.fixed(v.UserID[:])
		e.fixed(v.InstrumentID[:])
		e.u8(uint8(v.Direction))
		e.u8(uint8(v.Offset))
		e.f64(v.Price)
		e.f64(v.Volume)
		e.i64(v.Timestamp)
	case *OrderStatusUpdate:
		e.u64(v.OrderID)
		e.u8(uint8(v.Status))
		e.f64(v.FilledVolume)
		e.i64(v.Timestamp)
	case *TradeExecuted:
		e.u64(v.TradeID)
		e.u64(v.OrderID)
		e.u64(v.ExchangeOrderID)
		e.f64(v.Price)
		e.f64(v.Volume)
		e.i64(v.Timestamp)
	case *AccountOpen:
		e.fixed(v.AccountID[:])
		e.fixed(v.UserID[:])
		e.fixed(v.AccountName[:])
		e.f64(v.InitCash)
		e.u8(uint8(v.AccountType))
		e.i64(v.Timestamp)
	case *AccountUpdate:
		e.fixed(v.UserID[:])
		e.f64(v.Balance)
		e.f64(v.Available)
		e.f64(v.Frozen)
		e.f64(v.Margin)
		e.i64(v.Timestamp)
	case *AccountSnapshot:
		e.fixed(v.AccountID[:])
		e.f64(v.Balance)
		e.f64(v.Available)
		e.f64(v.Frozen)
		e.f64(v.Margin)
		e.i64(v.Timestamp)
	case *PositionSnapshot:
		e.fixed(v.AccountID[:])
		e.fixed(v.InstrumentID[:])
		e.f64(v.LongVolume)
		e.f64(v.ShortVolume)
		e.f64(v.CostLong)
		e.f64(v.CostShort)
		e.i64(v.Timestamp)
	case *UserRegister:
		e.fixed(v.UserID[:])
		e.fixed(v.Username[:])
		e.fixed(v.PasswordHash[:])
		e.fixed(v.Phone[:])
		e.fixed(v.Email[:])
		e.u32(v.RolesBitmask)
		e.i64(v.CreatedAt)
	case *AccountBind:
		e.fixed(v.UserID[:])
		e.fixed(v.AccountID[:])
		e.i64(v.Timestamp)
	case *UserRoleUpdate:
		e.fixed(v.UserID[:])
		e.u32(v.RolesBitmask)
		e.i64(v.Timestamp)
	case *TickData:
		e.fixed(v.InstrumentID[:])
		e.f64(v.LastPrice)
		e.f64(v.Volume)
		e.f64(v.Turnover)
		e.i64(v.Timestamp)
	case *OrderBookSnapshot:
		e.fixed(v.InstrumentID[:])
		for _, lvl := range v.Bids {
			e.f64(lvl.Price)
			e.f64(lvl.Volume)
		}
		for _, lvl := range v.Asks {
			e.f64(lvl.Price)
			e.f64(lvl.Volume)
		}
		e.i64(v.Timestamp)
	case *OrderBookDelta:
		e.fixed(v.InstrumentID[:])
		e.u8(uint8(v.Side))
		e.f64(v.Price)
		e.f64(v.Volume)
		e.i64(v.Timestamp)
	case *KLineFinished:
		e.fixed(v.InstrumentID[:])
		e.u32(v.PeriodSecs)
		e.f64(v.Open)
		e.f64(v.High)
		e.f64(v.Low)
		e.f64(v.Close)
		e.f64(v.Volume)
		e.i64(v.Timestamp)
	case *Checkpoint:
		e.u64(v.Sequence)
		e.i64(v.Timestamp)
	case *FactorUpdate:
		e.fixed(v.InstrumentID[:])
		e.fixed(v.FactorID[:])
		e.f64(v.Value)
		e.i64(v.Timestamp)
	case *FactorSnapshot:
		e.fixed(v.InstrumentID[:])
		e.fixed(v.FactorID[:])
		e.fixed(v.Payload[:])
		e.i64(v.Timestamp)
	default:
		return nil, fmt.Errorf("record: unsupported concrete type %T: %w", r, xerrors.ErrInvalidArgument)
	}
	return e.buf, nil
}

// View is a validated, zero-copy window onto a serialized record. It keeps
// the original byte slice and only decodes fields that are actually
// accessed; every accessor reads straight out of the backing buffer.
type View struct {
	tag Tag
	raw []byte
}

func (v *View) Tag() Tag { return v.tag }

// TimestampNanos reads the timestamp field, which every variant places as
// its final 8 bytes.
func (v *View) TimestampNanos() int64 {
	return int64(binary.LittleEndian.Uint64(v.raw[len(v.raw)-8:]))
}

// Bytes returns the raw validated buffer backing this view.
func (v *View) Bytes() []byte { return v.raw }

// ValidateAndView performs a structural check of buf — tag in range, and
// length matching that tag's fixed payload size — and returns a View over
// it without copying or decoding individual fields. It never panics on
// malformed input.
func ValidateAndView(buf []byte) (*View, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("record: empty buffer: %w", xerrors.ErrCorrupted)
	}
	tag := Tag(buf[0])
	if tag >= tagCount {
		return nil, fmt.Errorf("record: unknown variant tag %d: %w", tag, xerrors.ErrCorrupted)
	}
	want, ok := payloadLens[tag]
	if !ok {
		return nil, fmt.Errorf("record: unknown variant tag %d: %w", tag, xerrors.ErrCorrupted)
	}
	if len(buf) != 1+want {
		return nil, fmt.Errorf("record: length mismatch for tag %d: got %d want %d: %w",
			tag, len(buf), 1+want, xerrors.ErrCorrupted)
	}
	return &View{tag: tag, raw: buf}, nil
}

// Deserialize validates buf and fully materializes the concrete record
// type it holds.
func Deserialize(buf []byte) (Record, error) {
	view, err := ValidateAndView(buf)
	if err != nil {
		return nil, err
	}
	d := newDec(view.raw)

	switch view.tag {
	case TagOrderInsert:
		r := &OrderInsert{}
		r.OrderID = d.u64()
		d.fixedArray(r.UserID[:])
		d.fixedArray(r.InstrumentID[:])
		r.Direction = Direction(d.u8())
		r.Offset = Offset(d.u8())
		r.Price = d.f64()
		r.Volume = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagOrderStatusUpdate:
		r := &OrderStatusUpdate{}
		r.OrderID = d.u64()
		r.Status = OrderStatus(d.u8())
		r.FilledVolume = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagTradeExecuted:
		r := &TradeExecuted{}
		r.TradeID = d.u64()
		r.OrderID = d.u64()
		r.ExchangeOrderID = d.u64()
		r.Price = d.f64()
		r.Volume = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagAccountOpen:
		r := &AccountOpen{}
		d.fixedArray(r.AccountID[:])
		d.fixedArray(r.UserID[:])
		d.fixedArray(r.AccountName[:])
		r.InitCash = d.f64()
		r.AccountType = AccountType(d.u8())
		r.Timestamp = d.i64()
		return r, nil
	case TagAccountUpdate:
		r := &AccountUpdate{}
		d.fixedArray(r.UserID[:])
		r.Balance = d.f64()
		r.Available = d.f64()
		r.Frozen = d.f64()
		r.Margin = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagAccountSnapshot:
		r := &AccountSnapshot{}
		d.fixedArray(r.AccountID[:])
		r.Balance = d.f64()
		r.Available = d.f64()
		r.Frozen = d.f64()
		r.Margin = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagPositionSnapshot:
		r := &PositionSnapshot{}
		d.fixedArray(r.AccountID[:])
		d.fixedArray(r.InstrumentID[:])
		r.LongVolume = d.f64()
		r.ShortVolume = d.f64()
		r.CostLong = d.f64()
		r.CostShort = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagUserRegister:
		r := &UserRegister{}
		d.fixedArray(r.UserID[:])
		d.fixedArray(r.Username[:])
		d.fixedArray(r.PasswordHash[:])
		d.fixedArray(r.Phone[:])
		d.fixedArray(r.Email[:])
		r.RolesBitmask = d.u32()
		r.CreatedAt = d.i64()
		return r, nil
	case TagAccountBind:
		r := &AccountBind{}
		d.fixedArray(r.UserID[:])
		d.fixedArray(r.AccountID[:])
		r.Timestamp = d.i64()
		return r, nil
	case TagUserRoleUpdate:
		r := &UserRoleUpdate{}
		d.fixedArray(r.UserID[:])
		r.RolesBitmask = d.u32()
		r.Timestamp = d.i64()
		return r, nil
	case TagTickData:
		r := &TickData{}
		d.fixedArray(r.InstrumentID[:])
		r.LastPrice = d.f64()
		r.Volume = d.f64()
		r.Turnover = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagOrderBookSnapshot:
		r := &OrderBookSnapshot{}
		d.fixedArray(r.InstrumentID[:])
		for i := range r.Bids {
			r.Bids[i].Price = d.f64()
			r.Bids[i].Volume = d.f64()
		}
		for i := range r.Asks {
			r.Asks[i].Price = d.f64()
			r.Asks[i].Volume = d.f64()
		}
		r.Timestamp = d.i64()
		return r, nil
	case TagOrderBookDelta:
		r := &OrderBookDelta{}
		d.fixedArray(r.InstrumentID[:])
		r.Side = BookSide(d.u8())
		r.Price = d.f64()
		r.Volume = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagKLineFinished:
		r := &KLineFinished{}
		d.fixedArray(r.InstrumentID[:])
		r.PeriodSecs = d.u32()
		r.Open = d.f64()
		r.High = d.f64()
		r.Low = d.f64()
		r.Close = d.f64()
		r.Volume = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagCheckpoint:
		r := &Checkpoint{}
		r.Sequence = d.u64()
		r.Timestamp = d.i64()
		return r, nil
	case TagFactorUpdate:
		r := &FactorUpdate{}
		d.fixedArray(r.InstrumentID[:])
		d.fixedArray(r.FactorID[:])
		r.Value = d.f64()
		r.Timestamp = d.i64()
		return r, nil
	case TagFactorSnapshot:
		r := &FactorSnapshot{}
		d.fixedArray(r.InstrumentID[:])
		d.fixedArray(r.FactorID[:])
		d.fixedArray(r.Payload[:])
		r.Timestamp = d.i64()
		return r, nil
	default:
		return nil, fmt.Errorf("record: unhandled tag %d: %w", view.tag, xerrors.ErrCorrupted)
	}
}
