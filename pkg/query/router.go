package query

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/hybrid"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/olap"
	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// AggregateOp is a supported aggregation function.
type AggregateOp string

const (
	AggCount AggregateOp = "count"
	AggSum   AggregateOp = "sum"
	AggAvg   AggregateOp = "avg"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
	AggFirst AggregateOp = "first"
	AggLast  AggregateOp = "last"
)

// Aggregation names one aggregation to compute over a numeric field.
// Alias, if set, is the key it is reported under; otherwise it defaults
// to "<op>_<field>".
type Aggregation struct {
	Field string
	Op    AggregateOp
	Alias string
}

func (a Aggregation) key() string {
	if a.Alias != "" {
		return a.Alias
	}
	return string(a.Op) + "_" + a.Field
}

// AggregateResult reports the matched record count and one value per
// requested Aggregation.
type AggregateResult struct {
	Count  int
	Values map[string]float64
}

// Router answers time-range queries and aggregations by merging the
// stream buffer, OLTP storage, and converted OLAP files for one
// instrument, routing by where the request falls relative to each
// shard's OLAP cutoff.
type Router struct {
	instruments *instrument.Manager
	stream      *StreamBuffer
	logger      zerolog.Logger
}

// New constructs a Router over instruments, backed by its own
// StreamBuffer (capacity DefaultStreamBufferCapacity per key).
func New(instruments *instrument.Manager, logger zerolog.Logger) *Router {
	return &Router{
		instruments: instruments,
		stream:      NewStreamBuffer(DefaultStreamBufferCapacity),
		logger:      logger.With().Str("component", "query.Router").Logger(),
	}
}

// PushStream seeds the stream buffer for instrumentID, making rec
// visible to Query immediately without waiting for a durable write.
func (r *Router) PushStream(instrumentID string, ts int64, seq uint64, rec record.Record) {
	r.stream.Push(instrumentID, Entry{TimestampNanos: ts, Sequence: seq, Record: rec})
}

// Query returns every record for instrumentID with a timestamp in
// [startNanos, endNanos], merged from whichever of the stream buffer,
// OLTP storage, and OLAP files overlap the range, deduplicated by
// (timestamp, sequence) and sorted ascending. OLTP and OLAP are both
// authoritative; the stream buffer only ever adds entries neither of
// them already reported.
func (r *Router) Query(instrumentID string, startNanos, endNanos int64) ([]Entry, error) {
	if startNanos > endNanos {
		return nil, xerrors.ErrInvalidArgument
	}

	shard, err := r.instruments.Shard(instrumentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[[2]uint64]bool)
	var out []Entry

	cutoff := shard.GetOLAPCutoffTimestamp()
	if startNanos <= cutoff {
		olapEntries, err := r.queryOLAP(shard, startNanos, endNanos)
		if err != nil {
			return nil, err
		}
		for _, e := range olapEntries {
			seen[dedupKey(e)] = true
			out = append(out, e)
		}
	}

	oltpEntries, err := shard.RangeQuery(startNanos, endNanos)
	if err != nil {
		return nil, err
	}
	for _, e := range oltpEntries {
		entry := Entry{TimestampNanos: e.TimestampNanos, Sequence: e.Sequence, Record: e.Record}
		k := dedupKey(entry)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, entry)
	}

	for _, e := range r.stream.Range(instrumentID, startNanos, endNanos) {
		k := dedupKey(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampNanos != out[j].TimestampNanos {
			return out[i].TimestampNanos < out[j].TimestampNanos
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func dedupKey(e Entry) [2]uint64 {
	return [2]uint64{uint64(e.TimestampNanos), e.Sequence}
}

// queryOLAP scans every OLAP file registered for shard whose chunk
// range could overlap [startNanos, endNanos].
func (r *Router) queryOLAP(shard *hybrid.Storage, startNanos, endNanos int64) ([]Entry, error) {
	var out []Entry
	for _, path := range shard.GetOLAPFiles() {
		reader, err := olap.Open(path)
		if err != nil {
			r.logger.Error().Err(err).Str("path", path).Msg("failed to open olap file for query")
			continue
		}
		queryErr := reader.Query(startNanos, endNanos, nil, func(row olap.Row) bool {
			out = append(out, Entry{TimestampNanos: row.TimestampNanos, Sequence: row.Sequence, Record: row.Record})
			return true
		})
		reader.Close()
		if queryErr != nil {
			return nil, queryErr
		}
	}
	return out, nil
}

// Aggregate computes each requested Aggregation over every record in
// [startNanos, endNanos], via the same merged Query path. Our OLAP
// chunk statistics carry only timestamp and tag ranges, not per-field
// sums, so there is no cheaper statistics-only path to delegate to;
// every aggregation materializes the matching records.
func (r *Router) Aggregate(instrumentID string, startNanos, endNanos int64, aggs []Aggregation) (AggregateResult, error) {
	entries, err := r.Query(instrumentID, startNanos, endNanos)
	if err != nil {
		return AggregateResult{}, err
	}

	result := AggregateResult{Count: len(entries), Values: make(map[string]float64, len(aggs))}
	for _, agg := range aggs {
		if agg.Op == AggCount {
			result.Values[agg.key()] = float64(len(entries))
			continue
		}
		result.Values[agg.key()] = computeAgg(entries, agg)
	}
	return result, nil
}

func computeAgg(entries []Entry, agg Aggregation) float64 {
	var (
		sum    float64
		min    float64
		max    float64
		first  float64
		last   float64
		n      int
		hasMin bool
	)
	for _, e := range entries {
		v, ok := extractField(e.Record, agg.Field)
		if !ok {
			continue
		}
		if n == 0 {
			first = v
		}
		last = v
		if !hasMin || v < min {
			min = v
			hasMin = true
		}
		if v > max || n == 0 {
			max = v
		}
		sum += v
		n++
	}
	switch agg.Op {
	case AggSum:
		return sum
	case AggAvg:
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	case AggMin:
		return min
	case AggMax:
		return max
	case AggFirst:
		return first
	case AggLast:
		return last
	default:
		return 0
	}
}

// extractField pulls a named numeric field out of a record variant.
// Only the fields meaningful for trading/account analytics are
// supported; an unmapped field or variant reports ok=false and is
// excluded from the aggregation rather than treated as zero.
func extractField(rec record.Record, field string) (float64, bool) {
	switch r := rec.(type) {
	case *record.OrderInsert:
		switch field {
		case "price":
			return r.Price, true
		case "volume":
			return r.Volume, true
		}
	case *record.TradeExecuted:
		switch field {
		case "price":
			return r.Price, true
		case "volume":
			return r.Volume, true
		}
	case *record.TickData:
		switch field {
		case "price", "last_price":
			return r.LastPrice, true
		case "volume":
			return r.Volume, true
		case "turnover":
			return r.Turnover, true
		}
	case *record.AccountUpdate:
		switch field {
		case "balance":
			return r.Balance, true
		case "available":
			return r.Available, true
		case "frozen":
			return r.Frozen, true
		case "margin":
			return r.Margin, true
		}
	case *record.AccountOpen:
		if field == "init_cash" {
			return r.InitCash, true
		}
	case *record.PositionSnapshot:
		switch field {
		case "long_volume":
			return r.LongVolume, true
		case "short_volume":
			return r.ShortVolume, true
		case "cost_long":
			return r.CostLong, true
		case "cost_short":
			return r.CostShort, true
		}
	}
	return 0, false
}
