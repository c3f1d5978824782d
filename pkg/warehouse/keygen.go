package warehouse

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// KeyGenerator produces surrogate keys for rows being inserted without one.
type KeyGenerator interface {
	NextKey(ctx context.Context, row Row, nm NameMapping) (any, error)
}

// SequenceKeyGenerator continues a table's integer key sequence. The first
// call reads MAX(key) from the target; later keys are handed out locally,
// which assumes no other writer during the load.
type SequenceKeyGenerator struct {
	conn   *Conn
	quoter Quoter
	table  string
	key    string
	next   int64
	primed bool
}

func NewSequenceKeyGenerator(conn *Conn, q Quoter, table, key string) *SequenceKeyGenerator {
	if q == nil {
		q = NoQuote
	}
	return &SequenceKeyGenerator{conn: conn, quoter: q, table: table, key: key}
}

func (g *SequenceKeyGenerator) NextKey(ctx context.Context, _ Row, _ NameMapping) (any, error) {
	if !g.primed {
		stmt := fmt.Sprintf("SELECT MAX(%s) FROM %s", g.quoter.Quote(g.key), g.quoter.Quote(g.table))
		if err := g.conn.Query(ctx, stmt, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to read maximum key of %s: %w", g.table, err)
		}
		vals, err := g.conn.FetchOneTuple()
		if err != nil {
			return nil, fmt.Errorf("failed to read maximum key of %s: %w", g.table, err)
		}
		// An empty table yields NULL, so the sequence starts at 1.
		if len(vals) > 0 && vals[0] != nil {
			n, ok := Int(vals[0])
			if !ok {
				return nil, fmt.Errorf("%w: maximum key of %s is not an integer (%v)", ErrData, g.table, vals[0])
			}
			g.next = n
		}
		g.primed = true
	}
	g.next++
	return g.next, nil
}

// UUIDKeyGenerator hands out random string keys. Useful when several loads
// insert into the same dimension concurrently.
type UUIDKeyGenerator struct{}

func (UUIDKeyGenerator) NextKey(context.Context, Row, NameMapping) (any, error) {
	return uuid.NewString(), nil
}

// HashKeyGenerator derives a deterministic string key from the row's values
// for the given attributes, so re-running a load reproduces the same keys.
type HashKeyGenerator struct {
	atts []string
}

func NewHashKeyGenerator(atts ...string) *HashKeyGenerator {
	return &HashKeyGenerator{atts: atts}
}

func (g *HashKeyGenerator) NextKey(_ context.Context, row Row, nm NameMapping) (any, error) {
	vals := make([]any, 0, len(g.atts))
	for _, att := range g.atts {
		v, ok := GetValue(row, nm, att)
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q", ErrData, att)
		}
		vals = append(vals, v)
	}
	sum := sha256.Sum256(encodeTuple(vals))
	return base58.Encode(sum[:]), nil
}

// encodeTuple serializes values with a length-delimited encoding, written as
// typeTag:length:payload per value. The tag and explicit length prevent the
// collisions a plain separator-joined fmt.Sprintf would allow. The hash key
// generator and the lookup caches both key off this encoding.
func encodeTuple(vals []any) []byte {
	var buf bytes.Buffer
	for _, val := range vals {
		if val == nil {
			buf.WriteString("nil:0:")
			continue
		}
		typeTag := reflect.TypeOf(val).String()
		var payload []byte
		switch v := val.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		case int, int8, int16, int32, int64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
			payload = b[:]
		case uint, uint8, uint16, uint32, uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
			payload = b[:]
		case float32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
			payload = b[:]
		case float64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			payload = b[:]
		case bool:
			if v {
				payload = []byte{1}
			} else {
				payload = []byte{0}
			}
		case time.Time:
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			payload = fmt.Appendf(nil, "%v", v)
		}
		buf.WriteString(typeTag)
		buf.WriteString(":")
		fmt.Fprintf(&buf, "%d", len(payload))
		buf.WriteString(":")
		buf.Write(payload)
	}
	return buf.Bytes()
}
