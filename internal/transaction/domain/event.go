package domain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// TransactionCreatedEventType es el nombre totalmente cualificado del evento que la API guarda en outbox.type.
const TransactionCreatedEventType = "CoreLedger.Application.Events.TransactionCreatedEvent"

// TransactionCreatedEventShortType es el nombre que guarda la API cuando no dispone del cualificado.
const TransactionCreatedEventShortType = "TransactionCreatedEvent"

var (
	ErrEmptyEventPayload = errors.New("transaction event: empty payload")
	ErrInvalidEvent      = errors.New("transaction event: invalid payload")
)

// Números de campo del esquema binario. Son contrato de wire: no se reutilizan.
const (
	fieldTransactionID                 protowire.Number = 1
	fieldFundID                        protowire.Number = 2
	fieldFundCode                      protowire.Number = 3
	fieldFundName                      protowire.Number = 4
	fieldSecurityID                    protowire.Number = 5
	fieldSecurityTicker                protowire.Number = 6
	fieldSecurityName                  protowire.Number = 7
	fieldTransactionSubTypeID          protowire.Number = 8
	fieldTransactionSubTypeDescription protowire.Number = 9
	fieldTransactionTypeID             protowire.Number = 10
	fieldTransactionTypeDescription    protowire.Number = 11
	fieldTradeDate                     protowire.Number = 12
	fieldSettleDate                    protowire.Number = 13
	fieldQuantity                      protowire.Number = 14
	fieldPrice                         protowire.Number = 15
	fieldAmount                        protowire.Number = 16
	fieldCurrency                      protowire.Number = 17
	fieldStatusID                      protowire.Number = 18
	fieldStatusDescription             protowire.Number = 19
	fieldCreatedAt                     protowire.Number = 20
	fieldCreatedByUserID               protowire.Number = 21
	fieldCorrelationID                 protowire.Number = 22
	fieldRequestID                     protowire.Number = 23
	fieldOccurredOn                    protowire.Number = 24
	fieldIdempotencyKey                protowire.Number = 25
)

// TransactionCreatedEvent es el evento que viaja por la outbox y el broker.
// Lleva datos desnormalizados para que el consumidor no dependa de lecturas extra.
type TransactionCreatedEvent struct {
	TransactionID                 int64
	FundID                        int64
	FundCode                      string
	FundName                      string
	SecurityID                    *int64
	SecurityTicker                string
	SecurityName                  string
	TransactionSubTypeID          int64
	TransactionSubTypeDescription string
	TransactionTypeID             int64
	TransactionTypeDescription    string
	TradeDate                     time.Time
	SettleDate                    time.Time
	Quantity                      decimal.Decimal
	Price                         decimal.Decimal
	Amount                        decimal.Decimal
	Currency                      string
	StatusID                      int64
	StatusDescription             string
	CreatedAt                     time.Time
	CreatedByUserID               string
	CorrelationID                 string
	RequestID                     string
	OccurredOn                    time.Time
	IdempotencyKey                uuid.UUID
}

// MarshalBinary serializa el evento en formato wire de protobuf, compatible con el contrato de la API.
func (e *TransactionCreatedEvent) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendInt(b, fieldTransactionID, e.TransactionID)
	b = appendInt(b, fieldFundID, e.FundID)
	b = appendString(b, fieldFundCode, e.FundCode)
	b = appendString(b, fieldFundName, e.FundName)
	if e.SecurityID != nil {
		// Se escribe aunque sea 0: la presencia es la información.
		b = protowire.AppendTag(b, fieldSecurityID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*e.SecurityID))
	}
	b = appendString(b, fieldSecurityTicker, e.SecurityTicker)
	b = appendString(b, fieldSecurityName, e.SecurityName)
	b = appendInt(b, fieldTransactionSubTypeID, e.TransactionSubTypeID)
	b = appendString(b, fieldTransactionSubTypeDescription, e.TransactionSubTypeDescription)
	b = appendInt(b, fieldTransactionTypeID, e.TransactionTypeID)
	b = appendString(b, fieldTransactionTypeDescription, e.TransactionTypeDescription)
	b = appendTime(b, fieldTradeDate, e.TradeDate)
	b = appendTime(b, fieldSettleDate, e.SettleDate)
	var err error
	if b, err = appendDecimal(b, fieldQuantity, e.Quantity); err != nil {
		return nil, err
	}
	if b, err = appendDecimal(b, fieldPrice, e.Price); err != nil {
		return nil, err
	}
	if b, err = appendDecimal(b, fieldAmount, e.Amount); err != nil {
		return nil, err
	}
	b = appendString(b, fieldCurrency, e.Currency)
	b = appendInt(b, fieldStatusID, e.StatusID)
	b = appendString(b, fieldStatusDescription, e.StatusDescription)
	b = appendTime(b, fieldCreatedAt, e.CreatedAt)
	b = appendString(b, fieldCreatedByUserID, e.CreatedByUserID)
	b = appendString(b, fieldCorrelationID, e.CorrelationID)
	b = appendString(b, fieldRequestID, e.RequestID)
	b = appendTime(b, fieldOccurredOn, e.OccurredOn)
	if e.IdempotencyKey != uuid.Nil {
		b = appendString(b, fieldIdempotencyKey, e.IdempotencyKey.String())
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: nothing to encode", ErrInvalidEvent)
	}
	return b, nil
}

// UnmarshalBinary decodifica el payload. Los campos desconocidos se ignoran.
func (e *TransactionCreatedEvent) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyEventPayload
	}
	*e = TransactionCreatedEvent{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, protowire.ParseError(n))
		}
		data = data[n:]

		var err error
		switch num {
		case fieldTransactionID:
			e.TransactionID, n, err = consumeInt(typ, data)
		case fieldFundID:
			e.FundID, n, err = consumeInt(typ, data)
		case fieldFundCode:
			e.FundCode, n, err = consumeString(typ, data)
		case fieldFundName:
			e.FundName, n, err = consumeString(typ, data)
		case fieldSecurityID:
			var id int64
			id, n, err = consumeInt(typ, data)
			e.SecurityID = &id
		case fieldSecurityTicker:
			e.SecurityTicker, n, err = consumeString(typ, data)
		case fieldSecurityName:
			e.SecurityName, n, err = consumeString(typ, data)
		case fieldTransactionSubTypeID:
			e.TransactionSubTypeID, n, err = consumeInt(typ, data)
		case fieldTransactionSubTypeDescription:
			e.TransactionSubTypeDescription, n, err = consumeString(typ, data)
		case fieldTransactionTypeID:
			e.TransactionTypeID, n, err = consumeInt(typ, data)
		case fieldTransactionTypeDescription:
			e.TransactionTypeDescription, n, err = consumeString(typ, data)
		case fieldTradeDate:
			e.TradeDate, n, err = consumeTime(num, typ, data)
		case fieldSettleDate:
			e.SettleDate, n, err = consumeTime(num, typ, data)
		case fieldQuantity:
			e.Quantity, n, err = consumeDecimal(num, typ, data)
		case fieldPrice:
			e.Price, n, err = consumeDecimal(num, typ, data)
		case fieldAmount:
			e.Amount, n, err = consumeDecimal(num, typ, data)
		case fieldCurrency:
			e.Currency, n, err = consumeString(typ, data)
		case fieldStatusID:
			e.StatusID, n, err = consumeInt(typ, data)
		case fieldStatusDescription:
			e.StatusDescription, n, err = consumeString(typ, data)
		case fieldCreatedAt:
			e.CreatedAt, n, err = consumeTime(num, typ, data)
		case fieldCreatedByUserID:
			e.CreatedByUserID, n, err = consumeString(typ, data)
		case fieldCorrelationID:
			e.CorrelationID, n, err = consumeString(typ, data)
		case fieldRequestID:
			e.RequestID, n, err = consumeString(typ, data)
		case fieldOccurredOn:
			e.OccurredOn, n, err = consumeTime(num, typ, data)
		case fieldIdempotencyKey:
			var raw string
			raw, n, err = consumeString(typ, data)
			if err == nil && raw != "" {
				e.IdempotencyKey, err = uuid.Parse(raw)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidEvent, num, err)
		}
		data = data[n:]
	}

	if e.TransactionID <= 0 {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidEvent)
	}
	return nil
}

// DecodeTransactionCreatedEvent decodifica un payload recibido del broker o leído de la outbox.
func DecodeTransactionCreatedEvent(data []byte) (*TransactionCreatedEvent, error) {
	var evt TransactionCreatedEvent
	if err := evt.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &evt, nil
}

// PeekCorrelationID extrae solo el correlation id sin decodificar el resto.
// Devuelve "" si el payload no es legible o no lo trae.
func PeekCorrelationID(data []byte) string {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ""
		}
		data = data[n:]
		if num == fieldCorrelationID && typ == protowire.BytesType {
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return ""
			}
			return v
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return ""
		}
		data = data[n:]
	}
	return ""
}

// ---------------- helpers de wire ----------------

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Los decimales y fechas siguen el formato bcl de protobuf-net que usa el productor (API .NET).
//
// bcl.Decimal:  {1: lo uint64, 2: hi uint32, 3: signScale uint32}; mantisa de 96 bits hi<<64|lo,
// signScale = scale<<1 | signo.
// bcl.DateTime: {1: value sint64, 2: scale, 3: kind}; value en unidades de scale desde 1970-01-01 UTC.
const maxDecimalScale = 28

var (
	maxUint64   = new(big.Int).SetUint64(math.MaxUint64)
	maxMantissa = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))
)

const (
	timeScaleDays   = 0
	timeScaleMinMax = 15
	ticksPerSecond  = 10_000_000
)

// ticksPerUnit por scale: días, horas, minutos, segundos, milisegundos, ticks (100ns).
var ticksPerUnit = [...]int64{864_000_000_000, 36_000_000_000, 600_000_000, 10_000_000, 10_000, 1}

// dotnetMaxTime es DateTime.MaxValue.
var dotnetMaxTime = time.Date(9999, 12, 31, 23, 59, 59, 999_999_900, time.UTC)

func appendDecimal(b []byte, num protowire.Number, v decimal.Decimal) ([]byte, error) {
	if v.IsZero() {
		return b, nil
	}
	if v.Exponent() < -maxDecimalScale {
		v = v.Round(maxDecimalScale)
	}

	mant := new(big.Int).Set(v.Coefficient())
	var scale uint64
	if exp := v.Exponent(); exp > 0 {
		mant.Mul(mant, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else {
		scale = uint64(-exp)
	}
	negative := mant.Sign() < 0
	mant.Abs(mant)
	if mant.Sign() == 0 {
		return b, nil
	}
	if mant.Cmp(maxMantissa) > 0 {
		return nil, fmt.Errorf("%w: field %d: decimal %s out of range", ErrInvalidEvent, num, v)
	}

	lo := new(big.Int).And(mant, maxUint64).Uint64()
	hi := new(big.Int).Rsh(mant, 64).Uint64()
	signScale := scale << 1
	if negative {
		signScale |= 1
	}

	var m []byte
	if lo != 0 {
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, lo)
	}
	if hi != 0 {
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, hi)
	}
	if signScale != 0 {
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, signScale)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m), nil
}

// appendTime elige la unidad más grande que representa t sin pérdida, como protobuf-net.
// No escribe kind: el productor tampoco lo hace.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	t = t.UTC()
	ticks := t.Unix()*ticksPerSecond + int64(t.Nanosecond()/100)

	scale := 0
	for i, unit := range ticksPerUnit {
		if ticks%unit == 0 {
			scale = i
			break
		}
	}
	value := ticks / ticksPerUnit[scale]

	var m []byte
	if value != 0 {
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(value))
	}
	if scale != timeScaleDays {
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(scale))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func consumeInt(typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeMessage acepta el submensaje con prefijo de longitud o como grupo (protobuf-net antiguo).
func consumeMessage(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	switch typ {
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return v, n, nil
	case protowire.StartGroupType:
		v, n := protowire.ConsumeGroup(num, b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return v, n, nil
	default:
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
}

// forEachVarint recorre un submensaje entregando sus campos varint; el resto se salta.
func forEachVarint(m []byte, fn func(num protowire.Number, v uint64)) error {
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return protowire.ParseError(n)
		}
		m = m[n:]
		if typ == protowire.VarintType {
			v, k := protowire.ConsumeVarint(m)
			if k < 0 {
				return protowire.ParseError(k)
			}
			fn(num, v)
			m = m[k:]
			continue
		}
		k := protowire.ConsumeFieldValue(num, typ, m)
		if k < 0 {
			return protowire.ParseError(k)
		}
		m = m[k:]
	}
	return nil
}

func consumeDecimal(num protowire.Number, typ protowire.Type, b []byte) (decimal.Decimal, int, error) {
	m, n, err := consumeMessage(num, typ, b)
	if err != nil {
		return decimal.Zero, 0, err
	}

	var lo, hi, signScale uint64
	err = forEachVarint(m, func(f protowire.Number, v uint64) {
		switch f {
		case 1:
			lo = v
		case 2:
			hi = v
		case 3:
			signScale = v
		}
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	if hi > math.MaxUint32 {
		return decimal.Zero, 0, fmt.Errorf("decimal high bits out of range")
	}
	scale := signScale >> 1
	if scale > maxDecimalScale {
		return decimal.Zero, 0, fmt.Errorf("decimal scale %d out of range", scale)
	}

	mant := new(big.Int).Lsh(new(big.Int).SetUint64(hi), 64)
	mant.Or(mant, new(big.Int).SetUint64(lo))
	if signScale&1 == 1 {
		mant.Neg(mant)
	}
	return decimal.NewFromBigInt(mant, -int32(scale)), n, nil
}

func consumeTime(num protowire.Number, typ protowire.Type, b []byte) (time.Time, int, error) {
	m, n, err := consumeMessage(num, typ, b)
	if err != nil {
		return time.Time{}, 0, err
	}

	var value int64
	scale := uint64(timeScaleDays)
	err = forEachVarint(m, func(f protowire.Number, v uint64) {
		switch f {
		case 1:
			value = protowire.DecodeZigZag(v)
		case 2:
			scale = v
		}
	})
	if err != nil {
		return time.Time{}, 0, err
	}

	if scale == timeScaleMinMax {
		switch value {
		case 1:
			return dotnetMaxTime, n, nil
		case -1:
			return time.Time{}, n, nil
		default:
			return time.Time{}, 0, fmt.Errorf("invalid min/max time value %d", value)
		}
	}
	if scale >= uint64(len(ticksPerUnit)) {
		return time.Time{}, 0, fmt.Errorf("unknown time scale %d", scale)
	}
	unit := ticksPerUnit[scale]
	if value > math.MaxInt64/unit || value < math.MinInt64/unit {
		return time.Time{}, 0, fmt.Errorf("time value %d out of range", value)
	}
	ticks := value * unit
	return time.Unix(ticks/ticksPerSecond, (ticks%ticksPerSecond)*100).UTC(), n, nil
}
