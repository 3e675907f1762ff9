package gateway

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// Decoder turns combined-stream venue messages into canonical payloads.
// Stream names carry the venue symbol ("btcusdt@kline_1s"); the decoder maps
// them back to canonical symbols ("BTC_USDT").
type Decoder struct {
	symbols map[string]string // venue lowercase -> canonical
}

// NewDecoder builds a decoder for the canonical symbol set.
func NewDecoder(symbols []string) *Decoder {
	d := &Decoder{symbols: make(map[string]string, len(symbols))}
	for _, symbol := range symbols {
		d.symbols[VenueSymbol(symbol)] = symbol
	}
	return d
}

// VenueSymbol renders a canonical symbol the way the venue streams name it.
func VenueSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "_", ""))
}

// Streams lists the combined stream names for one canonical symbol.
func Streams(symbol string) []string {
	venue := VenueSymbol(symbol)
	return []string{
		venue + "@kline_1s",
		venue + "@aggTrade",
		venue + "@depth20@100ms",
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		CloseTime   int64  `json:"T"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		TradesCount int64  `json:"n"`
	} `json:"k"`
}

type aggTradeEvent struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type depthSnapshot struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// Decode parses one raw frame into a Tick, Trade or OrderbookSnapshot plus
// its canonical symbol. Unknown streams return a data quality error.
func (d *Decoder) Decode(raw []byte) (string, any, error) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, errs.New("gateway/decode", errs.CodeDataQuality,
			errs.WithMessage("unparseable stream frame"), errs.WithCause(err))
	}
	venue, kind, ok := splitStream(msg.Stream)
	if !ok {
		return "", nil, errs.New("gateway/decode", errs.CodeDataQuality,
			errs.WithMessage("malformed stream name"), errs.WithField("stream", msg.Stream))
	}
	symbol, known := d.symbols[venue]
	if !known {
		return "", nil, errs.New("gateway/decode", errs.CodeDataQuality,
			errs.WithMessage("frame for unconfigured symbol"), errs.WithField("stream", msg.Stream))
	}

	switch {
	case strings.HasPrefix(kind, "kline"):
		payload, err := decodeKline(symbol, msg.Data)
		return symbol, payload, err
	case kind == "aggTrade":
		payload, err := decodeTrade(symbol, msg.Data)
		return symbol, payload, err
	case strings.HasPrefix(kind, "depth"):
		payload, err := decodeDepth(symbol, msg.Data)
		return symbol, payload, err
	default:
		return "", nil, errs.New("gateway/decode", errs.CodeDataQuality,
			errs.WithMessage("unknown stream kind"), errs.WithField("stream", msg.Stream))
	}
}

func splitStream(stream string) (venue, kind string, ok bool) {
	venue, kind, ok = strings.Cut(stream, "@")
	if !ok || venue == "" || kind == "" {
		return "", "", false
	}
	return venue, kind, true
}

func decodeKline(symbol string, data []byte) (schema.Tick, error) {
	var evt klineEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return schema.Tick{}, decodeErr("kline", err)
	}
	open, err := parsePrice(evt.Kline.Open)
	if err != nil {
		return schema.Tick{}, err
	}
	high, err := parsePrice(evt.Kline.High)
	if err != nil {
		return schema.Tick{}, err
	}
	low, err := parsePrice(evt.Kline.Low)
	if err != nil {
		return schema.Tick{}, err
	}
	closePx, err := parsePrice(evt.Kline.Close)
	if err != nil {
		return schema.Tick{}, err
	}
	volume, err := parsePrice(evt.Kline.Volume)
	if err != nil {
		return schema.Tick{}, err
	}
	return schema.Tick{
		Symbol:      symbol,
		TS:          schema.NanosFrom(evt.Kline.CloseTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePx,
		Volume:      volume,
		TradesCount: evt.Kline.TradesCount,
	}, nil
}

func decodeTrade(symbol string, data []byte) (schema.Trade, error) {
	var evt aggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return schema.Trade{}, decodeErr("trade", err)
	}
	price, err := parsePrice(evt.Price)
	if err != nil {
		return schema.Trade{}, err
	}
	quantity, err := parsePrice(evt.Quantity)
	if err != nil {
		return schema.Trade{}, err
	}
	return schema.Trade{
		Symbol:   symbol,
		TS:       schema.NanosFrom(evt.TradeTime),
		Price:    price,
		Quantity: quantity,
		// The maker flag is from the seller's perspective on aggTrade frames.
		IsBuyer: !evt.IsBuyerMaker,
	}, nil
}

func decodeDepth(symbol string, data []byte) (schema.OrderbookSnapshot, error) {
	var evt depthSnapshot
	if err := json.Unmarshal(data, &evt); err != nil {
		return schema.OrderbookSnapshot{}, decodeErr("depth", err)
	}
	bids, err := parseLevels(evt.Bids)
	if err != nil {
		return schema.OrderbookSnapshot{}, err
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		return schema.OrderbookSnapshot{}, err
	}
	// Partial depth frames carry no event time; stamp at receipt.
	return schema.OrderbookSnapshot{
		Symbol: symbol,
		TS:     schema.Now(),
		Bids:   bids,
		Asks:   asks,
	}, nil
}

func parseLevels(raw [][]string) ([]schema.BookLevel, error) {
	levels := make([]schema.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errs.New("gateway/decode", errs.CodeDataQuality,
				errs.WithMessage("short orderbook level"))
		}
		price, err := parsePrice(pair[0])
		if err != nil {
			return nil, err
		}
		quantity, err := parsePrice(pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, schema.BookLevel{Price: price, Quantity: quantity})
	}
	return levels, nil
}

func parsePrice(raw string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errs.New("gateway/decode", errs.CodeDataQuality,
			errs.WithMessage("unparseable decimal field"), errs.WithCause(err))
	}
	return value, nil
}

func decodeErr(kind string, cause error) error {
	return errs.New("gateway/decode", errs.CodeDataQuality,
		errs.WithMessage("unparseable "+kind+" frame"), errs.WithCause(cause))
}
