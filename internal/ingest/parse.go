package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	exchangeTickerPattern = regexp.MustCompile(`([A-Z]+):([A-Z0-9.]+)`)
	labeledTickerPattern  = regexp.MustCompile(`(?i)Ticker:\s*([A-Z0-9.]+)`)
	pricePattern          = regexp.MustCompile(`(?i)(?:Price|Precio|@)\s*[:$]?\s*([0-9,]+\.?[0-9]*)`)
	longPattern           = regexp.MustCompile(`(?i)\b(LONG|BUY|COMPRA)\b`)
	shortPattern          = regexp.MustCompile(`(?i)\b(SHORT|SELL|VENTA)\b`)
)

// Signal is the normalized content of one webhook body.
type Signal struct {
	Indicator  string
	Ticker     string
	Exchange   string
	Symbol     string
	Price      *float64
	SignalType string
	Direction  string
	ChartID    string
	Message    string
	Timestamp  time.Time
	Payload    map[string]any
}

// Parse decodes a JSON object body or, failing that, extracts what it can
// from free text. A body declared as JSON must be valid JSON. now stamps
// signals without a usable timestamp.
func Parse(body []byte, contentType string, now time.Time) (Signal, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return Signal{}, fmt.Errorf("%w: empty body", ErrBadPayload)
	}

	var obj map[string]any
	jsonErr := json.Unmarshal([]byte(text), &obj)
	if jsonErr == nil && obj != nil {
		return fromJSON(obj, text, now)
	}
	if isJSONContentType(contentType) {
		return Signal{}, fmt.Errorf("%w: body is not a JSON object", ErrBadPayload)
	}
	return fromText(text, now)
}

func fromJSON(obj map[string]any, raw string, now time.Time) (Signal, error) {
	sig := Signal{
		Indicator:  firstString(obj, "indicator", "indicator_name"),
		Exchange:   firstString(obj, "exchange"),
		Symbol:     firstString(obj, "symbol"),
		SignalType: firstString(obj, "signal_type", "type"),
		Direction:  normalizeDirection(firstString(obj, "direction")),
		ChartID:    firstString(obj, "chart_id", "chartId"),
		Message:    firstString(obj, "message"),
		Payload:    obj,
	}
	sig.Ticker = firstString(obj, "ticker", "symbol")
	if sig.Ticker == "" {
		sig.Ticker = extractTicker(raw)
	}
	if sig.Ticker == "" {
		return Signal{}, fmt.Errorf("%w: ticker is required", ErrBadPayload)
	}
	if exchange, symbol, ok := strings.Cut(sig.Ticker, ":"); ok {
		if sig.Exchange == "" {
			sig.Exchange = exchange
		}
		if sig.Symbol == "" {
			sig.Symbol = symbol
		}
	}
	if price, ok := parsePrice(obj["price"]); ok {
		sig.Price = &price
	}
	sig.Timestamp = parseTimestamp(obj["timestamp"], now)
	return sig, nil
}

func fromText(text string, now time.Time) (Signal, error) {
	sig := Signal{
		Message:   text,
		Timestamp: now,
		Payload:   map[string]any{"raw_message": text},
	}
	sig.Ticker = extractTicker(text)
	if sig.Ticker == "" {
		return Signal{}, fmt.Errorf("%w: no ticker found in text", ErrBadPayload)
	}
	sig.Payload["ticker"] = sig.Ticker
	if exchange, symbol, ok := strings.Cut(sig.Ticker, ":"); ok {
		sig.Exchange, sig.Symbol = exchange, symbol
	}
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		if p, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			sig.Price = &p
			sig.Payload["price"] = p
		}
	}
	switch {
	case longPattern.MatchString(text):
		sig.Direction = "LONG"
	case shortPattern.MatchString(text):
		sig.Direction = "SHORT"
	}
	if sig.Direction != "" {
		sig.Payload["direction"] = sig.Direction
	}
	return sig, nil
}

func extractTicker(text string) string {
	if m := exchangeTickerPattern.FindString(text); m != "" {
		return m
	}
	if m := labeledTickerPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

func normalizeDirection(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "LONG", "BUY", "COMPRA":
		return "LONG"
	case "SHORT", "SELL", "VENTA":
		return "SHORT"
	default:
		return strings.ToUpper(strings.TrimSpace(raw))
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func parsePrice(v any) (float64, bool) {
	switch p := v.(type) {
	case float64:
		return p, !math.IsNaN(p) && !math.IsInf(p, 0)
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(p), ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// parseTimestamp accepts RFC 3339 strings and unix epochs in seconds or
// milliseconds. Anything else yields now.
func parseTimestamp(v any, now time.Time) time.Time {
	switch ts := v.(type) {
	case string:
		s := strings.TrimSpace(ts)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n)
		}
	case float64:
		return fromEpoch(int64(ts))
	}
	return now
}

func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func isJSONContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
