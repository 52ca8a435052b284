package telemetry

// Inbound payloads are single lines: a type tag followed by key=value
// fields. Values are query escaped by the agent so embedded spaces
// survive tokenisation. Unknown keys are ignored, unknown tags are a
// parse error the router counts.

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrParse = errors.New("unparsable telemetry payload")

// agents send naive wall clock timestamps, a few emit zoned ones
var timeLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrParse)
	}

	fields, err := parseFields(tokens[1:])
	if err != nil {
		return nil, err
	}

	switch tokens[0] {
	case TagOrderInsert:
		return parseOrderInsert(fields, line)
	case TagOrderUpdate:
		return parseOrderUpdate(fields, line)
	case TagOrderClose:
		return parseOrderClose(fields, line)
	case TagChart:
		return parseChart(fields, line)
	case TagBalance:
		return parseBalance(fields, line)
	case TagStrategyPack:
		return parseStrategyPack(fields, line)
	case TagAPIError:
		return parseAPIError(fields, line)
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrParse, tokens[0])
	}
}

func parseFields(tokens []string) (map[string]string, error) {
	fields := make(map[string]string, len(tokens))

	for _, token := range tokens {
		idx := strings.IndexByte(token, '=')
		if idx <= 0 {
			return nil, fmt.Errorf("%w: field %q is not key=value", ErrParse, token)
		}

		value, err := url.QueryUnescape(token[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %s", ErrParse, token, err.Error())
		}

		fields[token[:idx]] = value
	}

	return fields, nil
}

func parseOrderInsert(fields map[string]string, raw string) (Message, error) {
	id, ok := fields["id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrParse, TagOrderInsert)
	}

	buyDate, err := timeField(fields, "buy_date")
	if err != nil {
		return nil, err
	}

	price, err := floatField(fields, "price")
	if err != nil {
		return nil, err
	}

	amount, err := floatField(fields, "amount")
	if err != nil {
		return nil, err
	}

	return OrderInsert{
		ExternalID: id,
		Market:     fields["market"],
		Currency:   fields["currency"],
		Side:       fields["side"],
		State:      fields["state"],
		BuyDate:    buyDate,
		Price:      price,
		Amount:     amount,
		Raw:        raw,
	}, nil
}

func parseOrderUpdate(fields map[string]string, raw string) (Message, error) {
	id, ok := fields["id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrParse, TagOrderUpdate)
	}

	price, err := floatField(fields, "price")
	if err != nil {
		return nil, err
	}

	amount, err := floatField(fields, "amount")
	if err != nil {
		return nil, err
	}

	profit, err := floatField(fields, "profit")
	if err != nil {
		return nil, err
	}

	return OrderUpdate{
		ExternalID: id,
		Market:     fields["market"],
		Currency:   fields["currency"],
		Side:       fields["side"],
		State:      fields["state"],
		Price:      price,
		Amount:     amount,
		Profit:     profit,
		Raw:        raw,
	}, nil
}

func parseOrderClose(fields map[string]string, raw string) (Message, error) {
	id, ok := fields["id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrParse, TagOrderClose)
	}

	closeDate, err := timeField(fields, "close_date")
	if err != nil {
		return nil, err
	}

	profit, err := floatField(fields, "profit")
	if err != nil {
		return nil, err
	}

	return OrderClose{
		ExternalID: id,
		CloseDate:  closeDate,
		Profit:     profit,
		Raw:        raw,
	}, nil
}

func parseChart(fields map[string]string, raw string) (Message, error) {
	startedAt, err := timeField(fields, "start")
	if err != nil {
		return nil, err
	}

	endedAt, err := timeField(fields, "end")
	if err != nil {
		return nil, err
	}

	profit, err := floatField(fields, "profit")
	if err != nil {
		return nil, err
	}

	return Chart{
		OrderExternalID: fields["order_id"],
		Market:          fields["market"],
		PumpChannel:     fields["pump"],
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		SessionProfit:   profit,
		ChartData:       fields["data"],
		Raw:             raw,
	}, nil
}

func parseBalance(fields map[string]string, raw string) (Message, error) {
	currency, ok := fields["currency"]
	if !ok || currency == "" {
		return nil, fmt.Errorf("%w: %s without currency", ErrParse, TagBalance)
	}

	free, err := floatField(fields, "free")
	if err != nil {
		return nil, err
	}

	locked, err := floatField(fields, "locked")
	if err != nil {
		return nil, err
	}

	b := Balance{
		Currency: currency,
		Raw:      raw,
	}
	if free != nil {
		b.Free = *free
	}
	if locked != nil {
		b.Locked = *locked
	}

	return b, nil
}

func parseStrategyPack(fields map[string]string, raw string) (Message, error) {
	packRaw, ok := fields["pack"]
	if !ok {
		return nil, fmt.Errorf("%w: %s without pack", ErrParse, TagStrategyPack)
	}

	pack, err := strconv.Atoi(packRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %q is not a number", ErrParse, packRaw)
	}

	return StrategyPack{
		PackNumber: pack,
		Data:       fields["data"],
		Raw:        raw,
	}, nil
}

func parseAPIError(fields map[string]string, raw string) (Message, error) {
	errorTime, err := timeField(fields, "time")
	if err != nil {
		return nil, err
	}

	var code int
	if codeRaw, ok := fields["code"]; ok && codeRaw != "" {
		code, err = strconv.Atoi(codeRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: code %q is not a number", ErrParse, codeRaw)
		}
	}

	return APIError{
		BotName:   fields["bot"],
		Symbol:    fields["symbol"],
		Text:      fields["text"],
		Code:      code,
		ErrorTime: errorTime,
		Raw:       raw,
	}, nil
}

func timeField(fields map[string]string, key string) (time.Time, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return time.Time{}, nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %s %q is not a timestamp", ErrParse, key, raw)
}

func floatField(fields map[string]string, key string) (*float64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return nil, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a number", ErrParse, key, raw)
	}

	return &value, nil
}
