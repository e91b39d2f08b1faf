package paper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Tick struct {
	Time time.Time
	Bid  decimal.Decimal
	Ask  decimal.Decimal
}

type Feed interface {
	Next() (Tick, error)
	Close() error
}

// JSONLFeed reads ticks from a .jsonl file or a directory of them, in name
// order. A line needs a time and either bid/ask or a single price.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return Tick{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		if tick, ok := parseTickLine(line); ok {
			return tick, nil
		}
	}
}

func parseTickLine(line string) (Tick, bool) {
	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Tick{}, false
	}

	var tick Tick
	v, found := first(raw, "time", "timestamp", "ts", "t")
	if !found {
		return Tick{}, false
	}
	ts, ok := parseTimeValue(v)
	if !ok {
		return Tick{}, false
	}
	tick.Time = ts

	bidRaw, hasBid := first(raw, "bid", "b")
	askRaw, hasAsk := first(raw, "ask", "a")
	if hasBid && hasAsk {
		bid, okBid := parseDecimalValue(bidRaw)
		ask, okAsk := parseDecimalValue(askRaw)
		if !okBid || !okAsk {
			return Tick{}, false
		}
		tick.Bid, tick.Ask = bid, ask
	} else {
		pv, found := first(raw, "price", "close", "p")
		if !found {
			return Tick{}, false
		}
		price, ok := parseDecimalValue(pv)
		if !ok {
			return Tick{}, false
		}
		tick.Bid, tick.Ask = price, price
	}
	if tick.Bid.Cmp(decimal.Zero) <= 0 || tick.Ask.Cmp(tick.Bid) < 0 {
		return Tick{}, false
	}
	return tick, true
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

// Replay drives the terminal with every tick of the feed, optionally pacing
// ticks by their recorded spacing divided by speed. speed <= 0 replays as
// fast as possible.
func Replay(ctx context.Context, feed Feed, term *Terminal, speed float64) (int, error) {
	n := 0
	var prev time.Time
	for {
		tick, err := feed.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if speed > 0 && !prev.IsZero() && tick.Time.After(prev) {
			wait := time.Duration(float64(tick.Time.Sub(prev)) / speed)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return n, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return n, err
		}
		prev = tick.Time
		for _, ev := range term.SetQuote(tick.Bid, tick.Ask, tick.Time) {
			log.Info().Str("event", "paper_"+ev.Kind).Str("ticket", ev.Ticket).Str("side", string(ev.Side)).
				Str("price", ev.Price.String()).Str("reason", ev.Reason).Str("pnl", ev.PnL.StringFixed(2)).Msg("paper terminal")
		}
		n++
	}
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return parseTimeNumber(v), true
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006.01.02 15:04:05", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}

var _ Feed = (*JSONLFeed)(nil)
