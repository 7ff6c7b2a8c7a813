package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

// lineWriter accepts one complete, newline-terminated record.
type lineWriter interface {
	Write(line []byte) error
}

type handlerConfig struct {
	level    slog.Leveler
	writer   lineWriter
	format   logFormat
	keyOrder []string
}

type field struct {
	key string
	val any
}

// structuredHandler renders flat records: groups become dotted keys and
// every value is reduced to a JSON scalar.
type structuredHandler struct {
	cfg    handlerConfig
	preset []field
	prefix string
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if cfg.keyOrder == nil {
		cfg.keyOrder = append([]string(nil), defaultKeyOrder...)
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return errors.New("logger: writer not initialized")
	}

	e := make(entry, 16+len(h.preset))
	e["ts"] = r.Time.UTC().Truncate(time.Millisecond).Format(timeFormatMillis)
	e["level"] = normalizeLevel(r.Level.String())
	for _, f := range h.preset {
		e[f.key] = f.val
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(h.prefix, a, func(k string, v any) { e[k] = v })
		return true
	})
	addContextFields(ctx, e)
	e.finish(r.Message, h.cfg.format == formatJSON)

	keys := e.orderedKeys(h.cfg.keyOrder)
	var (
		line []byte
		err  error
	)
	if h.cfg.format == formatJSON {
		line, err = encodeJSON(e, keys)
	} else {
		line = encodeKV(e, keys)
	}
	if err != nil {
		return err
	}
	return h.cfg.writer.Write(append(line, '\n'))
}

// WithAttrs flattens attrs under the groups open at this point.
func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.preset = append(make([]field, 0, len(h.preset)+len(attrs)), h.preset...)
	for _, a := range attrs {
		flatten(h.prefix, a, func(k string, v any) { clone.preset = append(clone.preset, field{k, v}) })
	}
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = joinKey(h.prefix, name)
	return &clone
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	return prefix + "." + key
}

func flatten(prefix string, a slog.Attr, fn func(string, any)) {
	a.Value = a.Value.Resolve()
	key := joinKey(prefix, a.Key)
	if a.Value.Kind() == slog.KindGroup {
		for _, child := range a.Value.Group() {
			flatten(key, child, fn)
		}
		return
	}
	if key == "" {
		return
	}
	if v, ok := scalar(a.Value); ok {
		if _, isDur := v.(time.Duration); isDur {
			key, v = durationKey(key), RoundMS(v.(time.Duration)).Milliseconds()
		}
		fn(key, v)
	}
}

// scalar reduces v to a string, bool, number or duration.
func scalar(v slog.Value) (any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return strings.TrimSpace(v.String()), true
	case slog.KindBool:
		return v.Bool(), true
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return int64(u), true
		}
		return v.Uint64(), true
	case slog.KindFloat64:
		return v.Float64(), true
	case slog.KindDuration:
		return v.Duration(), true
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano), true
	}
	switch x := v.Any().(type) {
	case nil:
		return nil, false
	case error:
		return x.Error(), true
	case time.Duration:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// durationKey renames duration attributes so the unit is part of the key.
func durationKey(key string) string {
	switch {
	case key == "duration":
		return "duration_ms"
	case strings.HasSuffix(key, "_ms"):
		return key
	}
	return key + "_ms"
}

// entry is one record flattened to dotted keys.
type entry map[string]any

func (e entry) str(key string) string {
	switch v := e[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (e entry) setDefault(key string, v any) {
	if _, ok := e[key]; !ok {
		e[key] = v
	}
}

// finish applies the record-level rules: rid compaction, event and
// component defaults, enumerations, redaction and empty-value pruning.
func (e entry) finish(msg string, keepFullRID bool) {
	if rid := e.str("rid"); rid != "" {
		if compact := CompactRID(rid); compact != rid {
			if keepFullRID {
				e.setDefault("rid_full", rid)
			}
			e["rid"] = compact
		}
	}
	if e.str("event") == "" {
		if msg == "" {
			msg = "unknown"
		}
		e["event"] = msg
	}
	if e.str("component") == "" {
		e["component"] = "app"
	}
	for key, enum := range enums {
		raw := e.str(key)
		if raw == "" {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(raw))
		if _, known := enum.values[v]; known || enum.keepUnknown {
			e[key] = v
		} else {
			delete(e, key)
		}
	}
	for k, v := range e {
		switch {
		case v == nil:
			delete(e, k)
		case isSecretKey(k):
			e[k] = redacted
		default:
			if s, ok := v.(string); ok && s == "" {
				delete(e, k)
			}
		}
	}
}

// orderedKeys lists the keys named in order first, then the rest sorted.
func (e entry) orderedKeys(order []string) []string {
	keys := make([]string, 0, len(e))
	seen := make(map[string]struct{}, len(order))
	for _, k := range order {
		if _, ok := e[k]; ok {
			if _, dup := seen[k]; !dup {
				keys = append(keys, k)
				seen[k] = struct{}{}
			}
		}
	}
	head := len(keys)
	for k := range e {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys[head:])
	return keys
}

func encodeJSON(e entry, keys []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(e[k])
		if err != nil {
			return nil, fmt.Errorf("logger: encode %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeKV(e entry, keys []string) []byte {
	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		s := e.str(k)
		if strings.IndexFunc(s, needsQuote) >= 0 {
			s = strconv.Quote(s)
		}
		buf.WriteString(s)
	}
	return buf.Bytes()
}

func needsQuote(r rune) bool {
	return r <= ' ' || r == '=' || r == '"'
}

func addContextFields(ctx context.Context, e entry) {
	if ctx == nil {
		return
	}
	for _, key := range stringKeys {
		if v := stringFrom(ctx, key); v != "" {
			e.setDefault(string(key), v)
		}
	}
	for _, key := range int64Keys {
		if v := int64From(ctx, key); v != 0 {
			e.setDefault(string(key), v)
		}
	}
}
