package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sifan077/quicklink/internal/app/model"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// ErrMalformedBatch reports a change payload that cannot be read at all.
var ErrMalformedBatch = errors.New("malformed change batch")

const (
	fieldRecords   = "records"
	fieldEventKind = "eventKind"
	fieldTimestamp = "mutationTimestamp"
)

// ChangeNormalizer turns raw change-stream payloads into ChangeRecords.
type ChangeNormalizer struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewChangeNormalizer returns a normalizer logging dropped entries to logger.
func NewChangeNormalizer(logger *zap.Logger, m *metrics.Metrics) *ChangeNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeNormalizer{logger: logger, metrics: m}
}

type rawChangeEntry struct {
	EventKind         string          `json:"eventKind"`
	MutationTimestamp int64           `json:"mutationTimestamp"`
	NewState          *rawChangeState `json:"newState"`
}

type rawChangeState struct {
	ShortCode   *string `json:"shortCode"`
	Clicks      *int64  `json:"clicks"`
	OriginalURL string  `json:"originalUrl"`
}

// Normalize decodes payload, a document of the form {"records": [...]},
// into change records in input order. Entries of other kinds, entries
// without a new state and malformed entries are dropped individually.
// Only an unreadable payload fails, with ErrMalformedBatch.
func (n *ChangeNormalizer) Normalize(payload []byte) ([]model.ChangeRecord, error) {
	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, err
	}

	records := make([]model.ChangeRecord, 0, len(entries))
	for i, entry := range entries {
		rec, ok := n.normalizeEntry(i, entry)
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func decodeEntries(payload []byte) ([]map[string]any, error) {
	var doc map[string]any
	if err := decodeUseNumber(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	key, ok := lookupField(doc, fieldRecords)
	if !ok || doc[key] == nil {
		return nil, nil
	}
	raw := doc[key]
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an array", ErrMalformedBatch, fieldRecords)
	}

	entries := make([]map[string]any, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			// Keep position so logs line up with the stream.
			entry = nil
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (n *ChangeNormalizer) normalizeEntry(index int, entry map[string]any) (model.ChangeRecord, bool) {
	if entry == nil {
		n.drop(index, "entry is not an object", nil)
		return model.ChangeRecord{}, false
	}

	// Rescale before the typed decode: a fractional timestamp cannot be
	// decoded into an integer field.
	if key, ok := lookupField(entry, fieldTimestamp); ok {
		ms, err := normalizeTimestampValue(entry[key])
		if err != nil {
			n.logger.Debug("ignoring unreadable mutation timestamp", zap.Int("index", index), zap.Error(err))
			delete(entry, key)
		} else {
			entry[key] = json.Number(strconv.FormatInt(ms, 10))
		}
	}

	var kindValue string
	if key, ok := lookupField(entry, fieldEventKind); ok {
		kindValue, _ = entry[key].(string)
	}
	kind, relevant := ParseEventKind(kindValue)
	if !relevant {
		n.metrics.ChangeRecord(metrics.OutcomeSkipped)
		n.logger.Debug("skipping change entry", zap.Int("index", index), zap.String("event_kind", kindValue))
		return model.ChangeRecord{}, false
	}

	body, err := json.Marshal(entry)
	if err != nil {
		n.drop(index, "re-encode entry", err)
		return model.ChangeRecord{}, false
	}
	var raw rawChangeEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		n.drop(index, "decode entry", err)
		return model.ChangeRecord{}, false
	}

	if raw.NewState == nil {
		n.metrics.ChangeRecord(metrics.OutcomeSkipped)
		n.logger.Debug("skipping change entry without new state", zap.Int("index", index), zap.String("event_kind", kindValue))
		return model.ChangeRecord{}, false
	}
	if raw.NewState.ShortCode == nil || *raw.NewState.ShortCode == "" {
		n.drop(index, "missing shortCode", nil)
		return model.ChangeRecord{}, false
	}
	if raw.NewState.Clicks == nil {
		n.drop(index, "missing clicks", nil)
		return model.ChangeRecord{}, false
	}

	n.metrics.ChangeRecord(metrics.OutcomeEmitted)
	return model.ChangeRecord{
		EventKind:        kind,
		ShortCode:        *raw.NewState.ShortCode,
		Clicks:           *raw.NewState.Clicks,
		ObservedAtMillis: raw.MutationTimestamp,
		OriginalURL:      raw.NewState.OriginalURL,
	}, true
}

func (n *ChangeNormalizer) drop(index int, reason string, err error) {
	n.metrics.ChangeRecord(metrics.OutcomeMalformed)
	fields := []zap.Field{zap.Int("index", index), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	n.logger.Warn("dropping malformed change entry", fields...)
}

func normalizeTimestampValue(v any) (int64, error) {
	ts, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("timestamp has type %T", v)
	}
	return NormalizeTimestamp(ts)
}

// lookupField finds name in entry ignoring case and returns the stored key.
func lookupField(entry map[string]any, name string) (string, bool) {
	if _, ok := entry[name]; ok {
		return name, true
	}
	for key := range entry {
		if strings.EqualFold(key, name) {
			return key, true
		}
	}
	return "", false
}

// NormalizeTimestamp converts a mutation timestamp to integer milliseconds.
// Values with a fractional part are seconds and are scaled by 1000; whole
// values are already milliseconds. Both are rounded to the nearest integer.
// A whole number of seconds, as sent by sources that truncate to the second,
// is therefore taken as milliseconds.
func NormalizeTimestamp(ts json.Number) (int64, error) {
	v, err := ts.Float64()
	if err != nil {
		return 0, err
	}
	if _, frac := math.Modf(v); frac != 0 {
		v *= 1000
	}
	return int64(math.Round(v)), nil
}

// ParseEventKind maps a stream event name onto an EventKind. INSERT and
// MODIFY are accepted as spellings of CREATED and UPDATED.
func ParseEventKind(name string) (model.EventKind, bool) {
	switch strings.ToUpper(name) {
	case string(model.EventCreated), "INSERT":
		return model.EventCreated, true
	case string(model.EventUpdated), "MODIFY":
		return model.EventUpdated, true
	default:
		return "", false
	}
}

func decodeUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after document")
	}
	return nil
}
