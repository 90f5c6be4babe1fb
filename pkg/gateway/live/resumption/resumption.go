// Package resumption persists the last upstream session-resumption handle so
// a new relay session can ask the upstream to resume instead of cold-starting.
package resumption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAge is the freshness window for a saved handle. This is a short
// reconnect cache, not a long-term session store.
const DefaultMaxAge = 60 * time.Second

var ErrNotFound = errors.New("resumption: no record")

type Record struct {
	Token    string
	IssuedAt time.Time
}

type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// Fresh reports whether rec may be used at now. A record is usable only while
// its age is strictly below maxAge; at exactly maxAge it counts as absent.
func Fresh(rec Record, now time.Time, maxAge time.Duration) bool {
	if strings.TrimSpace(rec.Token) == "" || rec.IssuedAt.IsZero() {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return now.Sub(rec.IssuedAt) < maxAge
}

// LoadFresh loads the stored record and applies the freshness window. A
// missing or stale record returns ok=false with a nil error.
func LoadFresh(ctx context.Context, store Store, now time.Time, maxAge time.Duration) (Record, bool, error) {
	if store == nil {
		return Record{}, false, nil
	}
	rec, err := store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if !Fresh(rec, now, maxAge) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// wireRecord is the on-disk and on-wire shape shared by every backend.
type wireRecord struct {
	PreviousSessionHandle string `json:"previous_session_handle,omitempty"`
	SessionTime           string `json:"session_time,omitempty"`
}

// naive ISO timestamps without an offset are read as local time.
var sessionTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseSessionTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range sessionTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("resumption: invalid session_time %q", raw)
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(wireRecord{
		PreviousSessionHandle: rec.Token,
		SessionTime:           rec.IssuedAt.Format(time.RFC3339Nano),
	})
}

func decodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("resumption: decode record: %w", err)
	}
	if strings.TrimSpace(w.PreviousSessionHandle) == "" {
		return Record{}, ErrNotFound
	}
	issuedAt, err := parseSessionTime(w.SessionTime)
	if err != nil {
		return Record{}, err
	}
	return Record{Token: w.PreviousSessionHandle, IssuedAt: issuedAt}, nil
}
