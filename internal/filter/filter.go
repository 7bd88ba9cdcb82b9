// Package filter defines the per-request query predicate applied to stored
// events. Filters are constructed per request and never persisted.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the page size used when the caller does not supply one.
	DefaultLimit = 20
	// MaxLimit caps caller-supplied page sizes to bound response size.
	MaxLimit = 100
	// DefaultTimeRange is the lookback window applied when the caller omits
	// an explicit range.
	DefaultTimeRange = 7 * 24 * time.Hour
)

// AppFilter is a query-time predicate over an app's events: time range,
// version/build pairs, device and network attributes, plus a keyset
// pagination cursor.
type AppFilter struct {
	AppID uuid.UUID `form:"-"`

	From time.Time `form:"from" time_format:"2006-01-02T15:04:05.000Z07:00"`
	To   time.Time `form:"to" time_format:"2006-01-02T15:04:05.000Z07:00"`

	Versions     []string `form:"versions"`
	VersionCodes []string `form:"version_codes"`

	Countries           []string `form:"countries"`
	DeviceNames         []string `form:"device_names"`
	DeviceManufacturers []string `form:"device_manufacturers"`
	DeviceLocales       []string `form:"locales"`
	NetworkTypes        []string `form:"network_types"`
	NetworkGenerations  []string `form:"network_generations"`
	NetworkProviders    []string `form:"network_providers"`

	// KeyID and KeyTimestamp form the pagination cursor. A negative Limit
	// pages backwards from the cursor.
	KeyID        string    `form:"key_id"`
	KeyTimestamp time.Time `form:"key_timestamp" time_format:"2006-01-02T15:04:05.000Z07:00"`
	Limit        int       `form:"limit"`

	defaultLimit int
	maxLimit     int
}

// SetLimitBounds overrides the package-level page size bounds so deployments
// can tune them through configuration. Non-positive values keep the package
// defaults.
func (af *AppFilter) SetLimitBounds(defaultLimit, maxLimit int) {
	af.defaultLimit = defaultLimit
	af.maxLimit = maxLimit
}

func (af *AppFilter) limitBounds() (def, max int) {
	def, max = af.defaultLimit, af.maxLimit
	if def <= 0 {
		def = DefaultLimit
	}
	if max <= 0 {
		max = MaxLimit
	}
	return def, max
}

// Validate checks filter consistency. Input validation happens here, before
// the filter reaches any query-path component.
func (af *AppFilter) Validate() error {
	if af.AppID == uuid.Nil {
		return fmt.Errorf("app id missing from filter")
	}
	if af.From.IsZero() != af.To.IsZero() {
		return fmt.Errorf("both `from` and `to` time range bounds must be set")
	}
	if !af.From.IsZero() && af.To.Before(af.From) {
		return fmt.Errorf("`to` must not precede `from`")
	}
	if _, max := af.limitBounds(); af.Limit > max || af.Limit < -max {
		return fmt.Errorf("`limit` exceeds maximum allowed value of %d", max)
	}
	if af.KeyID != "" {
		if _, err := uuid.Parse(af.KeyID); err != nil {
			return fmt.Errorf("`key_id` is not a valid id: %w", err)
		}
	}
	return nil
}

// ValidateVersions requires version names and version codes to arrive as
// pairs.
func (af *AppFilter) ValidateVersions() error {
	if len(af.Versions) != len(af.VersionCodes) {
		return fmt.Errorf("`versions` and `version_codes` must be of equal length")
	}
	return nil
}

// Expand splits comma-joined query values into their parts. Gin binds a
// repeated query parameter to a one-element slice when the dashboard sends
// it comma-separated.
func (af *AppFilter) Expand() {
	af.Versions = splitCommas(af.Versions)
	af.VersionCodes = splitCommas(af.VersionCodes)
	af.Countries = splitCommas(af.Countries)
	af.DeviceNames = splitCommas(af.DeviceNames)
	af.DeviceManufacturers = splitCommas(af.DeviceManufacturers)
	af.DeviceLocales = splitCommas(af.DeviceLocales)
	af.NetworkTypes = splitCommas(af.NetworkTypes)
	af.NetworkGenerations = splitCommas(af.NetworkGenerations)
	af.NetworkProviders = splitCommas(af.NetworkProviders)
}

// HasTimeRange reports whether an explicit time range was supplied.
func (af *AppFilter) HasTimeRange() bool {
	return !af.From.IsZero() && !af.To.IsZero()
}

// HasVersions reports whether version filtering was requested.
func (af *AppFilter) HasVersions() bool {
	return len(af.Versions) > 0
}

// HasKeyset reports whether a pagination cursor was supplied.
func (af *AppFilter) HasKeyset() bool {
	return af.KeyID != ""
}

// SetDefaultTimeRange applies the default lookback window ending now.
func (af *AppFilter) SetDefaultTimeRange() {
	now := time.Now().UTC()
	af.To = now
	af.From = now.Add(-DefaultTimeRange)
}

// ClampLimit resolves the effective page size: the default when unset, the
// hard maximum when exceeding it. The sign is preserved because it encodes
// paging direction.
func (af *AppFilter) ClampLimit() {
	def, max := af.limitBounds()
	switch {
	case af.Limit == 0:
		af.Limit = def
	case af.Limit > max:
		af.Limit = max
	case af.Limit < -max:
		af.Limit = -max
	}
}

func splitCommas(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// FacetList holds the distinct attribute values observed for an app, used by
// the dashboard to populate filter dropdowns.
type FacetList struct {
	Versions            []string `json:"versions"`
	VersionCodes        []string `json:"version_codes"`
	Countries           []string `json:"countries"`
	DeviceNames         []string `json:"device_names"`
	DeviceManufacturers []string `json:"device_manufacturers"`
	DeviceLocales       []string `json:"locales"`
	NetworkTypes        []string `json:"network_types"`
	NetworkGenerations  []string `json:"network_generations"`
	NetworkProviders    []string `json:"network_providers"`
}
