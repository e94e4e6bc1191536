// Package beckncontext implements the Beckn message envelope (C3 of
// spec.md): the Context struct carried on every request/callback, its
// builder, its validator, and the message-id dedup store.
package beckncontext

import (
	"time"

	"github.com/google/uuid"

	"github.com/beckn-net/beckn-core/internal/weberr"
)

// Country and City carry the v1.2 nested location shape.
type Country struct {
	Code string `json:"code"`
}

type City struct {
	Code string `json:"code"`
}

type Location struct {
	Country *Country `json:"country,omitempty"`
	City    *City    `json:"city,omitempty"`
}

// Context is the per-message envelope of spec.md §3. Both the v1.1 flat
// fields (Country/City/CoreVersion) and the v1.2 nested fields
// (Location/Version) are populated identically by Build — see the §9 Open
// Question resolution — so that any consumer written against either shape
// reads consistent values.
type Context struct {
	Domain      string    `json:"domain"`
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
	CoreVersion string    `json:"core_version,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Version     string    `json:"version,omitempty"`

	Action        string `json:"action"`
	BapID         string `json:"bap_id"`
	BapURI        string `json:"bap_uri"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Timestamp     string `json:"timestamp"`
	TTL           string `json:"ttl,omitempty"`
	MaxCallbacks  *int   `json:"max_callbacks,omitempty"`
}

// BuildParams is the input to Build.
type BuildParams struct {
	Domain        string
	Country       string
	City          string
	CoreVersion   string // defaults to "1.2.0" if empty; the BECKN_CORE_VERSION setting is not read here
	Action        string
	BapID         string
	BapURI        string
	BppID         string
	BppURI        string
	TransactionID string // generated if empty
	TTL           time.Duration
}

// Now is overridable in tests.
var Now = time.Now

// Build constructs a Context that passes Validate for any valid input,
// satisfying the round-trip law of spec.md §8.
func Build(p BuildParams) Context {
	coreVersion := p.CoreVersion
	if coreVersion == "" {
		coreVersion = "1.2.0"
	}
	txnID := p.TransactionID
	if txnID == "" {
		txnID = uuid.NewString()
	}

	ctx := Context{
		Domain:      p.Domain,
		Country:     p.Country,
		City:        p.City,
		CoreVersion: coreVersion,
		Location: &Location{
			Country: &Country{Code: p.Country},
			City:    &City{Code: p.City},
		},
		Version:       coreVersion,
		Action:        p.Action,
		BapID:         p.BapID,
		BapURI:        p.BapURI,
		BppID:         p.BppID,
		BppURI:        p.BppURI,
		TransactionID: txnID,
		MessageID:     uuid.NewString(),
		Timestamp:     Now().UTC().Format(time.RFC3339),
	}
	if p.TTL > 0 {
		ctx.TTL = FormatISODuration(p.TTL)
	}
	return ctx
}

// EffectiveCountry returns the v1.1 flat value if set, else the v1.2 nested
// value.
func (c *Context) EffectiveCountry() string {
	if c.Country != "" {
		return c.Country
	}
	if c.Location != nil && c.Location.Country != nil {
		return c.Location.Country.Code
	}
	return ""
}

// EffectiveCity mirrors EffectiveCountry for the city field.
func (c *Context) EffectiveCity() string {
	if c.City != "" {
		return c.City
	}
	if c.Location != nil && c.Location.City != nil {
		return c.Location.City.Code
	}
	return ""
}

// EffectiveVersion mirrors EffectiveCountry for the version field.
func (c *Context) EffectiveVersion() string {
	if c.CoreVersion != "" {
		return c.CoreVersion
	}
	return c.Version
}

const (
	maxPastSkew   = 5 * time.Minute
	maxFutureSkew = 30 * time.Second
)

// Validate enforces every invariant of spec.md §3 and the §9 Open Question
// resolution. On failure it returns a *weberr.Error suitable for a
// synchronous NACK.
func Validate(c *Context) *weberr.Error {
	if c.Domain == "" || c.Action == "" {
		return weberr.ContextError(weberr.CodeMalformedContext, "missing domain or action")
	}
	if c.BapID == "" || c.BapURI == "" {
		return weberr.ContextError(weberr.CodeMalformedContext, "missing bap_id/bap_uri")
	}

	if err := validateLocationAgreement(c); err != nil {
		return err
	}

	if !isV4UUID(c.TransactionID) {
		return weberr.ContextError(weberr.CodeInvalidUUID, "transaction_id must be a valid v4 UUID")
	}
	if !isV4UUID(c.MessageID) {
		return weberr.ContextError(weberr.CodeInvalidUUID, "message_id must be a valid v4 UUID")
	}

	ts, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return weberr.ContextError(weberr.CodeMalformedContext, "timestamp must be ISO-8601")
	}
	now := Now()
	if ts.Before(now.Add(-maxPastSkew)) {
		return weberr.ContextError(weberr.CodeStaleTimestamp, "timestamp too far in the past")
	}
	if ts.After(now.Add(maxFutureSkew)) {
		return weberr.ContextError(weberr.CodeFutureTimestamp, "timestamp too far in the future")
	}

	if c.TTL != "" {
		ttl, err := ParseISODuration(c.TTL)
		if err != nil {
			return weberr.ContextError(weberr.CodeMalformedContext, "ttl must be ISO-8601 duration")
		}
		if ts.Add(ttl).Before(now) {
			return weberr.ContextError(weberr.CodeExpiredTTL, "message expired (timestamp + ttl < now)")
		}
	}

	if c.Action != "search" && (c.BppID == "" || c.BppURI == "") {
		return weberr.ContextError(weberr.CodeMissingBppFields, "non-search actions require bpp_id/bpp_uri")
	}
	if len(c.Action) > 3 && c.Action[:3] == "on_" && (c.BppID == "" || c.BppURI == "") {
		return weberr.ContextError(weberr.CodeMissingBppFields, "on_* callbacks require bpp_id/bpp_uri")
	}

	return nil
}

func validateLocationAgreement(c *Context) *weberr.Error {
	if c.Country != "" && c.Location != nil && c.Location.Country != nil && c.Location.Country.Code != c.Country {
		return weberr.ContextError(weberr.CodeContextDisagree, "flat country and location.country.code disagree")
	}
	if c.City != "" && c.Location != nil && c.Location.City != nil && c.Location.City.Code != c.City {
		return weberr.ContextError(weberr.CodeContextDisagree, "flat city and location.city.code disagree")
	}
	if c.CoreVersion != "" && c.Version != "" && c.CoreVersion != c.Version {
		return weberr.ContextError(weberr.CodeContextDisagree, "core_version and version disagree")
	}
	return nil
}

func isV4UUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}
