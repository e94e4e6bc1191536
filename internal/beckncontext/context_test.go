package beckncontext

import (
	"testing"
	"time"
)

func withFixedClock(t time.Time) func() {
	orig := Now
	Now = func() time.Time { return t }
	return func() { Now = orig }
}

func TestBuildProducesValidContext(t *testing.T) {
	ctx := Build(BuildParams{
		Domain:  "ONDC:RET10",
		Country: "IND",
		City:    "std:011",
		Action:  "search",
		BapID:   "bap.example.com",
		BapURI:  "https://bap.example.com/beckn",
	})
	if err := Validate(&ctx); err != nil {
		t.Fatalf("built context should validate: %v", err)
	}
	if ctx.Location.Country.Code != ctx.Country || ctx.Location.City.Code != ctx.City {
		t.Fatal("expected both v1.1 and v1.2 shapes to carry identical values")
	}
	if ctx.Version != ctx.CoreVersion {
		t.Fatal("expected version and core_version to agree")
	}
}

func TestValidateRejectsMissingBppFieldsForNonSearch(t *testing.T) {
	ctx := Build(BuildParams{
		Domain: "ONDC:RET10", Country: "IND", City: "std:011",
		Action: "select", BapID: "bap", BapURI: "https://bap",
	})
	if err := Validate(&ctx); err == nil {
		t.Fatal("expected select without bpp_id/bpp_uri to fail")
	}
}

func TestValidateRejectsDisagreeingShapes(t *testing.T) {
	ctx := Build(BuildParams{
		Domain: "ONDC:RET10", Country: "IND", City: "std:011",
		Action: "search", BapID: "bap", BapURI: "https://bap",
	})
	ctx.Location.Country.Code = "USA" // now disagrees with ctx.Country == "IND"
	err := Validate(&ctx)
	if err == nil || err.Code != 10002 {
		t.Fatalf("expected CONTEXT-ERROR/10002, got %v", err)
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	defer withFixedClock(time.Unix(1_700_000_000, 0))()
	ctx := Build(BuildParams{
		Domain: "ONDC:RET10", Country: "IND", City: "std:011",
		Action: "search", BapID: "bap", BapURI: "https://bap",
	})
	Now = func() time.Time { return time.Unix(1_700_000_000+10*60, 0) } // +10 min
	if err := Validate(&ctx); err == nil {
		t.Fatal("expected stale timestamp to fail validation")
	}
}

func TestValidateRejectsExpiredTTL(t *testing.T) {
	defer withFixedClock(time.Unix(1_700_000_000, 0))()
	ctx := Build(BuildParams{
		Domain: "ONDC:RET10", Country: "IND", City: "std:011",
		Action: "search", BapID: "bap", BapURI: "https://bap",
		TTL: 5 * time.Second,
	})
	Now = func() time.Time { return time.Unix(1_700_000_000+30, 0) }
	err := Validate(&ctx)
	if err == nil || err.Code != 10006 {
		t.Fatalf("expected expired-ttl error, got %v", err)
	}
}

func TestValidateRejectsInvalidUUID(t *testing.T) {
	ctx := Build(BuildParams{
		Domain: "ONDC:RET10", Country: "IND", City: "std:011",
		Action: "search", BapID: "bap", BapURI: "https://bap",
	})
	ctx.TransactionID = "not-a-uuid"
	if err := Validate(&ctx); err == nil {
		t.Fatal("expected invalid transaction_id to fail validation")
	}
}

func TestValidateAcceptsFlatOnlyAndNestedOnly(t *testing.T) {
	flatOnly := Build(BuildParams{Domain: "d", Country: "IND", City: "c", Action: "search", BapID: "b", BapURI: "u"})
	flatOnly.Location = nil
	if err := Validate(&flatOnly); err != nil {
		t.Fatalf("flat-only context should validate: %v", err)
	}

	nestedOnly := Build(BuildParams{Domain: "d", Country: "IND", City: "c", Action: "search", BapID: "b", BapURI: "u"})
	nestedOnly.Country = ""
	nestedOnly.City = ""
	if err := Validate(&nestedOnly); err != nil {
		t.Fatalf("nested-only context should validate: %v", err)
	}
	if nestedOnly.EffectiveCountry() != "IND" {
		t.Fatal("expected EffectiveCountry to fall back to nested location")
	}
}
