package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"recoengine/internal/engineerr"
	"recoengine/internal/store"
)

func TestFailFlattensDetailsAlongsideStringErrorCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	fail(c, 429, "COOLDOWN_ACTIVE", "", map[string]interface{}{
		"remainingMs":     int64(1500),
		"nextAvailableAt": "2026-08-01T00:00:01.5Z",
		"lastCreatedAt":   "2026-08-01T00:00:00Z",
	})

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["success"] != false {
		t.Fatalf("expected success=false, got %v", body["success"])
	}
	if body["error"] != "COOLDOWN_ACTIVE" {
		t.Fatalf("expected error to be the flat string code, got %v (%T)", body["error"], body["error"])
	}
	if _, ok := body["remainingMs"]; !ok {
		t.Fatal("expected remainingMs to be a top-level field, not nested under error")
	}
	if _, ok := body["message"]; ok {
		t.Fatal("expected no message field when message is empty")
	}
}

func TestStatusForGateError(t *testing.T) {
	cases := []struct {
		code engineerr.Code
		want int
	}{
		{engineerr.CodeValidation, 400},
		{engineerr.CodeCooldownActive, 429},
		{engineerr.CodeDuplicate, 409},
		{engineerr.CodeExposureLimit, 409},
		{engineerr.CodeExposureCap, 409},
		{engineerr.CodeOppositeConstraint, 409},
		{engineerr.CodeMTFConsistency, 409},
		{engineerr.CodeEVGate, 409},
		{engineerr.CodeNoPrice, 409},
	}
	for _, c := range cases {
		if got := statusForGateError(c.code); got != c.want {
			t.Errorf("statusForGateError(%s) = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestCreateRecommendationRequestParsesNestedMTFAndBypassCooldown(t *testing.T) {
	body := []byte(`{
		"symbol": "BTCUSDT", "direction": "LONG", "entry_price": 100,
		"leverage": 5, "position_size": 10, "bypassCooldown": true,
		"metadata": {"multiTFConsistency": {"agreement": 0.85, "dominantDirection": "LONG"}}
	}`)

	var req createRecommendationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !req.BypassCooldown {
		t.Fatal("expected bypassCooldown to bind from the camelCase wire field")
	}
	if req.Metadata == nil || req.Metadata.MultiTFConsistency == nil {
		t.Fatal("expected metadata.multiTFConsistency to be parsed")
	}
	if req.Metadata.MultiTFConsistency.Agreement == nil || *req.Metadata.MultiTFConsistency.Agreement != 0.85 {
		t.Fatalf("expected agreement 0.85, got %v", req.Metadata.MultiTFConsistency.Agreement)
	}
	if req.Metadata.MultiTFConsistency.DominantDirection == nil || *req.Metadata.MultiTFConsistency.DominantDirection != store.Long {
		t.Fatalf("expected dominantDirection LONG, got %v", req.Metadata.MultiTFConsistency.DominantDirection)
	}
}

func TestOverrideTTLDefaultsToFiveMinutes(t *testing.T) {
	if got := overrideTTL(0); got != 5*time.Minute {
		t.Fatalf("expected default 5m for zero ttl, got %v", got)
	}
	if got := overrideTTL(-100); got != 5*time.Minute {
		t.Fatalf("expected default 5m for negative ttl, got %v", got)
	}
}

func TestOverrideTTLHonoursExplicitValue(t *testing.T) {
	if got := overrideTTL(1500); got != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms, got %v", got)
	}
}
