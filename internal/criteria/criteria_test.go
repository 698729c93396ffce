package criteria

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseClassifiesKeys(t *testing.T) {
	set, err := Parse(map[string]any{
		"minCoverage":          0.9,
		"maxFailureRate":       0.02,
		"changeReviewRequired": true,
		"freezeWindowCheck":    true,
		"maxP99LatencyMs":      250,
		"securityScanRequired": true,
		"rolloutPlan":          "canary",
	})
	require.NoError(t, err)

	byKey := map[string]Criterion{}
	for _, c := range set.Criteria() {
		byKey[c.Key] = c
	}

	assert.Equal(t, Criterion{Kind: KindMinThreshold, Key: "minCoverage", MetricKey: "coverage", Threshold: 0.9}, byKey["minCoverage"])
	assert.Equal(t, Criterion{Kind: KindMaxThreshold, Key: "maxFailureRate", MetricKey: "testFailureRate", Threshold: 0.02}, byKey["maxFailureRate"])
	assert.Equal(t, KindBooleanRequired, byKey["changeReviewRequired"].Kind)
	assert.Equal(t, "changeReviewCompleted", byKey["changeReviewRequired"].MetricKey)
	assert.Equal(t, KindBooleanProhibited, byKey["freezeWindowCheck"].Kind)
	assert.Equal(t, "freezeWindowBypassed", byKey["freezeWindowCheck"].MetricKey)
	assert.Equal(t, "p99LatencyMs", byKey["maxP99LatencyMs"].MetricKey)
	assert.Equal(t, float64(250), byKey["maxP99LatencyMs"].Threshold)
	assert.Equal(t, "securityScanCompleted", byKey["securityScanRequired"].MetricKey)
	assert.Equal(t, KindNote, byKey["rolloutPlan"].Kind)
	assert.Contains(t, byKey["rolloutPlan"].Message, SchemaWarningPrefix)

	assert.Equal(t, 7, set.Len())
	assert.Equal(t, 6, set.Enforced())
}

func TestParseOrdersByKey(t *testing.T) {
	set := MustParse(map[string]any{"minB": 1, "minA": 2})
	items := set.Criteria()
	require.Len(t, items, 2)
	assert.Equal(t, "minA", items[0].Key)
	assert.Equal(t, "minB", items[1].Key)
}

func TestParseLowercasePrefixIsNotThreshold(t *testing.T) {
	set := MustParse(map[string]any{"minimal": 3})
	items := set.Criteria()
	require.Len(t, items, 1)
	assert.Equal(t, KindNote, items[0].Kind)
}

func TestParseDisabledBoolean(t *testing.T) {
	set := MustParse(map[string]any{"changeReviewRequired": false})
	items := set.Criteria()
	require.Len(t, items, 1)
	assert.Equal(t, KindNote, items[0].Kind)
	assert.Contains(t, items[0].Message, "disabled")
	assert.Equal(t, 0, set.Enforced())
}

func TestParseRejectsMalformedValues(t *testing.T) {
	_, err := Parse(map[string]any{"minCoverage": "high"})
	require.Error(t, err)

	_, err = Parse(map[string]any{"freezeWindowCheck": 1})
	require.Error(t, err)
}

func TestParseAcceptsNumericStrings(t *testing.T) {
	set, err := Parse(map[string]any{"minCoverage": "0.85"})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, set.Criteria()[0].Threshold, 1e-9)
}

func TestSetJSONRoundTripReparses(t *testing.T) {
	original := MustParse(map[string]any{"minCoverage": 0.9, "freezeWindowCheck": true})
	blob, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Set
	require.NoError(t, json.Unmarshal(blob, &decoded))
	assert.Equal(t, original.Criteria(), decoded.Criteria())
}

func TestSetYAMLDecode(t *testing.T) {
	var doc struct {
		Criteria Set `yaml:"success_criteria"`
	}
	input := []byte("success_criteria:\n  minCoverage: 0.9\n  changeReviewRequired: true\n")
	require.NoError(t, yaml.Unmarshal(input, &doc))
	assert.Equal(t, 2, doc.Criteria.Enforced())
}

func TestCloneIsIndependent(t *testing.T) {
	original := MustParse(map[string]any{"minCoverage": 0.9})
	clone := original.Clone()
	raw := clone.Raw()
	raw["minCoverage"] = 0.1
	assert.Equal(t, 0.9, original.Raw()["minCoverage"])
}

func TestEmptySet(t *testing.T) {
	var set Set
	assert.Equal(t, 0, set.Len())
	blob, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(blob))
}
