package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
)

func newTestExtractor(turns ...*llm.Turn) (*Extractor, *llm.ScriptedClient) {
	client := llm.NewScripted(turns...)
	return NewExtractor(client, 0, observability.NopLogger()), client
}

func TestExtractTwoStep(t *testing.T) {
	extractor, client := newTestExtractor(
		llm.TextTurn(`{"entities":[
			{"name":"  Weekly Active Users ","type":"metric_definition","confidence":0.9},
			{"name":"Growth Team","type":"team","confidence":0.8},
			{"name":"maybe thing","type":"concept","confidence":0.2},
			{"name":"platypus","type":"animal","confidence":0.9}]}`),
		llm.TextTurn(`{"relationships":[
			{"from":"Weekly Active Users","to":"growth team","relation":"owned_by","fact":"The growth team owns WAU.","confidence":0.9},
			{"from":"weekly active users","to":"board","relation":"owned_by","fact":"x","confidence":0.9},
			{"from":"growth team","to":"weekly active users","relation":"likes","fact":"y","confidence":0.9},
			{"from":"growth team","to":"weekly active users","relation":"measures","fact":"z","confidence":0.3}]}`),
	)

	result, err := extractor.Extract(context.Background(),
		"The growth team owns the weekly active users metric.", nil)
	require.NoError(t, err)

	// Low confidence and unknown types are dropped; names normalize.
	require.Len(t, result.Entities, 2)
	assert.Equal(t, "weekly active users", result.Entities[0].Name)
	assert.Equal(t, EntityMetricDefinition, result.Entities[0].Type)
	assert.Equal(t, "growth team", result.Entities[1].Name)

	// Hallucinated endpoints, unknown relations, and low confidence are dropped.
	require.Len(t, result.Relationships, 1)
	rel := result.Relationships[0]
	assert.Equal(t, "weekly active users", rel.From)
	assert.Equal(t, "growth team", rel.To)
	assert.Equal(t, RelationOwnedBy, rel.Relation)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, float64(0), req.Temperature)
		assert.Equal(t, "json_object", req.ResponseFormat)
	}
}

func TestExtractRestrictsTypes(t *testing.T) {
	extractor, client := newTestExtractor(
		llm.TextTurn(`{"entities":[
			{"name":"churn rate","type":"metric_definition","confidence":0.9},
			{"name":"retention team","type":"team","confidence":0.9}]}`),
	)

	result, err := extractor.Extract(context.Background(),
		"The retention team watches churn rate.", []EntityType{EntityTeam})
	require.NoError(t, err)

	// Types outside the requested vocabulary are dropped even when the
	// model reports them confidently.
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "retention team", result.Entities[0].Name)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	prompt, ok := reqs[0].Messages[0].(llm.UserMessage)
	require.True(t, ok)
	assert.Contains(t, prompt.Text, "- team:")
	assert.NotContains(t, prompt.Text, "- metric_definition:")
}

func TestExtractSingleEntitySkipsRelationshipStep(t *testing.T) {
	extractor, client := newTestExtractor(
		llm.TextTurn(`{"entities":[{"name":"churn rate","type":"metric_definition","confidence":0.9}]}`),
	)

	result, err := extractor.Extract(context.Background(), "Churn rate is defined here.", nil)
	require.NoError(t, err)
	assert.Len(t, result.Entities, 1)
	assert.Empty(t, result.Relationships)
	assert.Len(t, client.Requests(), 1)
}

func TestExtractToleratesFencedJSON(t *testing.T) {
	extractor, _ := newTestExtractor(
		llm.TextTurn("Here you go:\n```json\n{\"entities\":[{\"name\":\"churn rate\",\"type\":\"metric_definition\",\"confidence\":0.9}]}\n```"),
	)

	result, err := extractor.Extract(context.Background(), "Churn rate is defined here.", nil)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "churn rate", result.Entities[0].Name)
}

func TestExtractRelationshipFailureKeepsEntities(t *testing.T) {
	// Only one scripted turn: the relationship call fails with script
	// exhaustion, which must not discard the entity result.
	extractor, _ := newTestExtractor(
		llm.TextTurn(`{"entities":[
			{"name":"churn rate","type":"metric_definition","confidence":0.9},
			{"name":"retention team","type":"team","confidence":0.9}]}`),
	)

	result, err := extractor.Extract(context.Background(),
		"The retention team watches churn rate.", nil)
	require.NoError(t, err)
	assert.Len(t, result.Entities, 2)
	assert.Empty(t, result.Relationships)
}

func TestExtractEmptyText(t *testing.T) {
	extractor, client := newTestExtractor()

	result, err := extractor.Extract(context.Background(), "   \n", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Entities)
	assert.Empty(t, client.Requests())
}

func TestExtractJSONStripsNoise(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("Sure thing: {\"a\":1} hope that helps"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "weekly active users", NormalizeName("  Weekly   Active Users "))
	assert.Equal(t, "", NormalizeName("   "))
}
