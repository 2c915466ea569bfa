package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
)

// ExtractedEntity is one entity the model found in a chunk.
type ExtractedEntity struct {
	Name       string     `json:"name"`
	Type       EntityType `json:"type"`
	Confidence float64    `json:"confidence"`
}

// ExtractedRelationship is one relationship between two extracted entities.
type ExtractedRelationship struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Relation   Relation `json:"relation"`
	Fact       string   `json:"fact"`
	Confidence float64  `json:"confidence"`
}

// Extraction is the full result of mining one chunk.
type Extraction struct {
	Entities      []ExtractedEntity
	Relationships []ExtractedRelationship
}

// Extractor mines entities and relationships from chunk text with an LLM.
// Extraction runs in two steps: entities first, then relationships between
// the entities found. A relationship failure never discards the entities.
type Extractor struct {
	client        llm.Client
	minConfidence float64
	logger        *observability.Logger
}

// NewExtractor creates an extractor. minConfidence <= 0 defaults to 0.5.
func NewExtractor(client llm.Client, minConfidence float64, logger *observability.Logger) *Extractor {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Extractor{
		client:        client,
		minConfidence: minConfidence,
		logger:        logger.WithComponent("graph.extractor"),
	}
}

const extractionSystemPrompt = "You mine business knowledge from internal documentation. " +
	"You respond with JSON only, never prose."

const entityPromptTemplate = `Extract the business entities mentioned in the text below.

Allowed entity types:
%s

Rules:
- Report names in lowercase, exactly as the text spells them.
- Skip entities you are not confident about.
- confidence is a number between 0 and 1.

Respond with a JSON object shaped like:
{"entities":[{"name":"weekly active users","type":"metric_definition","confidence":0.9},{"name":"growth team","type":"team","confidence":0.8}]}

Text:
%s`

const relationshipPromptTemplate = `Identify relationships between the known entities, using only the text below.

Known entities:
%s

Allowed relations:
- defines: a spec or term defines a metric or event
- measures: a metric measures a concept or system
- owned_by: an entity is owned by a team
- has_target: a metric has a numeric target
- tracked_in: an event or metric is tracked in a system
- depends_on: an entity depends on another
- part_of: an entity is part of a larger one
- supersedes: an entity replaces an older one

Rules:
- from and to must be names from the known entity list.
- fact is one short sentence from the text supporting the relationship.
- Skip relationships you are not confident about.

Respond with a JSON object shaped like:
{"relationships":[{"from":"weekly active users","to":"growth team","relation":"owned_by","fact":"The growth team owns weekly active users.","confidence":0.85}]}

Text:
%s`

var entityTypeDescriptions = map[EntityType]string{
	EntityMetricDefinition:  "a defined business metric and how it is computed",
	EntityEventTrackingSpec: "an analytics event and the properties tracked with it",
	EntityKPITarget:         "a numeric target or goal for a metric",
	EntityConcept:           "a named domain concept or business term",
	EntityTeam:              "a team or organizational unit",
	EntitySystem:            "an internal tool, service, or data system",
}

// NormalizeName canonicalizes an entity name: lowercase, trimmed, inner
// whitespace collapsed. Every name stored in or queried against the graph
// goes through this.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Extract mines entities and relationships from text. types restricts the
// extraction vocabulary; empty means the full set.
func (e *Extractor) Extract(ctx context.Context, text string, types []EntityType) (*Extraction, error) {
	if strings.TrimSpace(text) == "" {
		return &Extraction{}, nil
	}
	if len(types) == 0 {
		types = DefaultEntityTypes()
	}

	entities, err := e.extractEntities(ctx, text, types)
	if err != nil {
		return nil, err
	}
	// Relationships need at least two endpoints.
	if len(entities) < 2 {
		return &Extraction{Entities: entities}, nil
	}

	relationships, err := e.extractRelationships(ctx, text, entities)
	if err != nil {
		e.logger.WithContext(ctx).Warn().Err(err).
			Msg("Relationship extraction failed, keeping entities")
		return &Extraction{Entities: entities}, nil
	}
	return &Extraction{Entities: entities, Relationships: relationships}, nil
}

func (e *Extractor) extractEntities(ctx context.Context, text string, types []EntityType) ([]ExtractedEntity, error) {
	var typeLines strings.Builder
	allowed := make(map[EntityType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
		fmt.Fprintf(&typeLines, "- %s: %s\n", t, entityTypeDescriptions[t])
	}

	turn, err := e.client.Chat(ctx, llm.Request{
		System:         extractionSystemPrompt,
		Messages:       []llm.Message{llm.UserMessage{Text: fmt.Sprintf(entityPromptTemplate, strings.TrimRight(typeLines.String(), "\n"), text)}},
		Temperature:    0,
		MaxTokens:      2000,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction: %w", err)
	}

	var payload struct {
		Entities []ExtractedEntity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(extractJSON(turn.Text)), &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode entity extraction", err)
	}

	seen := make(map[string]bool)
	var out []ExtractedEntity
	for _, ent := range payload.Entities {
		name := NormalizeName(ent.Name)
		if name == "" || seen[name] {
			continue
		}
		if !allowed[ent.Type] || ent.Confidence < e.minConfidence {
			continue
		}
		seen[name] = true
		ent.Name = name
		out = append(out, ent)
	}
	return out, nil
}

func (e *Extractor) extractRelationships(ctx context.Context, text string, entities []ExtractedEntity) ([]ExtractedRelationship, error) {
	var entityLines strings.Builder
	known := make(map[string]bool, len(entities))
	for _, ent := range entities {
		known[ent.Name] = true
		fmt.Fprintf(&entityLines, "- %s (%s)\n", ent.Name, ent.Type)
	}

	turn, err := e.client.Chat(ctx, llm.Request{
		System:         extractionSystemPrompt,
		Messages:       []llm.Message{llm.UserMessage{Text: fmt.Sprintf(relationshipPromptTemplate, strings.TrimRight(entityLines.String(), "\n"), text)}},
		Temperature:    0,
		MaxTokens:      2000,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("relationship extraction: %w", err)
	}

	var payload struct {
		Relationships []ExtractedRelationship `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(extractJSON(turn.Text)), &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode relationship extraction", err)
	}

	var out []ExtractedRelationship
	for _, rel := range payload.Relationships {
		rel.From = NormalizeName(rel.From)
		rel.To = NormalizeName(rel.To)
		if rel.From == "" || rel.To == "" || rel.From == rel.To {
			continue
		}
		// Endpoints the entity step never produced are hallucinations.
		if !known[rel.From] || !known[rel.To] {
			continue
		}
		if !rel.Relation.Valid() || rel.Confidence < e.minConfidence {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls the JSON object out of a model response, tolerating
// markdown fences and stray prose around it.
func extractJSON(s string) string {
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		s = m[1]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}
