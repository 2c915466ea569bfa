package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/fingerprint"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/storage"
)

const multimodalSystemPrompt = `You summarize tables and images from business documents so the
summaries can be indexed for search. Be factual and concise. Preserve metric
names, numbers, dates and units exactly as they appear. Two to four sentences,
no preamble.`

// Multimodal turns parsed tables and images into searchable text chunks via a
// vision-capable chat model. It runs after the text chunker; its chunks are
// appended at the end of the stream with no section path, so re-summarizing
// the same content yields the same hash and the diff engine treats it as
// unchanged.
type Multimodal struct {
	client llm.Client
	logger *observability.Logger
}

// NewMultimodal creates the table/image summarization stage.
func NewMultimodal(client llm.Client, logger *observability.Logger) *Multimodal {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Multimodal{
		client: client,
		logger: logger.WithComponent("multimodal"),
	}
}

// Chunks summarizes every table and image in the parsed document, returning
// chunks positioned from startPosition onward. Items the model cannot
// summarize are skipped with a warning; multimodal failures never fail an
// ingestion.
func (m *Multimodal) Chunks(ctx context.Context, parsed *parser.ParsedDocument, startPosition int) []chunker.Chunk {
	if parsed == nil || (len(parsed.Tables) == 0 && len(parsed.Images) == 0) {
		return nil
	}

	log := m.logger.WithContext(ctx)
	position := startPosition
	chunks := make([]chunker.Chunk, 0, len(parsed.Tables)+len(parsed.Images))

	for _, table := range parsed.Tables {
		if strings.TrimSpace(table.Markdown) == "" {
			continue
		}
		prompt := "Summarize this table:\n\n" + table.Markdown
		if table.Name != "" {
			prompt = fmt.Sprintf("Summarize the table %q:\n\n%s", table.Name, table.Markdown)
		}
		summary, err := m.summarize(ctx, prompt, nil)
		if err != nil {
			log.Warn().Err(err).Str("table", table.Name).Msg("Table summarization failed, skipping")
			continue
		}
		content := summary
		if table.Name != "" {
			content = fmt.Sprintf("Table %s: %s", table.Name, summary)
		}
		chunks = append(chunks, makeChunk(content, storage.SegmentTypeTable, position))
		position++
	}

	for _, img := range parsed.Images {
		if len(img.Data) == 0 {
			continue
		}
		prompt := "Describe this image and the information it conveys."
		if img.Caption != "" {
			prompt = fmt.Sprintf("Describe this image (captioned %q) and the information it conveys.", img.Caption)
		}
		summary, err := m.summarize(ctx, prompt, [][]byte{img.Data})
		if err != nil {
			log.Warn().Err(err).Int("page", img.Page).Msg("Image summarization failed, skipping")
			continue
		}
		content := summary
		if img.Caption != "" {
			content = fmt.Sprintf("Image (%s): %s", img.Caption, summary)
		}
		chunks = append(chunks, makeChunk(content, storage.SegmentTypeImage, position))
		position++
	}

	if len(chunks) > 0 {
		log.Debug().Int("chunks", len(chunks)).Msg("Multimodal chunks synthesized")
	}
	return chunks
}

func (m *Multimodal) summarize(ctx context.Context, prompt string, images [][]byte) (string, error) {
	turn, err := m.client.Chat(ctx, llm.Request{
		System:      multimodalSystemPrompt,
		Messages:    []llm.Message{llm.UserMessage{Text: prompt, Images: images}},
		Temperature: 0.2,
		MaxTokens:   400,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return "", fmt.Errorf("model returned no text")
	}
	return text, nil
}

func makeChunk(content string, segType storage.SegmentType, position int) chunker.Chunk {
	return chunker.Chunk{
		Content:     content,
		ContentHash: fingerprint.Text(content),
		SegmentType: segType,
		Position:    position,
		TokenCount:  len(content) / 4,
	}
}
