package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/fingerprint"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/storage"
)

func TestMultimodalSummarizesTablesAndImages(t *testing.T) {
	client := llm.NewScripted(
		llm.TextTurn("West leads revenue with 100."),
		llm.TextTurn("A diagram of the ingestion flow."),
	)
	mm := NewMultimodal(client, nil)

	parsed := &parser.ParsedDocument{
		Tables: []parser.Table{{
			Name:     "sales",
			Markdown: "| region | revenue |\n| --- | --- |\n| west | 100 |",
			Rows:     1,
		}},
		Images: []parser.Image{{
			Data:    []byte{0x89, 0x50, 0x4e, 0x47},
			Caption: "Ingestion flow",
			Page:    2,
		}},
	}

	chunks := mm.Chunks(context.Background(), parsed, 3)
	require.Len(t, chunks, 2)

	table := chunks[0]
	assert.Equal(t, "Table sales: West leads revenue with 100.", table.Content)
	assert.Equal(t, storage.SegmentTypeTable, table.SegmentType)
	assert.Equal(t, 3, table.Position)
	assert.Nil(t, table.SectionPath)
	assert.Equal(t, fingerprint.Text(table.Content), table.ContentHash)

	image := chunks[1]
	assert.Equal(t, "Image (Ingestion flow): A diagram of the ingestion flow.", image.Content)
	assert.Equal(t, storage.SegmentTypeImage, image.SegmentType)
	assert.Equal(t, 4, image.Position)
	assert.Nil(t, image.SectionPath)

	// The image bytes ride along on the second model call.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	user, ok := reqs[1].Messages[0].(llm.UserMessage)
	require.True(t, ok)
	require.Len(t, user.Images, 1)
	assert.Contains(t, user.Text, "Ingestion flow")
}

func TestMultimodalSkipsFailedItems(t *testing.T) {
	// One scripted turn only: the second summarization call errors out and
	// its chunk is dropped, leaving positions dense.
	client := llm.NewScripted(llm.TextTurn("Summary of the first table."))
	mm := NewMultimodal(client, nil)

	parsed := &parser.ParsedDocument{
		Tables: []parser.Table{
			{Name: "a", Markdown: "| x |\n| - |\n| 1 |"},
			{Name: "b", Markdown: "| y |\n| - |\n| 2 |"},
		},
	}

	chunks := mm.Chunks(context.Background(), parsed, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Table a: Summary of the first table.", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Position)
}

func TestMultimodalIgnoresEmptyItems(t *testing.T) {
	client := llm.NewScripted()
	mm := NewMultimodal(client, nil)

	parsed := &parser.ParsedDocument{
		Tables: []parser.Table{{Markdown: "   "}},
		Images: []parser.Image{{Caption: "no bytes"}},
	}

	assert.Empty(t, mm.Chunks(context.Background(), parsed, 0))
	assert.Empty(t, client.Requests())
}
