// Package chunker splits a parsed document into ordered, token-bounded
// chunks with stable section paths. Chunk content hashes are the identity
// used for chunk-level diffing, so the split must be deterministic for a
// given input.
package chunker

import (
	"strings"

	"github.com/cairnkb/cairn/internal/fingerprint"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/storage"
)

// Chunk is one unit of document content.
type Chunk struct {
	Content     string
	ContentHash string
	SectionPath *string
	SegmentType storage.SegmentType
	Position    int
	TokenCount  int
}

// Config holds chunker settings.
type Config struct {
	// MaxTokens bounds each chunk, estimated at four characters per token.
	MaxTokens int
}

// Chunker splits parsed documents.
type Chunker struct {
	maxTokens int
}

// New creates a chunker. MaxTokens defaults to 480.
func New(cfg Config) *Chunker {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 480
	}
	return &Chunker{maxTokens: maxTokens}
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// headingFrame is one level of the enclosing heading stack.
type headingFrame struct {
	level int
	text  string
}

// builder walks the markdown accumulating finished chunks.
type builder struct {
	maxTokens int
	stack     []headingFrame
	chunks    []Chunk
}

// Chunk splits the document. Heading lines delimit sections and are carried
// in section paths, not chunk content. Whitespace-only chunks are dropped
// and positions are dense and 0-based.
func (c *Chunker) Chunk(doc *parser.ParsedDocument) []Chunk {
	b := &builder{maxTokens: c.maxTokens}

	lines := strings.Split(doc.Markdown, "\n")
	var prose []string

	flushProse := func() {
		b.addProse(strings.Join(prose, "\n"))
		prose = prose[:0]
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		switch {
		case isFence(trimmed):
			flushProse()
			block, next := collectFence(lines, i)
			b.addCode(block)
			i = next

		case isTableRow(trimmed):
			flushProse()
			rows, next := collectTable(lines, i)
			b.addTable(rows)
			i = next

		case isHeading(trimmed):
			flushProse()
			level, text := splitHeading(trimmed)
			b.pushHeading(level, text)

		default:
			prose = append(prose, line)
		}
	}
	flushProse()

	for i := range b.chunks {
		b.chunks[i].Position = i
	}
	return b.chunks
}

// sectionPath joins the current heading stack, nil at document top level.
func (b *builder) sectionPath() *string {
	if len(b.stack) == 0 {
		return nil
	}
	parts := make([]string, len(b.stack))
	for i, frame := range b.stack {
		parts[i] = frame.text
	}
	path := strings.Join(parts, " > ")
	return &path
}

func (b *builder) pushHeading(level int, text string) {
	for len(b.stack) > 0 && b.stack[len(b.stack)-1].level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	b.stack = append(b.stack, headingFrame{level: level, text: text})
}

func (b *builder) emit(content string, segType storage.SegmentType) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	b.chunks = append(b.chunks, Chunk{
		Content:     content,
		ContentHash: fingerprint.Text(content),
		SectionPath: b.sectionPath(),
		SegmentType: segType,
		TokenCount:  EstimateTokens(content),
	})
}

// addProse packs paragraphs greedily up to the token budget, splitting
// oversize paragraphs on sentence boundaries.
func (b *builder) addProse(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	budget := b.maxTokens * 4

	var current strings.Builder
	flush := func() {
		b.emit(current.String(), storage.SegmentTypeText)
		current.Reset()
	}

	for _, para := range splitParagraphs(text) {
		if len(para) > budget {
			flush()
			for _, piece := range splitLongText(para, budget) {
				b.emit(piece, storage.SegmentTypeText)
			}
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
}

// addTable keeps whole rows together. Oversize tables split between rows
// and every part repeats the header and separator. A single row larger than
// the budget stays intact: row integrity beats the token bound.
func (b *builder) addTable(rows []string) {
	if len(rows) == 0 {
		return
	}
	budget := b.maxTokens * 4

	header := ""
	body := rows
	if len(rows) >= 2 && isTableSeparator(rows[1]) {
		header = rows[0] + "\n" + rows[1]
		body = rows[2:]
	}

	if len(body) == 0 {
		b.emit(header, storage.SegmentTypeTable)
		return
	}

	var part []string
	partLen := len(header)
	flush := func() {
		if len(part) == 0 {
			return
		}
		content := strings.Join(part, "\n")
		if header != "" {
			content = header + "\n" + content
		}
		b.emit(content, storage.SegmentTypeTable)
		part = part[:0]
		partLen = len(header)
	}

	for _, row := range body {
		if len(part) > 0 && partLen+1+len(row) > budget {
			flush()
		}
		part = append(part, row)
		partLen += len(row) + 1
	}
	flush()
}

// addCode emits a fenced block as one code chunk, splitting oversize blocks
// on line boundaries with the fence repeated around each part.
func (b *builder) addCode(block []string) {
	if len(block) == 0 {
		return
	}
	budget := b.maxTokens * 4

	open := block[0]
	closeFence := "```"
	inner := block
	if len(block) >= 2 && isFence(strings.TrimSpace(block[len(block)-1])) {
		closeFence = block[len(block)-1]
		inner = block[1 : len(block)-1]
	} else if len(block) >= 1 {
		inner = block[1:]
	}

	if len(strings.Join(inner, "\n")) == 0 {
		return
	}

	var part []string
	partLen := len(open) + len(closeFence) + 2
	flush := func() {
		if len(part) == 0 {
			return
		}
		content := open + "\n" + strings.Join(part, "\n") + "\n" + closeFence
		b.emit(content, storage.SegmentTypeCode)
		part = part[:0]
		partLen = len(open) + len(closeFence) + 2
	}

	for _, line := range inner {
		if len(part) > 0 && partLen+1+len(line) > budget {
			flush()
		}
		part = append(part, line)
		partLen += len(line) + 1
	}
	flush()
}

func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	hashes := len(line) - len(strings.TrimLeft(line, "#"))
	return hashes >= 1 && hashes <= 6 && len(line) > hashes && line[hashes] == ' '
}

func splitHeading(line string) (int, string) {
	hashes := len(line) - len(strings.TrimLeft(line, "#"))
	return hashes, strings.TrimSpace(line[hashes:])
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|")
}

func isTableSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "|") {
		return false
	}
	return strings.Trim(trimmed, "|-: \t") == ""
}

// collectFence gathers a fenced block starting at index start, returning the
// block lines and the index of its last line.
func collectFence(lines []string, start int) ([]string, int) {
	block := []string{lines[start]}
	for i := start + 1; i < len(lines); i++ {
		block = append(block, lines[i])
		if isFence(strings.TrimSpace(lines[i])) {
			return block, i
		}
	}
	return block, len(lines) - 1
}

// collectTable gathers consecutive table rows starting at index start.
func collectTable(lines []string, start int) ([]string, int) {
	var rows []string
	i := start
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !isTableRow(trimmed) {
			break
		}
		rows = append(rows, trimmed)
	}
	return rows, i - 1
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// splitLongText breaks an oversize paragraph on sentence boundaries, hard
// wrapping at word boundaries only when a single sentence overflows the
// budget.
func splitLongText(text string, budget int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			pieces = append(pieces, s)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(text) {
		if len(sentence) > budget {
			flush()
			pieces = append(pieces, hardWrap(sentence, budget)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(sentence) > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()
	return pieces
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				sentences = append(sentences, strings.TrimSpace(text[start:i+1]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func hardWrap(text string, budget int) []string {
	var pieces []string
	for len(text) > budget {
		cut := strings.LastIndex(text[:budget], " ")
		if cut <= 0 {
			cut = budget
		}
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}
