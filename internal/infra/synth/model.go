package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/tutu-network/appgrader/internal/domain"
)

const maxAttachmentPreview = 2000

// ModelSynthesizer asks a chat model for the site files. The reply must be a
// JSON object mapping paths to contents.
type ModelSynthesizer struct {
	model  ChatModel
	solver domain.CaptchaSolver
	log    *slog.Logger
	now    func() time.Time
}

// NewModelSynthesizer creates a synthesizer backed by m. solver may be nil.
func NewModelSynthesizer(m ChatModel, solver domain.CaptchaSolver, log *slog.Logger) *ModelSynthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &ModelSynthesizer{model: m, solver: solver, log: log.With("component", "synth"), now: time.Now}
}

// Synthesize generates the files, then makes sure README.md, LICENSE and the
// static solution element are present regardless of what the model returned.
func (s *ModelSynthesizer) Synthesize(ctx context.Context, brief string, data domain.AttachmentData) (map[string]string, error) {
	solution, err := solveFirstImage(ctx, s.solver, data)
	if err != nil {
		return nil, err
	}

	msgs := []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: buildPrompt(brief, data, solution)},
	}
	out, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", domain.ErrSynthesis, err)
	}

	files, err := ParseFiles(out.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSynthesis, err)
	}

	if _, ok := files["LICENSE"]; !ok {
		files["LICENSE"] = mitLicense(s.now().Year())
	}
	if len(strings.TrimSpace(files["README.md"])) <= 100 {
		files["README.md"] = readme(brief, data)
	}
	if solution != "" {
		files["index.html"] = injectSolution(files["index.html"], solution)
	}
	s.log.Debug("synthesized files", "count", len(files))
	return files, nil
}

const systemPrompt = `You build small static web applications that are published with GitHub Pages.
Reply with a single JSON object whose keys are file paths and whose values are the full file contents.
Always include index.html, README.md and LICENSE (MIT). Do not use a build step.`

func buildPrompt(brief string, data domain.AttachmentData, solution string) string {
	var sb strings.Builder
	sb.WriteString("## Brief\n\n")
	sb.WriteString(brief)
	sb.WriteString("\n\n")

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	slices.Sort(names)
	if len(names) > 0 {
		sb.WriteString("## Attachments\n\n")
	}
	for _, name := range names {
		fmt.Fprintf(&sb, "### %s\n\n", name)
		switch v := data[name].(type) {
		case domain.ImageData:
			sb.WriteString("(image, embed it with an <img> tag using the same data URI)\n\n")
		case string:
			sb.WriteString(truncate(v))
			sb.WriteString("\n\n")
		default:
			raw, _ := json.Marshal(v)
			sb.WriteString(truncate(string(raw)))
			sb.WriteString("\n\n")
		}
	}

	if solution != "" {
		fmt.Fprintf(&sb, "## Captcha\n\nThe captcha text is %q. Put it in index.html as static markup "+
			"inside an element with id=%q. Do not insert it with a timer or script.\n", solution, SolutionElementID)
	}
	return sb.String()
}

func truncate(s string) string {
	if len(s) <= maxAttachmentPreview {
		return s
	}
	return s[:maxAttachmentPreview] + "\n... (truncated)"
}

// ParseFiles extracts the path-to-content map from a model reply. Code fences
// around the JSON and leading prose are tolerated. An empty map or one
// without index.html is an error.
func ParseFiles(content string) (map[string]string, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content[3:], "\n"); idx >= 0 {
			content = content[3+idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	// Some models nest the map under "files".
	if nested, ok := raw["files"].(map[string]any); ok {
		raw = nested
	}

	files := make(map[string]string, len(raw))
	for path, v := range raw {
		text, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("file %s: content is %T, want string", path, v)
		}
		files[strings.TrimPrefix(path, "/")] = text
	}
	if _, ok := files["index.html"]; !ok {
		return nil, fmt.Errorf("reply has no index.html")
	}
	return files, nil
}

// injectSolution adds the solution element right after <body> unless the
// model already placed the text in the page.
func injectSolution(page, solution string) string {
	if strings.Contains(page, `id="`+SolutionElementID+`"`) && strings.Contains(page, solution) {
		return page
	}
	elem := fmt.Sprintf(`<p id="%s">%s</p>`, SolutionElementID, html.EscapeString(solution))
	lower := strings.ToLower(page)
	if i := strings.Index(lower, "<body"); i >= 0 {
		if j := strings.Index(lower[i:], ">"); j >= 0 {
			at := i + j + 1
			return page[:at] + "\n" + elem + page[at:]
		}
	}
	return elem + "\n" + page
}
