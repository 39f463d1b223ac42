// Package synth builds the static site for a brief. The template synthesizer
// is deterministic and offline; the model synthesizer asks a chat model
// (OpenAI or Ollama through eino) for the files. Both embed a captcha
// solution as static markup so it is visible as soon as the page renders.
package synth

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tutu-network/appgrader/internal/domain"
)

// SolutionElementID is the id of the element that carries the captcha
// solution on every synthesized page.
const SolutionElementID = "solution"

// TemplateSynthesizer renders a fixed site layout around the brief and the
// processed attachments.
type TemplateSynthesizer struct {
	solver domain.CaptchaSolver
	log    *slog.Logger
	now    func() time.Time
}

// NewTemplateSynthesizer creates an offline synthesizer. solver may be nil,
// in which case image attachments are shown but not solved.
func NewTemplateSynthesizer(solver domain.CaptchaSolver, log *slog.Logger) *TemplateSynthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &TemplateSynthesizer{solver: solver, log: log.With("component", "synth"), now: time.Now}
}

// Synthesize returns index.html, app.js, README.md and LICENSE.
func (s *TemplateSynthesizer) Synthesize(ctx context.Context, brief string, data domain.AttachmentData) (map[string]string, error) {
	solution, err := solveFirstImage(ctx, s.solver, data)
	if err != nil {
		return nil, err
	}

	page, err := renderIndex(brief, data, solution)
	if err != nil {
		return nil, fmt.Errorf("%w: render index: %v", domain.ErrSynthesis, err)
	}

	return map[string]string{
		"index.html": page,
		"app.js":     appJS,
		"README.md":  readme(brief, data),
		"LICENSE":    mitLicense(s.now().Year()),
	}, nil
}

// solveFirstImage runs the captcha sub-step when an image is attached.
func solveFirstImage(ctx context.Context, solver domain.CaptchaSolver, data domain.AttachmentData) (string, error) {
	images := data.Images()
	if len(images) == 0 || solver == nil {
		return "", nil
	}
	text, err := solver.Solve(ctx, images[0])
	if err != nil {
		return "", fmt.Errorf("%w: captcha: %v", domain.ErrSynthesis, err)
	}
	return strings.TrimSpace(text), nil
}

type indexView struct {
	Brief      string
	SolutionID string
	Solution   string
	Images     []template.URL
	Sections   []section
}

type section struct {
	Name string
	Body template.HTML
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Brief}}</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 0; background: #fafafa; color: #222; }
    .container { max-width: 800px; margin: 0 auto; padding: 20px; }
    img { max-width: 100%; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ccc; padding: 4px 8px; }
    #{{.SolutionID}} { font-size: 1.5rem; font-weight: bold; }
  </style>
</head>
<body>
  <main class="container">
    <h1>{{.Brief}}</h1>
{{- if .Solution}}
    <p id="{{.SolutionID}}">{{.Solution}}</p>
{{- end}}
{{- range .Images}}
    <img src="{{.}}" alt="attachment">
{{- end}}
{{- range .Sections}}
    <section>
      <h2>{{.Name}}</h2>
      {{.Body}}
    </section>
{{- end}}
    <div id="app"></div>
  </main>
  <script src="app.js"></script>
</body>
</html>
`))

func renderIndex(brief string, data domain.AttachmentData, solution string) (string, error) {
	view := indexView{Brief: brief, SolutionID: SolutionElementID, Solution: solution}
	for _, img := range data.Images() {
		view.Images = append(view.Images, template.URL(img))
	}

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		body, ok, err := renderAttachment(data[name])
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", name, err)
		}
		if ok {
			view.Sections = append(view.Sections, section{Name: name, Body: body})
		}
	}

	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// appJS only adds the optional ?url= image preview. It never touches the
// solution element.
const appJS = `document.addEventListener('DOMContentLoaded', () => {
  const app = document.getElementById('app');
  const imageUrl = new URLSearchParams(window.location.search).get('url');
  if (imageUrl) {
    const img = document.createElement('img');
    img.src = imageUrl;
    img.alt = 'requested image';
    app.appendChild(img);
  }
});
`

func readme(brief string, data domain.AttachmentData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", firstLine(brief))
	b.WriteString("A small static web application generated to fulfil the task brief below. ")
	b.WriteString("It is published with GitHub Pages and needs no build step.\n\n")
	b.WriteString("## Description\n\n")
	b.WriteString(brief)
	b.WriteString("\n\n## Attachments\n\n")
	if len(data) == 0 {
		b.WriteString("None.\n")
	}
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- `%s`\n", name)
	}
	b.WriteString("\n## Usage\n\nOpen `index.html` in a browser, or visit the published Pages URL. ")
	b.WriteString("Append `?url=<image-url>` to preview an image.\n\n")
	b.WriteString("## Code\n\n- `index.html` renders the brief, attachments and any solved captcha text.\n")
	b.WriteString("- `app.js` adds the optional image preview.\n\n")
	b.WriteString("## License\n\nMIT, see `LICENSE`.\n")
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80])
	}
	if line == "" {
		line = "Generated app"
	}
	return line
}

func mitLicense(year int) string {
	return fmt.Sprintf(`MIT License

Copyright (c) %d The Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`, year)
}
