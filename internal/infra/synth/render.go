package synth

import (
	"bytes"
	"encoding/json"
	"html/template"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/tutu-network/appgrader/internal/domain"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var tableTmpl = template.Must(template.New("table").Parse(`<table>
  <thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
  <tbody>
{{- range .Rows}}
    <tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{- end}}
  </tbody>
</table>`))

var preTmpl = template.Must(template.New("pre").Parse(`<pre>{{.}}</pre>`))

// renderAttachment turns a decoded attachment into an HTML fragment. Images
// report ok=false because the page lists them separately.
func renderAttachment(v any) (template.HTML, bool, error) {
	switch val := v.(type) {
	case domain.ImageData:
		return "", false, nil
	case []map[string]string:
		return renderTable(val)
	case string:
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(val), &buf); err != nil {
			return "", false, err
		}
		// goldmark omits raw HTML by default, so the output is safe to embed.
		return template.HTML(buf.String()), true, nil
	default:
		pretty, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return "", false, err
		}
		return execute(preTmpl, string(pretty))
	}
}

func renderTable(rows []map[string]string) (template.HTML, bool, error) {
	colSet := map[string]bool{}
	for _, row := range rows {
		for col := range row {
			colSet[col] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for col := range colSet {
		cols = append(cols, col)
	}
	slices.Sort(cols)

	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(cols))
		for j, col := range cols {
			cells[i][j] = row[col]
		}
	}
	return execute(tableTmpl, struct {
		Columns []string
		Rows    [][]string
	}{cols, cells})
}

func execute(t *template.Template, data any) (template.HTML, bool, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", false, err
	}
	return template.HTML(b.String()), true, nil
}
