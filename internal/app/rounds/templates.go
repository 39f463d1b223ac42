package rounds

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/appgrader/internal/domain"
)

// Template is a reusable task definition referenced from the roster.
type Template struct {
	ID          string               `yaml:"id"`
	Brief       string               `yaml:"brief"`
	Checks      []string             `yaml:"checks"`
	Attachments []TemplateAttachment `yaml:"attachments"`
	ExpectText  string               `yaml:"expect_text"`
	Round2      *RoundOverride       `yaml:"round2"`
}

// TemplateAttachment is either an inline data URI or a file next to the
// templates file.
type TemplateAttachment struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	File string `yaml:"file"`
}

// RoundOverride replaces the brief and checks for a later round.
type RoundOverride struct {
	Brief      string   `yaml:"brief"`
	Checks     []string `yaml:"checks"`
	ExpectText string   `yaml:"expect_text"`
}

// LoadTemplates reads a YAML list of templates and embeds referenced files
// as data URIs.
func LoadTemplates(path string) (map[string]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var list []Template
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	base := filepath.Dir(path)
	out := make(map[string]Template, len(list))
	for _, t := range list {
		if t.ID == "" || t.Brief == "" {
			return nil, fmt.Errorf("template %q: id and brief are required", t.ID)
		}
		if _, dup := out[t.ID]; dup {
			return nil, fmt.Errorf("template %q defined twice", t.ID)
		}
		for i, a := range t.Attachments {
			if a.URL != "" {
				continue
			}
			if a.File == "" {
				return nil, fmt.Errorf("template %q attachment %q: url or file is required", t.ID, a.Name)
			}
			uri, err := fileDataURI(filepath.Join(base, a.File))
			if err != nil {
				return nil, fmt.Errorf("template %q: %w", t.ID, err)
			}
			t.Attachments[i].URL = uri
			if a.Name == "" {
				t.Attachments[i].Name = filepath.Base(a.File)
			}
		}
		out[t.ID] = t
	}
	return out, nil
}

func fileDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	typ := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if typ == "" {
		typ = "application/octet-stream"
	}
	typ, _, _ = strings.Cut(typ, ";")
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// TaskID derives a stable task id for a templated task so repeated runs with
// the same inputs converge on one id.
func TaskID(templateID, brief, email string) string {
	sum := sha256.Sum256([]byte(brief + email))
	return templateID + "-" + hex.EncodeToString(sum[:])[:5]
}

// DomainAttachments converts the template attachments for a task payload.
func (t Template) DomainAttachments() []domain.Attachment {
	out := make([]domain.Attachment, len(t.Attachments))
	for i, a := range t.Attachments {
		out[i] = domain.Attachment{Name: a.Name, URL: a.URL}
	}
	return out
}
