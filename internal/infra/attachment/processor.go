// Package attachment decodes the inline data-URI attachments of a task into
// typed values keyed by file name. A bad attachment is logged and dropped;
// it never fails the batch.
package attachment

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/tailscale/hujson"

	"github.com/tutu-network/appgrader/internal/domain"
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errors.New("malformed attachment")

// Kind is the decoded shape chosen from the file extension.
type Kind string

const (
	KindCSV   Kind = "csv"
	KindJSON  Kind = "json"
	KindText  Kind = "text"
	KindImage Kind = "image"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// KindOf picks the decoded shape for name, falling back to the mime type for
// unknown extensions.
func KindOf(name, mime string) Kind {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ".csv":
		return KindCSV
	case ext == ".json":
		return KindJSON
	case imageExts[ext]:
		return KindImage
	case ext == "" && strings.HasPrefix(mime, "image/"):
		return KindImage
	default:
		return KindText
	}
}

// Processor turns attachments into domain.AttachmentData.
type Processor struct {
	log *slog.Logger
}

// NewProcessor creates a processor that reports dropped attachments to log.
func NewProcessor(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{log: log.With("component", "attachment")}
}

// Process decodes every attachment it can. Attachments that fail are absent
// from the result.
func (p *Processor) Process(atts []domain.Attachment) domain.AttachmentData {
	out := make(domain.AttachmentData, len(atts))
	for _, a := range atts {
		v, err := Decode(a)
		if err != nil {
			p.log.Warn("dropping attachment", "name", a.Name, "error", err)
			continue
		}
		out[a.Name] = v
	}
	return out
}

// Decode converts one attachment into its typed value.
func Decode(a domain.Attachment) (any, error) {
	mime, data, err := DecodeDataURI(a.URL)
	if err != nil {
		return nil, err
	}

	switch KindOf(a.Name, mime) {
	case KindImage:
		// Passed through unparsed so the page can embed it directly.
		return domain.ImageData(a.URL), nil
	case KindCSV:
		return parseCSV(data)
	case KindJSON:
		return parseJSON(data)
	default:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8 text", ErrMalformed, a.Name)
		}
		return string(data), nil
	}
}

// DecodeDataURI splits a data URI into its mime type and decoded payload.
// Base64 payloads with missing padding are repaired.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data URI", ErrMalformed)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data URI has no payload separator", ErrMalformed)
	}

	mime := header
	isBase64 := false
	if m, ok := strings.CutSuffix(header, ";base64"); ok {
		mime, isBase64 = m, true
	}
	mime, _, _ = strings.Cut(mime, ";")

	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return mime, []byte(text), nil
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return "", nil, err
	}
	return mime, data, nil
}

func decodeBase64(payload string) ([]byte, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	s = strings.TrimRight(s, "=")

	switch len(s) % 4 {
	case 1:
		return nil, fmt.Errorf("%w: base64 payload has impossible length", ErrMalformed)
	case 2:
		s += "=="
	case 3:
		s += "="
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, urlErr := base64.URLEncoding.DecodeString(s); urlErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
}

// parseCSV returns header-keyed rows. Short rows leave missing columns empty.
func parseCSV(data []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return []map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: csv header: %v", ErrMalformed, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	rows := []map[string]string{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv row %d: %v", ErrMalformed, len(rows)+1, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// parseJSON accepts JSON with comments and trailing commas.
func parseJSON(data []byte) (any, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	var v any
	if err := json.Unmarshal(std, &v); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	return v, nil
}
