package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/tutu-network/appgrader/internal/domain"
)

// DefaultCaptchaText is what the static solver returns.
const DefaultCaptchaText = "Solved Captcha Text"

// StaticSolver returns a fixed string for every image.
type StaticSolver struct {
	Text string
}

// Solve implements domain.CaptchaSolver.
func (s StaticSolver) Solve(_ context.Context, img domain.ImageData) (string, error) {
	if img == "" {
		return "", errors.New("empty image")
	}
	if s.Text == "" {
		return DefaultCaptchaText, nil
	}
	return s.Text, nil
}

const captchaPrompt = "Read the text shown in this captcha image. " +
	"Reply with the text only, no punctuation or explanation."

// ModelSolver reads captcha text with a vision-capable chat model.
type ModelSolver struct {
	model ChatModel
}

// NewModelSolver wraps m as a captcha solver.
func NewModelSolver(m ChatModel) *ModelSolver {
	return &ModelSolver{model: m}
}

// Solve sends the image as a data URI part and returns the first line of the
// reply.
func (s *ModelSolver) Solve(ctx context.Context, img domain.ImageData) (string, error) {
	if img == "" {
		return "", errors.New("empty image")
	}
	msgs := []*schema.Message{{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: captchaPrompt},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: string(img)}},
		},
	}}
	out, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("captcha: generate: %w", err)
	}
	text, _, _ := strings.Cut(strings.TrimSpace(out.Content), "\n")
	text = strings.Trim(strings.TrimSpace(text), "\"'`")
	if text == "" {
		return "", errors.New("captcha: empty reply")
	}
	return text, nil
}
