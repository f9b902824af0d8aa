package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-playground/validator/v10"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/models"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

const DefaultMaxSentences = 40

var (
	whitespace = regexp.MustCompile(`\s+`)
	markup     = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|span|table|a)\b`)
	postingURL = regexp.MustCompile(`^https?://\S+$`)
)

// ErrFetchPosting marks failures to download a posting shared as a link.
var ErrFetchPosting = errors.New("failed to fetch linked posting")

// Classifier labels a job posting.
type Classifier interface {
	ClassifyPosting(ctx context.Context, posting string) (*models.AnalysisResult, error)
}

type Message struct {
	PhoneNumber string             `json:"phone_number" validate:"required,min=5,max=32"`
	MessageType models.MessageType `json:"message_type" validate:"required,oneof=text pdf"`
	Content     string             `json:"content" validate:"max=200000"`
}

// PageFetcher downloads the text of a job posting page.
type PageFetcher interface {
	FetchPosting(ctx context.Context, url string) (string, error)
}

// Processor turns inbound bot messages into recorded interactions.
type Processor struct {
	store        storage.Recorder
	classifier   Classifier
	fetcher      PageFetcher
	maxSentences int
	validate     *validator.Validate
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Processor)

func WithMaxSentences(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxSentences = n
		}
	}
}

// WithFetcher enables classifying text messages that consist of a single
// link by downloading the linked page.
func WithFetcher(f PageFetcher) Option {
	return func(p *Processor) {
		p.fetcher = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

func NewProcessor(store storage.Recorder, classifier Classifier, opts ...Option) *Processor {
	p := &Processor{
		store:        store,
		classifier:   classifier,
		maxSentences: DefaultMaxSentences,
		validate:     validator.New(),
		now:          time.Now,
		logger:       logger.Named("ingestion"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessMessage cleans and classifies one posting and records the outcome.
// A classification failure is recorded as an unsuccessful interaction and is
// not returned as an error; only invalid input and store failures are.
func (p *Processor) ProcessMessage(ctx context.Context, msg Message) (*models.Interaction, error) {
	if err := p.validate.Struct(msg); err != nil {
		return nil, apperrors.NewValidationError("INVALID_MESSAGE", err.Error())
	}

	started := p.now()
	in := models.Interaction{
		Timestamp:   started,
		MessageType: msg.MessageType,
	}

	text, err := p.postingText(ctx, msg)
	if err == nil {
		if text == "" {
			err = emptyContentError(msg.MessageType)
		} else {
			in.AnalysisResult, err = p.classifier.ClassifyPosting(ctx, text)
		}
	}

	in.ResponseTime = p.now().Sub(started).Seconds()
	in.WasSuccessful = err == nil
	if err != nil {
		in.Error = describe(err)
		p.logger.Warn("Message processing failed",
			zap.String("phone_number", msg.PhoneNumber),
			zap.String("message_type", string(msg.MessageType)),
			zap.Error(err),
		)
	}

	if err := p.store.RecordInteraction(ctx, msg.PhoneNumber, in); err != nil {
		appmetrics.MessagesProcessed.WithLabelValues(string(msg.MessageType), "store_error").Inc()
		return nil, fmt.Errorf("failed to record interaction: %w", err)
	}

	status := "success"
	if !in.WasSuccessful {
		status = "failed"
	}
	appmetrics.MessagesProcessed.WithLabelValues(string(msg.MessageType), status).Inc()

	p.logger.Info("Message processed",
		zap.String("phone_number", msg.PhoneNumber),
		zap.String("message_type", string(msg.MessageType)),
		zap.Bool("successful", in.WasSuccessful),
		zap.Float64("response_time", in.ResponseTime),
	)
	return &in, nil
}

func (p *Processor) postingText(ctx context.Context, msg Message) (string, error) {
	content := strings.TrimSpace(msg.Content)
	if p.fetcher == nil || msg.MessageType != models.MessageTypeText || !postingURL.MatchString(content) {
		return p.Normalize(msg.Content), nil
	}

	page, err := p.fetcher.FetchPosting(ctx, content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchPosting, err)
	}
	return p.Normalize(page), nil
}

// Normalize strips markup, collapses whitespace and keeps the first
// maxSentences sentences.
func (p *Processor) Normalize(content string) string {
	text := content
	if markup.MatchString(content) {
		text = stripHTML(content)
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}
	return p.firstSentences(text)
}

func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, noscript, head").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	return doc.Find("body").Text()
}

func (p *Processor) firstSentences(text string) string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		p.logger.Debug("Sentence segmentation failed", zap.Error(err))
		return text
	}

	sentences := doc.Sentences()
	if len(sentences) <= p.maxSentences {
		return text
	}

	kept := make([]string, p.maxSentences)
	for i := range kept {
		kept[i] = sentences[i].Text
	}
	return strings.Join(kept, " ")
}

func emptyContentError(t models.MessageType) error {
	if t == models.MessageTypePDF {
		return errors.New("PDF text extraction returned no content")
	}
	return apperrors.NewValidationError("EMPTY_POSTING", "job posting text is empty")
}

// describe phrases err so that error categorisation can group it.
func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout while classifying posting: " + err.Error()
	case errors.Is(err, ErrFetchPosting):
		return err.Error()
	case strings.Contains(strings.ToLower(err.Error()), "pdf"):
		return err.Error()
	case apperrors.IsValidation(err):
		return err.Error()
	default:
		return "OpenAI classification failed: " + err.Error()
	}
}
