// Package extraction turns meeting minutes into candidate decisions and tasks
// using a schema-constrained text-generation provider. It never writes to the
// record store.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"minutes-api/domain"
	"minutes-api/llm"
)

const (
	tracerName      = "minutes-api/extraction"
	spanName        = "extraction.extract"
	defaultTimeout  = 60 * time.Second
	defaultMaxToken = 4096
)

var (
	errMissingSummary = errors.New("summary is required")
	errMissingField   = errors.New("missing required field")
)

// Request is the minutes to analyse.
type Request struct {
	Summary      string `json:"summary"`
	Title        string `json:"title"`
	WorkingGroup string `json:"workingGroup"`
}

// Decision is a candidate decision found in the minutes.
type Decision struct {
	Title   string   `json:"title"`
	Context string   `json:"context"`
	Tags    []string `json:"tags"`
}

// Task is a candidate action item found in the minutes.
type Task struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Result holds every candidate. Both slices are non-nil.
type Result struct {
	Decisions []Decision `json:"decisions"`
	Tasks     []Task     `json:"tasks"`
}

// Verifier resolves a caller credential to a user id.
type Verifier interface {
	VerifyCredential(ctx context.Context, credential string) (string, error)
}

// Service runs extractions. It is safe for concurrent use.
type Service struct {
	verifier  Verifier
	provider  llm.Provider
	timeout   time.Duration
	maxTokens int
	logger    *log.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxTokens caps the provider output length.
func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(v Verifier, p llm.Provider, opts ...Option) *Service {
	s := &Service{
		verifier:  v,
		provider:  p,
		timeout:   defaultTimeout,
		maxTokens: defaultMaxToken,
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract verifies the caller, validates the request and asks the provider
// for candidates. It either returns a complete result or an *Error.
func (s *Service) Extract(ctx context.Context, req Request, credential string) (res *Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	start := time.Now()
	fields := log.Fields{"provider": s.provider.Name()}
	defer func() {
		fields["duration_ms"] = float64(time.Since(start)) / float64(time.Millisecond)
		kind := KindOf(err)
		span.SetAttributes(attribute.String("llm.provider", s.provider.Name()))
		if err != nil {
			fields["kind"] = string(kind)
			span.SetAttributes(attribute.String("extraction.error_kind", string(kind)))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			entry := s.logger.WithFields(fields).WithError(err)
			if kind == KindUnauthorized || kind == KindInvalidInput {
				entry.Info("meeting extraction rejected")
			} else {
				entry.Error("meeting extraction failed")
			}
		} else {
			fields["decisions"] = len(res.Decisions)
			fields["tasks"] = len(res.Tasks)
			span.SetAttributes(
				attribute.Int("extraction.decisions", len(res.Decisions)),
				attribute.Int("extraction.tasks", len(res.Tasks)),
			)
			span.SetStatus(codes.Ok, "")
			s.logger.WithFields(fields).Info("meeting extraction completed")
		}
		span.End()
	}()

	userID, verr := s.verifier.VerifyCredential(ctx, credential)
	if verr != nil {
		return nil, newError(KindUnauthorized, "", verr)
	}
	fields["user"] = userID

	if strings.TrimSpace(req.Summary) == "" {
		return nil, newError(KindInvalidInput, "summary", errMissingSummary)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, gerr := s.provider.Generate(callCtx, llm.Request{
		System:     systemInstruction,
		Prompt:     buildPrompt(req),
		SchemaName: schemaName,
		Schema:     analysisSchema(),
		MaxTokens:  s.maxTokens,
	})
	if gerr != nil {
		if llm.IsResponseError(gerr) {
			return nil, newError(KindProviderResponseInvalid, "", gerr)
		}
		return nil, newError(KindProviderCallFailed, "", gerr)
	}

	res, perr := parseResult(resp.Text)
	if perr != nil {
		return nil, newError(KindProviderResponseInvalid, "", perr)
	}
	return res, nil
}

type wireResult struct {
	Decisions *[]wireDecision `json:"decisions"`
	Tasks     *[]wireTask     `json:"tasks"`
}

type wireDecision struct {
	Title   *string   `json:"title"`
	Context *string   `json:"context"`
	Tags    *[]string `json:"tags"`
}

type wireTask struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

// parseResult decodes provider output and enforces the analysis schema.
func parseResult(text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, llm.ErrNoText
	}
	var w wireResult
	if err := strictJSON.UnmarshalFromString(text, &w); err != nil {
		return nil, err
	}
	if w.Decisions == nil {
		return nil, fieldMissing("decisions")
	}
	if w.Tasks == nil {
		return nil, fieldMissing("tasks")
	}

	res := &Result{
		Decisions: make([]Decision, 0, len(*w.Decisions)),
		Tasks:     make([]Task, 0, len(*w.Tasks)),
	}
	for _, d := range *w.Decisions {
		switch {
		case d.Title == nil:
			return nil, fieldMissing("decisions[].title")
		case d.Context == nil:
			return nil, fieldMissing("decisions[].context")
		case d.Tags == nil:
			return nil, fieldMissing("decisions[].tags")
		}
		res.Decisions = append(res.Decisions, Decision{
			Title:   *d.Title,
			Context: *d.Context,
			Tags:    domain.NormalizeTags(*d.Tags),
		})
	}
	for _, t := range *w.Tasks {
		switch {
		case t.Title == nil:
			return nil, fieldMissing("tasks[].title")
		case t.Description == nil:
			return nil, fieldMissing("tasks[].description")
		}
		res.Tasks = append(res.Tasks, Task{Title: *t.Title, Description: *t.Description})
	}
	return res, nil
}

func fieldMissing(name string) error {
	return fmt.Errorf("%w %s", errMissingField, name)
}
