// Package capture implements the write pipeline: validate, deduplicate,
// security-filter, embed, construct and store a memory, then notify the
// dedup cache and the event bus.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/dedup"
	"github.com/subcog-dev/subcog/pkg/embedding"
	"github.com/subcog-dev/subcog/pkg/event"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/storage"
)

// Request is a capture submission.
type Request struct {
	Namespace string `validate:"required"`
	// Domain defaults to the project domain when nil.
	Domain    *memory.Domain
	Summary   string `validate:"required"`
	Content   string `validate:"required"`
	Tags      []string
	Source    string
	Spec      string
	RelatesTo []string
}

// Result reports the outcome of a capture.
type Result struct {
	// ID and URN identify the new memory. Empty when Skipped.
	ID  string
	URN string

	// Skipped is set when the dedup service judged the request a duplicate;
	// Reason and MatchedURN describe the match. No storage write happened.
	Skipped    bool
	Reason     dedup.Reason
	MatchedURN string
	Similarity float64

	// Degradation flags for the write that did happen.
	Indexed    bool
	Vectorized bool
	Warning    string
}

// FilterVerdict is the outcome of the injected security filter.
type FilterVerdict struct {
	// Blocked rejects the capture outright.
	Blocked bool
	// Reason explains a block; published on the CaptureBlocked event.
	Reason string
	// Content replaces the submitted content when the filter redacted it.
	// Empty means the original passes unmodified.
	Content string
}

// SecurityFilter screens content before it reaches storage. Out-of-core
// collaborators (regex catalogs, LLM classifiers) implement this.
type SecurityFilter func(ctx context.Context, content string) (FilterVerdict, error)

// Service runs the capture pipeline.
type Service struct {
	validate *validator.Validate
	dedup    *dedup.Service // nil disables dedup
	filter   SecurityFilter // nil disables filtering
	embedder embedding.Embedder
	store    *storage.Composite
	bus      *event.Bus
	logger   logging.Logger
	now      func() time.Time
}

// NewService wires the pipeline. dedup, filter, embedder and bus may be nil.
func NewService(store *storage.Composite, dd *dedup.Service, filter SecurityFilter, embedder embedding.Embedder, bus *event.Bus, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		validate: validator.New(),
		dedup:    dd,
		filter:   filter,
		embedder: embedder,
		store:    store,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Capture runs the full pipeline. Validation and security failures are
// fatal; dedup hits return a skipped result; embedding and secondary-layer
// failures degrade into warnings on an otherwise successful result.
func (s *Service) Capture(ctx context.Context, req Request) (*Result, error) {
	// 1. Validate.
	ns, dom, err := s.validateRequest(req)
	if err != nil {
		return nil, err
	}

	// 2. Dedup. A duplicate skips everything downstream; no writes.
	if s.dedup != nil && s.dedup.Enabled() {
		check := s.dedup.Check(ctx, req.Content, ns, req.Domain)
		if check.Duplicate {
			s.logger.Debug("capture skipped as duplicate",
				"reason", string(check.Reason), "matched", check.MatchedURN,
				"duration_ms", check.CheckDurationMS)
			return &Result{
				Skipped:    true,
				Reason:     check.Reason,
				MatchedURN: check.MatchedURN,
				Similarity: check.Similarity,
			}, nil
		}
	}

	// 3. Security filter.
	content := req.Content
	if s.filter != nil {
		verdict, err := s.filter(ctx, content)
		if err != nil {
			// A broken filter must not let content through unscreened.
			return nil, memory.WrapOp("capture_filter", err)
		}
		if verdict.Blocked {
			e := event.New(event.TypeCaptureBlocked)
			e.Reason = verdict.Reason
			e.ContentHash = encoding.ContentHashPrefix(encoding.NormalizeContent(content))
			s.publish(e)
			return nil, memory.WrapOp("capture_filter",
				fmt.Errorf("%w: %s", memory.ErrContentBlocked, verdict.Reason))
		}
		if verdict.Content != "" {
			content = verdict.Content
		}
	}

	// 4. Embed. Failure degrades: the memory is stored without a vector.
	var vec []float32
	var warning string
	if s.embedder != nil && s.store.HasVector() {
		vec, err = s.embedder.Embed(ctx, encoding.NormalizeContent(content))
		if err != nil {
			s.logger.Warn("embedding failed, capturing without vector", "error", err)
			warning = "embedder unavailable"
			vec = nil
		}
	}

	// 5. Construct.
	now := s.now().UTC()
	m := &memory.Memory{
		ID:        memory.NewID(content, now),
		Namespace: ns,
		Domain:    dom,
		Summary:   strings.TrimSpace(req.Summary),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      append([]string(nil), req.Tags...),
		Source:    req.Source,
		Spec:      req.Spec,
		Status:    memory.StatusActive,
		Tier:      memory.TierHot,
		RelatesTo: append([]string(nil), req.RelatesTo...),
	}
	m.AddTag(dedup.HashTag(encoding.NormalizeContent(content)))

	// 6. Composite write: persistence fatal, index/vector degrade. The
	// composite publishes MemoryCaptured.
	report, err := s.store.Write(ctx, m, vec)
	if err != nil {
		return nil, err
	}
	if warning == "" {
		warning = report.Warning
	}

	// 7. Post-capture bookkeeping.
	if s.dedup != nil {
		s.dedup.RecordCapture(content, m)
	}

	return &Result{
		ID:         m.ID,
		URN:        memory.BuildURN(m),
		Indexed:    report.Indexed,
		Vectorized: report.Vectorized,
		Warning:    warning,
	}, nil
}

func (s *Service) validateRequest(req Request) (memory.Namespace, memory.Domain, error) {
	if err := s.validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return "", memory.Domain{}, &memory.ValidationError{
				Field:  strings.ToLower(verrs[0].Field()),
				Reason: "failed " + verrs[0].Tag() + " constraint",
			}
		}
		return "", memory.Domain{}, err
	}

	ns, err := memory.ParseNamespace(req.Namespace)
	if err != nil {
		return "", memory.Domain{}, err
	}

	if utf8.RuneCountInString(strings.TrimSpace(req.Summary)) > memory.MaxSummaryChars {
		return "", memory.Domain{}, &memory.ValidationError{
			Field:  "summary",
			Reason: fmt.Sprintf("exceeds %d characters", memory.MaxSummaryChars),
		}
	}
	if len(req.Content) > memory.MaxContentBytes {
		return "", memory.Domain{}, &memory.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("exceeds %d bytes", memory.MaxContentBytes),
		}
	}

	dom := memory.ProjectDomain("")
	if req.Domain != nil {
		if err := req.Domain.Validate(); err != nil {
			return "", memory.Domain{}, err
		}
		dom = *req.Domain
	}
	return ns, dom, nil
}

func (s *Service) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
