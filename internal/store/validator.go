package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/telemetry"
)

// Validator reports structural defects in repository snapshots
type Validator struct {
	repo        *git.Repository
	extractor   *Extractor
	concurrency int
	metrics     *telemetry.ValidationMetrics
	tracer      trace.Tracer
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithValidationConcurrency bounds the number of files checked in parallel
func WithValidationConcurrency(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithValidationMetrics sets the metrics recorder
func WithValidationMetrics(m *telemetry.ValidationMetrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = m
	}
}

// WithValidatorTracer sets the tracer used for validation spans
func WithValidatorTracer(tracer trace.Tracer) ValidatorOption {
	return func(v *Validator) {
		v.tracer = tracer
	}
}

// NewValidator creates a validator over repo
func NewValidator(repo *git.Repository, opts ...ValidatorOption) *Validator {
	v := &Validator{
		repo:        repo,
		extractor:   NewExtractor(repo),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks the snapshot behind ref
func (v *Validator) Validate(ctx context.Context, ref string) ([]*Defect, error) {
	ctx, span := otel.StartSpan(ctx, v.tracer, "Validator.Validate",
		trace.WithAttributes(otel.AttrRef.String(ref)))
	defer span.End()

	start := time.Now()
	extraction, err := v.extractor.ExtractRef(ref)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	defects, err := v.check(ctx, []*Extraction{extraction})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	v.metrics.RecordValidation(ctx, ref, len(defects), time.Since(start))
	span.SetAttributes(otel.AttrDefectCount.Int(len(defects)))
	return defects, nil
}

// ValidateAll checks every branch and tag. References sharing a snapshot
// are checked once and reported together.
func (v *Validator) ValidateAll(ctx context.Context) ([]*Defect, error) {
	ctx, span := otel.StartSpan(ctx, v.tracer, "Validator.ValidateAll")
	defer span.End()

	start := time.Now()
	extractions, err := v.extractor.ExtractAll()
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	defects, err := v.check(ctx, extractions)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	slog.Info("Validated repository",
		"snapshots", len(extractions),
		"defects", len(defects),
		"duration", time.Since(start).String())
	v.metrics.RecordValidation(ctx, "all", len(defects), time.Since(start))
	span.SetAttributes(otel.AttrDefectCount.Int(len(defects)))
	return defects, nil
}

// ValidateDefaultReferenceExists fails when the repository has references
// but ref is not one of them. An empty repository passes.
func (v *Validator) ValidateDefaultReferenceExists(ref string) error {
	has, err := v.repo.HasReferences()
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	if _, err := v.repo.Resolve(ref); err != nil {
		if errors.Is(err, git.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrMissingDefaultReference, ref)
		}
		return err
	}
	return nil
}

func (v *Validator) check(ctx context.Context, extractions []*Extraction) ([]*Defect, error) {
	p := pool.NewWithResults[*Defect]().WithMaxGoroutines(v.concurrency).WithContext(ctx)

	for _, extraction := range extractions {
		if extraction.Err != nil {
			p.Go(func(context.Context) (*Defect, error) {
				return &Defect{Refs: extraction.Refs, Err: extraction.Err}, nil
			})
		}
		for key, blobs := range extraction.Keys {
			p.Go(func(ctx context.Context) (*Defect, error) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return checkKey(extraction.Refs, key, blobs), nil
			})
		}
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	defects := slices.DeleteFunc(results, func(d *Defect) bool { return d == nil })
	slices.SortFunc(defects, func(a, b *Defect) int {
		return cmp.Or(
			slices.Compare(a.Refs, b.Refs),
			cmp.Compare(a.Path, b.Path),
		)
	})
	return defects, nil
}

// checkKey classifies the blob pair of one key
func checkKey(refs []string, key string, blobs *KeyBlobs) *Defect {
	switch {
	case blobs.Data != nil && blobs.Metadata != nil:
		if blobs.Data.Err != nil {
			return &Defect{Refs: refs, Path: blobs.Data.Path, ObjectID: blobs.Data.ID, Err: blobs.Data.Err}
		}
		return checkMetadata(refs, blobs.Metadata)
	case blobs.Data != nil:
		return &Defect{Refs: refs, Path: blobs.Data.Path, ObjectID: blobs.Data.ID, Err: ErrMissingMetadata}
	case IsDirectoryDefault(key):
		return checkMetadata(refs, blobs.Metadata)
	default:
		return &Defect{Refs: refs, Path: blobs.Metadata.Path, ObjectID: blobs.Metadata.ID, Err: ErrOrphanMetadata}
	}
}

func checkMetadata(refs []string, h *BlobHandle) *Defect {
	rc, err := h.Open()
	if err != nil {
		return &Defect{Refs: refs, Path: h.Path, ObjectID: h.ID, Err: err}
	}
	defer rc.Close()
	if _, err := ParseMetaData(rc); err != nil {
		return &Defect{Refs: refs, Path: h.Path, ObjectID: h.ID, Err: err}
	}
	return nil
}

// DefectsError joins defects into a single error, nil when there are none
func DefectsError(defects []*Defect) error {
	errs := make([]error, 0, len(defects))
	for _, d := range defects {
		errs = append(errs, d)
	}
	return errors.Join(errs...)
}
