package scraper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"vessel_ingest/models"
)

// Adapter scrapes one source. ScrapeListing returns every visible listing
// with the metrics the circuit breaker needs; EnrichDetail fetches one
// listing's detail page.
type Adapter interface {
	Source() string
	ScrapeListing(ctx context.Context) ([]models.ListingRow, models.ListingMetrics, error)
	EnrichDetail(ctx context.Context, row models.ListingRow) (models.VesselPayload, models.DetailMetrics, error)
}

// Registry maps source keys to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		key := a.Source()
		if key == "" {
			return nil, fmt.Errorf("adapter with empty source key")
		}
		if _, dup := r.adapters[key]; dup {
			return nil, fmt.Errorf("duplicate adapter for source %q", key)
		}
		r.adapters[key] = a
	}
	return r, nil
}

func (r *Registry) Get(source string) (Adapter, bool) {
	a, ok := r.adapters[source]
	return a, ok
}

func (r *Registry) Sources() []string {
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContractError is an adapter returning data that breaks its contract.
// It aborts the run before anything is staged.
type ContractError struct {
	Source   string
	Problems []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("adapter %s violated its contract: %s", e.Source, strings.Join(e.Problems, "; "))
}

// Contract marks the error for callers that cannot import this package.
func (e *ContractError) Contract() bool { return true }

func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// gte/lte let +Inf through on unbounded fields.
	if err := v.RegisterValidation("finite", isFinite); err != nil {
		panic(err)
	}
	return v
}

func isFinite(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		f := fl.Field().Float()
		return !math.IsInf(f, 0) && !math.IsNaN(f)
	}
	return true
}

// ValidateListing checks a list scrape's rows and metrics.
func ValidateListing(source string, rows []models.ListingRow, m models.ListingMetrics) error {
	var problems []string
	if err := validate.Struct(m); err != nil {
		problems = append(problems, describe("metrics", err)...)
	}
	for i, row := range rows {
		problems = append(problems, validateRow(source, fmt.Sprintf("row %d", i), row)...)
	}
	if len(problems) > 0 {
		return &ContractError{Source: source, Problems: problems}
	}
	return nil
}

// ValidateDetail checks one enrichment result against the listing it was
// requested for.
func ValidateDetail(source string, want models.ListingRow, p models.VesselPayload, m models.DetailMetrics) error {
	var problems []string
	if err := validate.Struct(m); err != nil {
		problems = append(problems, describe("metrics", err)...)
	}
	problems = append(problems, validateRow(source, "payload", p.ListingRow)...)
	if p.SourceID != want.SourceID {
		problems = append(problems, fmt.Sprintf("payload: source_id %q does not match job %q", p.SourceID, want.SourceID))
	}
	if len(problems) > 0 {
		return &ContractError{Source: source, Problems: problems}
	}
	return nil
}

func validateRow(source, label string, row models.ListingRow) []string {
	var problems []string
	if err := validate.Struct(row); err != nil {
		problems = append(problems, describe(label+" "+row.SourceID, err)...)
	}
	if row.Source != source {
		problems = append(problems, fmt.Sprintf("%s: source %q, want %q", label, row.Source, source))
	}
	return problems
}

func describe(label string, err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", label, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: %s failed %s", strings.TrimSpace(label), fe.Field(), fe.Tag()))
	}
	return out
}
