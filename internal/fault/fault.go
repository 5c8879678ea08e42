// Package fault is the error taxonomy of the batch pipeline.
//
// Every error raised while processing a job is either a *Fault carrying a
// Category and the Retryable/Skippable tags, or a plain error. Plain errors
// are treated as untagged: never retried, never skipped. The default tags of
// each category live in a single table so the retry and skip boundaries are
// visible in one place.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the kind of failure.
type Category string

const (
	CategoryConfig         Category = "config"
	CategoryReaderOpen     Category = "reader-open"
	CategoryDataOrder      Category = "data-order"
	CategoryDataRead       Category = "data-read"
	CategoryDataValidation Category = "data-validation"
	CategoryTransientIO    Category = "transient-io"
	CategoryProjection     Category = "projection"
	CategoryResultStorage  Category = "result-storage"
	CategoryAggregation    Category = "aggregation"
	CategoryMetrics        Category = "metrics"
	CategoryUntagged       Category = "untagged"
)

type tags struct {
	retryable bool
	skippable bool
}

// classification holds the default tags per category.
var classification = map[Category]tags{
	CategoryConfig:         {retryable: false, skippable: false},
	CategoryReaderOpen:     {retryable: false, skippable: false},
	CategoryDataOrder:      {retryable: false, skippable: false},
	CategoryDataRead:       {retryable: false, skippable: true},
	CategoryDataValidation: {retryable: false, skippable: true},
	CategoryTransientIO:    {retryable: true, skippable: true},
	CategoryProjection:     {retryable: false, skippable: true},
	CategoryResultStorage:  {retryable: true, skippable: false},
	CategoryAggregation:    {retryable: false, skippable: false},
	CategoryMetrics:        {retryable: false, skippable: false},
}

// Fault is a classified pipeline error.
type Fault struct {
	Category  Category
	Retryable bool
	Skippable bool

	Op        string
	JobID     int64
	Partition string
	Key       string

	Err error
}

// New creates a fault with the default tags of its category.
// Unknown categories are neither retryable nor skippable.
func New(category Category, op string, err error) *Fault {
	t := classification[category]
	return &Fault{
		Category:  category,
		Retryable: t.retryable,
		Skippable: t.skippable,
		Op:        op,
		Err:       err,
	}
}

// Newf is New with a formatted message as the cause.
func Newf(category Category, op string, format string, args ...any) *Fault {
	return New(category, op, fmt.Errorf(format, args...))
}

// Tagged creates a fault with explicit tags, overriding the category defaults.
func Tagged(category Category, retryable, skippable bool, op string, err error) *Fault {
	return &Fault{
		Category:  category,
		Retryable: retryable,
		Skippable: skippable,
		Op:        op,
		Err:       err,
	}
}

// From returns the *Fault in err's chain. A plain error is wrapped as an
// untagged fault. From(nil) returns nil.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Category: CategoryUntagged, Err: err}
}

// Is reports whether err carries a fault of the given category.
func Is(err error, category Category) bool {
	var f *Fault
	return errors.As(err, &f) && f.Category == category
}

// Annotate returns a copy of the fault in err's chain with the job and
// partition context set. The fault held by err is not modified, so engines
// may return shared fault values.
func Annotate(err error, jobID int64, partition string) *Fault {
	f := From(err)
	if f == nil {
		return nil
	}
	c := *f
	c.JobID = jobID
	c.Partition = partition
	return &c
}

// WithJob sets the job and partition context and returns f.
func (f *Fault) WithJob(jobID int64, partition string) *Fault {
	f.JobID = jobID
	f.Partition = partition
	return f
}

// WithKey sets the record key and returns f.
func (f *Fault) WithKey(key string) *Fault {
	f.Key = key
	return f
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Category))
	if f.Op != "" {
		b.WriteString(": ")
		b.WriteString(f.Op)
	}
	if f.Partition != "" {
		b.WriteString(" [")
		b.WriteString(f.Partition)
		if f.Key != "" {
			b.WriteString(" key=")
			b.WriteString(f.Key)
		}
		b.WriteString("]")
	} else if f.Key != "" {
		b.WriteString(" [key=")
		b.WriteString(f.Key)
		b.WriteString("]")
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Message is the cause text without category or context, used in ledger
// detail records.
func (f *Fault) Message() string {
	if f.Err == nil {
		return string(f.Category)
	}
	return f.Err.Error()
}
