// Package validator enforces the shape and size limits of embedding
// requests before anything reaches the model.
package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bounds a single request.
type Limits struct {
	MaxTexts        int
	MaxCharsPerText int
	MaxTotalChars   int
}

// Input is the decoded request body. Text and Texts are pointers so an
// absent field can be told apart from an empty one; a nil element of Texts
// is a JSON null.
type Input struct {
	Text  *string
	Texts []*string
}

// Batch reports whether the request used the list form.
func (in Input) Batch() bool {
	return in.Texts != nil
}

// Reason identifies which rule rejected a request.
type Reason string

const (
	MissingInput  Reason = "missing input"
	TooManyInputs Reason = "too many inputs"
	TextTooLong   Reason = "text too long"
	BatchTooLarge Reason = "batch too large"
	EmptyText     Reason = "empty text"
)

// Error is a client-caused validation failure. Index is the position of the
// offending text, or -1 when the failure is not tied to one text.
type Error struct {
	Reason Reason
	Index  int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

// HasIndex reports whether the error refers to a specific text.
func (e *Error) HasIndex() bool {
	return e.Index >= 0
}

// Result is a validated request: the texts to embed in request order, their
// character counts and the total.
type Result struct {
	Texts      []string
	Lengths    []int
	TotalChars int
}

// Validate checks in against limits. Rules are applied in a fixed order and
// the first violation is returned. Texts are never trimmed or rewritten.
func Validate(in Input, limits Limits) (*Result, *Error) {
	// 1. shape
	if (in.Text == nil) == (in.Texts == nil) || (in.Texts != nil && len(in.Texts) == 0) {
		detail := "exactly one of 'text' or 'texts' must be provided"
		if in.Texts != nil && len(in.Texts) == 0 && in.Text == nil {
			detail = "'texts' must contain at least one item"
		}
		return nil, &Error{Reason: MissingInput, Index: -1, Detail: detail}
	}

	var raw []*string
	if in.Text != nil {
		raw = []*string{in.Text}
	} else {
		raw = in.Texts
	}

	// 2. batch size
	if len(raw) > limits.MaxTexts {
		return nil, &Error{
			Reason: TooManyInputs,
			Index:  -1,
			Detail: fmt.Sprintf("got %d inputs, max %d", len(raw), limits.MaxTexts),
		}
	}

	texts := make([]string, len(raw))
	lengths := make([]int, len(raw))
	for i, p := range raw {
		if p != nil {
			texts[i] = *p
		}
		lengths[i] = utf8.RuneCountInString(texts[i])
	}

	// 3. per-text length
	for i, n := range lengths {
		if n > limits.MaxCharsPerText {
			return nil, &Error{
				Reason: TextTooLong,
				Index:  i,
				Detail: fmt.Sprintf("input %d has %d characters, max %d", i, n, limits.MaxCharsPerText),
			}
		}
	}

	// 4. aggregate length
	total := 0
	for _, n := range lengths {
		total += n
	}
	if total > limits.MaxTotalChars {
		return nil, &Error{
			Reason: BatchTooLarge,
			Index:  -1,
			Detail: fmt.Sprintf("%d characters in total, max %d", total, limits.MaxTotalChars),
		}
	}

	// 5. non-empty
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, &Error{
				Reason: EmptyText,
				Index:  i,
				Detail: fmt.Sprintf("input %d is empty", i),
			}
		}
	}

	return &Result{Texts: texts, Lengths: lengths, TotalChars: total}, nil
}
