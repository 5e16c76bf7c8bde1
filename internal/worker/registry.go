package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/models"
)

// Handler executes one kind of generation. Handle publishes progress through
// rec and returns the result payload; the runner writes the terminal state.
type Handler interface {
	Kind() string
	Validate(input map[string]any) error
	Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error)
}

// Registry maps job kinds to handlers. It doubles as the start-time validator.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register binds a handler to its kind.
func (r *Registry) Register(h Handler) {
	if h == nil || h.Kind() == "" {
		return
	}
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate implements jobs.Validator.
func (r *Registry) Validate(kind string, input map[string]any) error {
	h, ok := r.handlers[kind]
	if !ok {
		return &jobs.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unsupported generation kind %q (supported: %s)", kind, strings.Join(r.Kinds(), ", ")),
		}
	}
	return h.Validate(input)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeInput converts the loosely typed start input into T and validates it.
func decodeInput[T any](input map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(input)
	if err != nil {
		return out, &jobs.ValidationError{Message: "input is not valid JSON"}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return out, &jobs.ValidationError{Field: typeErr.Field, Message: "has the wrong type, expected " + typeErr.Type.String()}
		}
		return out, &jobs.ValidationError{Message: "invalid input"}
	}
	if err := validate.Struct(out); err != nil {
		return out, validationError(err)
	}
	return out, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &jobs.ValidationError{Message: "invalid input"}
	}
	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required", "required_if", "required_unless", "notblank":
		msg = "is required"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "url", "http_url":
		msg = "must be a valid URL"
	case "min":
		msg = "must be at least " + fe.Param()
	case "max":
		msg = "must be at most " + fe.Param()
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return &jobs.ValidationError{Field: fe.Field(), Message: msg}
}
