package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/go-playground/validator/v10"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error":{code,message,details}}. Internal
// errors are logged and reported with the generic public message only.
func writeError(ctx context.Context, log *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	if typed.Code() != apperr.CodeInternal && typed.Message() != "" {
		msg = typed.Message()
	}
	body := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed {
		body.Error.Details = typed.Details()
	}

	if meta.HTTPStatus >= http.StatusInternalServerError {
		log.Error(log.WithField(ctx, "error_code", string(typed.Code())), "request failed", err)
	} else {
		log.Debug(log.WithField(ctx, "error_code", string(typed.Code())), err.Error())
	}
	writeJSON(w, meta.HTTPStatus, body)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// decodeJSONBody decodes and validates a request body. Unknown fields are
// rejected.
func decodeJSONBody(r *http.Request, dest any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body").
			WithDetails(map[string]string{"error": err.Error()})
	}
	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) *apperr.Error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return apperr.Wrap(apperr.CodeValidation, err, "validation failed")
	}
	details := map[string]string{}
	for _, fe := range errs {
		details[fieldPath(fe)] = validationMessage(fe)
	}
	return apperr.New(apperr.CodeValidation, "validation failed").WithDetails(details)
}

// fieldPath drops the root struct name: "createOrderRequest.items[0].quantity" -> "items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	}
	return "is invalid"
}

const headerUserID = "X-User-ID"

// userID reads the caller identity set by the upstream auth proxy.
func userID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		return "", apperr.Newf(apperr.CodeValidation, "%s header required", headerUserID)
	}
	return id, nil
}
