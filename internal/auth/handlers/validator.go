package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

type ValidationError struct {
	Field string
	Error string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Error)
}

type Validator interface {
	Validate() []ValidationError
}

// DecodeAndValidate decodes the JSON body into v and runs its validation.
// On failure the 400 response has already been written.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, v Validator) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		err = fmt.Errorf("%w: invalid request payload: %v", apierr.ErrInvalidInput, err)
		apierr.WriteError(w, err)
		return err
	}

	if errs := v.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.String())
		}
		err := fmt.Errorf("%w: %s", apierr.ErrInvalidInput, strings.Join(msgs, "; "))
		apierr.WriteError(w, err)
		return err
	}
	return nil
}

func required(field, value string) []ValidationError {
	if strings.TrimSpace(value) == "" {
		return []ValidationError{{field, "required"}}
	}
	return nil
}
