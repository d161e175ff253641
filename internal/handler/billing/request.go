package billing

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/tally/internal/domain"
)

// fields is the flattened action payload. Actions accept either a JSON
// object or a url-encoded form with the same keys.
type fields map[string]string

func readFields(r *http.Request, op string) (fields, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, domain.WrapError(err, domain.EINVALID, op, "Request body must be a JSON object")
		}
		out := make(fields, len(raw))
		for k, v := range raw {
			if v == nil {
				continue
			}
			out[k] = strings.TrimSpace(fmt.Sprint(v))
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, domain.WrapError(err, domain.EINVALID, op, "Request body could not be parsed")
	}
	out := make(fields, len(r.PostForm))
	for k := range r.PostForm {
		out[k] = strings.TrimSpace(r.PostForm.Get(k))
	}
	return out, nil
}

// id parses an integer field. A missing field yields 0 and is left for
// struct validation to report; a non-numeric one is rejected here.
func (f fields) id(op, name string) (int64, error) {
	raw := f[name]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(op, name, "must be a number")
	}
	return n, nil
}
