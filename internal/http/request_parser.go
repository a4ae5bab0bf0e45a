package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cardledger/internal/core"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads exactly one JSON object into dst. Unknown fields are
// rejected. Validation errors raised by field decoders pass through
// unchanged; anything else is a bad request.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, core.ErrValidation) {
			return err
		}
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("request body is empty")
		case errors.As(err, &maxErr):
			return badRequest("request body too large")
		}
		return badRequest("malformed JSON: " + err.Error())
	}
	if dec.More() {
		return badRequest("request body must hold a single JSON object")
	}
	return nil
}

// pathID parses a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

// queryID parses an optional positive integer query parameter; absent is 0.
func queryID(q url.Values, name string) (int64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func queryBool(q url.Values, name string) (bool, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badRequest(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return v, nil
}

// ParseMovementFilter reads the movement listing query: person, card, kind
// (repeatable or comma separated), from, to, q and limit.
func ParseMovementFilter(q url.Values) (core.MovementFilter, error) {
	var f core.MovementFilter
	var err error

	if f.PersonID, err = queryID(q, "person"); err != nil {
		return f, err
	}
	if f.CardID, err = queryID(q, "card"); err != nil {
		return f, err
	}
	for _, raw := range q["kind"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			k, err := core.ParseKind(part)
			if err != nil {
				return f, err
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		if f.From, err = core.ParseDate(v); err != nil {
			return f, err
		}
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		if f.To, err = core.ParseDate(v); err != nil {
			return f, err
		}
	}
	f.Text = sanitizeInput(q.Get("q"))
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, badRequest(fmt.Sprintf("invalid limit %q", v))
		}
		f.Limit = n
	}
	return f, nil
}
