// Package filter redacts sensitive data from requests before they are logged.
package filter

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/pkg/types"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

// maxLoggedBody caps the request body kept in api_requests.
const maxLoggedBody = 4096

// Sanitize returns a copy of req with sensitive headers, query params and
// JSON body fields redacted, and the body cut to at most maxLoggedBody bytes
// on a rune boundary.
func Sanitize(req types.APIRequest, cfg SanitizeConfig) types.APIRequest {
	rd := newRedactor(cfg)
	out := req
	out.Headers = rd.headers(req.Headers)
	out.Query = rd.query(req.Query)
	out.Body = truncate(rd.body(req.Body), maxLoggedBody)
	return out
}

type redactor struct {
	headerNames map[string]struct{}
	fieldNames  map[string]struct{}
	mask        string
}

func newRedactor(cfg SanitizeConfig) *redactor {
	return &redactor{
		headerNames: nameSet(cfg.Headers),
		fieldNames:  nameSet(cfg.BodyFields),
		mask:        cfg.Replacement,
	}
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func has(set map[string]struct{}, name string) bool {
	_, ok := set[strings.ToLower(name)]
	return ok
}

func (rd *redactor) headers(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if has(rd.headerNames, k) {
			v = rd.mask
		}
		out[k] = v
	}
	return out
}

func (rd *redactor) query(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		cp := make([]string, len(vs))
		if has(rd.fieldNames, k) {
			for i := range cp {
				cp[i] = rd.mask
			}
		} else {
			copy(cp, vs)
		}
		out[k] = cp
	}
	return out
}

// body redacts JSON bodies; anything else is returned as is.
func (rd *redactor) body(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return body
	}
	data, err := json.Marshal(rd.value(doc))
	if err != nil {
		return body
	}
	return string(data)
}

func (rd *redactor) value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if has(rd.fieldNames, k) {
				val[k] = rd.mask
			} else {
				val[k] = rd.value(child)
			}
		}
	case []any:
		for i := range val {
			val[i] = rd.value(val[i])
		}
	}
	return v
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
