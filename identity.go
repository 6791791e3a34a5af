package reqflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// deriveKey normalises the URL, folds its query into params and hashes the
// canonical form of params, body and name. Equal descriptions yield equal
// keys regardless of map ordering or Unicode normalisation form.
func deriveKey(verb, rawURL string, params map[string]any, body any, name string) (key, normalized string, merged map[string]any, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	merged = make(map[string]any, len(params))
	for k, vs := range u.Query() {
		if len(vs) == 1 {
			merged[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		merged[k] = list
	}
	for k, v := range params {
		merged[k] = v
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path != "" {
		cleaned := path.Clean(u.Path)
		if cleaned == "." {
			cleaned = ""
		}
		u.Path = cleaned
		u.RawPath = ""
	}
	normalized = norm.NFC.String(u.String())

	canonical, err := canonicalJSON(map[string]any{
		"params": merged,
		"body":   body,
		"name":   name,
	})
	if err != nil {
		return "", "", nil, err
	}

	sum := sha256.Sum256(canonical)
	key = verb + " " + normalized + "#" + hex.EncodeToString(sum[:8])
	return key, normalized, merged, nil
}

// canonicalJSON encodes v with sorted object keys and NFC-normalised strings.
func canonicalJSON(v any) ([]byte, error) {
	c, err := canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, json.Number:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case []byte:
		return norm.NFC.String(string(t)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return json.Number(fmt.Sprint(t)), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			c, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		// Structs, typed maps and slices go through a JSON round trip so they
		// hash the same as their generic equivalents.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %T: %w", t, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonicalize %T: %w", t, err)
		}
		return canonicalize(generic)
	}
}
