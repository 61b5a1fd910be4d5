// Package transcode converts form-encoded request bodies into JSON for a
// fixed set of mutating API endpoints.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	mimeJSON      = "application/json"
	mimeMultipart = "multipart/form-data"
	mimeForm      = "application/x-www-form-urlencoded"
)

// ServerOptions is the allowlist applied at the edge proxy.
var ServerOptions = Options{
	Prefixes: []string{"vendors", "roles"},
	Methods:  []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
}

// ClientOptions is the narrower allowlist applied before a request leaves
// the client.
var ClientOptions = Options{
	Prefixes: []string{"vendors"},
	Methods:  []string{http.MethodPost, http.MethodPut},
}

// Options selects which requests are transcoded.
type Options struct {
	// Prefixes are matched against the path below the /api/ namespace and
	// must end on a word boundary.
	Prefixes []string
	Methods  []string
}

// Result is the outcome of a Transcode call. On failure Header and Body
// hold the original input and Err describes what went wrong.
type Result struct {
	Header  http.Header
	Body    []byte
	Applied bool
	Err     error
}

// FileField describes an uploaded file part. File contents are not inlined.
type FileField struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Transcoder rewrites form bodies as JSON.
type Transcoder struct {
	methods map[string]bool
	paths   *regexp.Regexp
}

// New builds a Transcoder for opts.
func New(opts Options) *Transcoder {
	t := &Transcoder{methods: make(map[string]bool, len(opts.Methods))}
	for _, m := range opts.Methods {
		t.methods[strings.ToUpper(m)] = true
	}
	quoted := make([]string, 0, len(opts.Prefixes))
	for _, p := range opts.Prefixes {
		if p = strings.Trim(p, "/"); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	if len(quoted) > 0 {
		t.paths = regexp.MustCompile(`^(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return t
}

// Applies reports whether a request with the given method and API-relative
// path is subject to transcoding.
func (t *Transcoder) Applies(method, path string) bool {
	if t.paths == nil || !t.methods[strings.ToUpper(method)] {
		return false
	}
	return t.paths.MatchString(strings.TrimLeft(path, "/"))
}

// Wants reports whether the body needs to be read for transcoding: the
// request is eligible and either has no body or a form content type.
func (t *Transcoder) Wants(header http.Header, method, path string, contentLength int64) bool {
	if !t.Applies(method, path) {
		return false
	}
	if contentLength == 0 {
		return true
	}
	kind := mediaKind(header.Get("Content-Type"))
	return kind == mimeMultipart || kind == mimeForm
}

// Transcode converts body when the request is eligible. Ineligible requests
// and non-form bodies are returned untouched. The input header is never
// modified.
func (t *Transcoder) Transcode(header http.Header, body []byte, method, path string) Result {
	orig := Result{Header: header, Body: body}
	if !t.Applies(method, path) {
		return orig
	}

	if len(body) == 0 {
		return jsonResult(header, []byte("{}"))
	}

	ct := header.Get("Content-Type")
	var (
		obj map[string]any
		err error
	)
	switch mediaKind(ct) {
	case mimeMultipart:
		obj, err = decodeMultipart(ct, body)
	case mimeForm:
		obj = decodeForm(body)
	default:
		return orig
	}
	if err != nil {
		orig.Err = err
		return orig
	}

	out, err := json.Marshal(obj)
	if err != nil {
		orig.Err = fmt.Errorf("encode json: %w", err)
		return orig
	}
	return jsonResult(header, out)
}

func jsonResult(header http.Header, body []byte) Result {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Type", mimeJSON)
	return Result{Header: h, Body: body, Applied: true}
}

func mediaKind(ct string) string {
	lower := strings.ToLower(ct)
	switch {
	case strings.Contains(lower, mimeMultipart):
		return mimeMultipart
	case strings.Contains(lower, mimeForm):
		return mimeForm
	default:
		return ""
	}
}

// decodeMultipart collects parts in encounter order. A repeated name turns
// its value into an array holding every value seen so far.
func decodeMultipart(ct string, body []byte) (map[string]any, error) {
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, fmt.Errorf("parse content type: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart boundary missing")
	}

	obj := make(map[string]any)
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}

		var value any
		if filename := part.FileName(); filename != "" {
			n, err := io.Copy(io.Discard, part)
			if err != nil {
				return nil, fmt.Errorf("read file part %q: %w", name, err)
			}
			value = FileField{
				Filename:    filename,
				ContentType: part.Header.Get("Content-Type"),
				Size:        n,
			}
		} else {
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("read part %q: %w", name, err)
			}
			value = string(data)
		}
		_ = part.Close()

		appendValue(obj, name, value)
	}
	return obj, nil
}

func appendValue(obj map[string]any, name string, value any) {
	prev, ok := obj[name]
	if !ok {
		obj[name] = value
		return
	}
	if list, ok := prev.([]any); ok {
		obj[name] = append(list, value)
		return
	}
	obj[name] = []any{prev, value}
}

// decodeForm flattens a urlencoded body the way browsers read one: pairs
// split on '&' and the first '=', '+' is a space, and a malformed escape is
// kept as written. The last value for a key wins.
func decodeForm(body []byte) map[string]any {
	obj := make(map[string]any)
	for _, pair := range strings.Split(string(body), "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		obj[formUnescape(name)] = formUnescape(value)
	}
	return obj
}

func formUnescape(s string) string {
	if !strings.ContainsAny(s, "+%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c <= '9':
		return c - '0'
	case c <= 'F':
		return c - 'A' + 10
	default:
		return c - 'a' + 10
	}
}
