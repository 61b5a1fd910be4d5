package interceptor

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"odic-edge/internal/environment"
	"odic-edge/internal/report"
	"odic-edge/internal/shim"
	"odic-edge/internal/transcode"
)

// Names of the built-in transforms.
const (
	RewriteAPIName     = "rewrite-api"
	TranscodeFormsName = "transcode-forms"
)

// RewriteAPI redirects API-namespace requests to the API origin resolved
// for the page host in the request context. Requests without a page host
// pass through.
func RewriteAPI(resolver *environment.Resolver, deploymentHosts []string) Transform {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			host := PageHost(req.Context())
			if host == "" {
				return next.RoundTrip(req)
			}

			rule := shim.Rule{
				APIBase:         resolver.Resolve(host).APIBase(),
				PageHost:        host,
				DeploymentHosts: deploymentHosts,
			}
			raw := req.URL.String()
			rewritten := rule.Rewrite(raw)
			if rewritten == raw {
				return next.RoundTrip(req)
			}
			u, err := url.Parse(rewritten)
			if err != nil {
				return next.RoundTrip(req)
			}

			out := req.Clone(req.Context())
			out.URL = u
			out.Host = ""
			return next.RoundTrip(out)
		})
	}
}

// TranscodeForms converts form bodies of allowlisted API requests to JSON
// before they leave the process. A body that fails to decode is sent
// unchanged and reported.
func TranscodeForms(t *transcode.Transcoder, reporter report.Reporter) Transform {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			path, ok := strings.CutPrefix(req.URL.Path, "/api/")
			if !ok || !t.Wants(req.Header, req.Method, path, req.ContentLength) {
				return next.RoundTrip(req)
			}

			var raw []byte
			if req.Body != nil && req.Body != http.NoBody {
				b, err := io.ReadAll(req.Body)
				_ = req.Body.Close()
				if err != nil {
					return nil, err
				}
				raw = b
			}

			res := t.Transcode(req.Header, raw, req.Method, path)
			if res.Err != nil {
				reporter.Report(req.Context(), "interceptor", res.Err, "transform", TranscodeFormsName, "path", req.URL.Path)
			}

			out := req.Clone(req.Context())
			out.Header = res.Header
			setBody(out, res.Body)
			return next.RoundTrip(out)
		})
	}
}

func setBody(req *http.Request, body []byte) {
	req.ContentLength = int64(len(body))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if len(body) == 0 {
		req.Body = http.NoBody
	}
}
