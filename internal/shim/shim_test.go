package shim

import (
	"net/url"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odic-edge/internal/transcode"
)

const (
	prodBase = "https://api.odicinternational.com"
	pageHost = "dashboard.odicinternational.com"
)

var deploymentHosts = []string{"odicinternational.com", "workers.dev"}

func testConfig() Config {
	return Config{
		APIBase:           prodBase,
		DeploymentHosts:   deploymentHosts,
		VendorPath:        "/api/vendors",
		TranscodePrefixes: transcode.ClientOptions.Prefixes,
		TranscodeMethods:  transcode.ClientOptions.Methods,
	}
}

// browserStub is a minimal window for running the shim outside a browser.
const browserStub = `
var window = {
  location: { href: 'https://` + pageHost + `/vendors', host: '` + pageHost + `' },
  calls: [],
  listeners: {},
  addEventListener: function (name, fn) { (this.listeners[name] = this.listeners[name] || []).push(fn); },
  document: {
    listeners: {},
    addEventListener: function (name, fn) { (this.listeners[name] = this.listeners[name] || []).push(fn); }
  },
  fetch: function (input, init) { window.calls.push({ input: input, init: init }); return 'native'; }
};
`

// newURLConstructor backs the WHATWG URL constructor with net/url so the
// shim's rewrite can be compared with Rule.Rewrite.
func newURLConstructor(vm *goja.Runtime) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		ref, err := url.Parse(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError("Invalid URL"))
		}
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			base, err := url.Parse(call.Argument(1).String())
			if err != nil {
				panic(vm.NewTypeError("Invalid base URL"))
			}
			ref = base.ResolveReference(ref)
		}
		if !ref.IsAbs() {
			panic(vm.NewTypeError("Invalid URL"))
		}
		path := ref.EscapedPath()
		if path == "" {
			path = "/"
		}
		search := ""
		if ref.RawQuery != "" {
			search = "?" + ref.RawQuery
		}
		_ = call.This.Set("host", ref.Host)
		_ = call.This.Set("pathname", path)
		_ = call.This.Set("search", search)
		_ = call.This.Set("href", ref.String())
		return nil
	}
}

func loadShim(t *testing.T, cfg Config) *goja.Runtime {
	t.Helper()
	script, err := Build(cfg)
	require.NoError(t, err)

	vm := goja.New()
	require.NoError(t, vm.Set("URL", newURLConstructor(vm)))
	_, err = vm.RunString(browserStub)
	require.NoError(t, err)
	_, err = vm.RunString(script)
	require.NoError(t, err)
	return vm
}

func run(t *testing.T, vm *goja.Runtime, js string) goja.Value {
	t.Helper()
	v, err := vm.RunString(js)
	require.NoError(t, err)
	return v
}

func TestRule_Rewrite(t *testing.T) {
	r := Rule{APIBase: prodBase, PageHost: pageHost, DeploymentHosts: deploymentHosts}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"relative api path", "/api/vendors?page=2", prodBase + "/api/vendors?page=2"},
		{"absolute page host", "https://" + pageHost + "/api/roles", prodBase + "/api/roles"},
		{"workers deployment", "https://odic-edge.acme.workers.dev/api/vendors", prodBase + "/api/vendors"},
		{"other odic host", "https://api-staging.odicinternational.com/api/x", prodBase + "/api/x"},
		{"already api host", prodBase + "/api/vendors", prodBase + "/api/vendors"},
		{"foreign host", "https://example.com/api/vendors", "https://example.com/api/vendors"},
		{"non api path", "/static/app.js", "/static/app.js"},
		{"api without slash", "/apis/x", "/apis/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Rewrite(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, r.Rewrite(got), "rewrite must be idempotent")
		})
	}
}

func TestScript_RewriteMatchesRule(t *testing.T) {
	vm := loadShim(t, testConfig())
	rewrite, ok := goja.AssertFunction(vm.Get("window").ToObject(vm).Get("odicEdge").ToObject(vm).Get("rewrite"))
	require.True(t, ok)

	r := Rule{APIBase: prodBase, PageHost: pageHost, DeploymentHosts: deploymentHosts}
	inputs := []string{
		"/api/vendors?page=2",
		"https://" + pageHost + "/api/roles",
		"https://odic-edge.acme.workers.dev/api/vendors",
		prodBase + "/api/vendors",
		"https://example.com/api/vendors",
		"/static/app.js",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			once, err := rewrite(goja.Undefined(), vm.ToValue(in))
			require.NoError(t, err)
			assert.Equal(t, r.Rewrite(in), once.String())

			twice, err := rewrite(goja.Undefined(), once)
			require.NoError(t, err)
			assert.Equal(t, once.String(), twice.String())
		})
	}
}

func TestScript_WrapsFetch(t *testing.T) {
	vm := loadShim(t, testConfig())

	assert.True(t, run(t, vm, `window.fetch.__odicEdge === true`).ToBoolean())
	assert.Equal(t, "native", run(t, vm, `window.fetch('/api/vendors?q=1')`).String())
	assert.Equal(t, prodBase+"/api/vendors?q=1", run(t, vm, `window.calls[0].input`).String())
}

func TestScript_TranscodesEmptyVendorPost(t *testing.T) {
	vm := loadShim(t, testConfig())

	run(t, vm, `window.fetch('/api/vendors', { method: 'POST', headers: { 'X-Trace': '1' } })`)
	assert.Equal(t, "{}", run(t, vm, `window.calls[0].init.body`).String())
	assert.Equal(t, "application/json", run(t, vm, `window.calls[0].init.headers['Content-Type']`).String())
	assert.Equal(t, "1", run(t, vm, `window.calls[0].init.headers['X-Trace']`).String())

	// Roles are transcoded only at the edge.
	run(t, vm, `window.fetch('/api/roles', { method: 'POST', body: 'a=1' })`)
	assert.Equal(t, "a=1", run(t, vm, `window.calls[1].init.body`).String())

	// Reads are never touched.
	run(t, vm, `window.fetch('/api/vendors')`)
	assert.True(t, goja.IsUndefined(run(t, vm, `window.calls[2].init`)))
}

func TestScript_EnsureInstalledHeals(t *testing.T) {
	vm := loadShim(t, testConfig())

	run(t, vm, `window.fetch = function (input) { window.calls.push({ input: input, replaced: true }); return 'other'; }`)
	assert.False(t, run(t, vm, `!!window.fetch.__odicEdge`).ToBoolean())

	// A lifecycle event reinstalls the wrapper over the replacement.
	run(t, vm, `window.listeners.pageshow[0]()`)
	assert.True(t, run(t, vm, `window.fetch.__odicEdge === true`).ToBoolean())

	assert.Equal(t, "other", run(t, vm, `window.fetch('/api/vendors')`).String())
	assert.Equal(t, prodBase+"/api/vendors", run(t, vm, `window.calls[0].input`).String())

	// Repeated calls keep a single wrapper.
	run(t, vm, `window.odicEdge.ensureInstalled(); window.odicEdge.ensureInstalled()`)
	run(t, vm, `window.fetch('/api/roles')`)
	assert.Equal(t, int64(2), run(t, vm, `window.calls.length`).ToInteger())
}

func TestScript_LoadedTwiceRegistersListenersOnce(t *testing.T) {
	script, err := Build(testConfig())
	require.NoError(t, err)

	vm := loadShim(t, testConfig())
	_, err = vm.RunString(script)
	require.NoError(t, err)

	assert.Equal(t, int64(1), run(t, vm, `window.listeners.load.length`).ToInteger())
	assert.Equal(t, int64(1), run(t, vm, `window.document.listeners.submit.length`).ToInteger())
}

func TestScript_VendorFormSubmit(t *testing.T) {
	vm := loadShim(t, testConfig())

	run(t, vm, `
		var FormData = function (form) { this.fields = form.fields; };
		FormData.prototype.forEach = function (fn) { for (var i = 0; i < this.fields.length; i++) fn(this.fields[i][1], this.fields[i][0]); };
		window.fetch = function (input, init) {
			window.calls.push({ input: input, init: init });
			return { then: function () {} };
		};
		window.odicEdge.ensureInstalled();
		var prevented = false;
		var form = {
			tagName: 'FORM',
			fields: [['company_name', 'Acme'], ['tags', 'a'], ['tags', 'b']],
			getAttribute: function (n) { return n === 'action' ? '/api/vendors' : null; }
		};
		window.document.listeners.submit[0]({ target: form, preventDefault: function () { prevented = true; } });
	`)

	assert.True(t, run(t, vm, `prevented`).ToBoolean())
	assert.Equal(t, prodBase+"/api/vendors", run(t, vm, `window.calls[0].input`).String())
	assert.JSONEq(t, `{"company_name":"Acme","tags":["a","b"]}`, run(t, vm, `window.calls[0].init.body`).String())
}

func TestBuild_EscapesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.APIBase = "https://api.example.com/</script><script>alert(1)//"

	script, err := Build(cfg)
	require.NoError(t, err)
	assert.NotContains(t, script, "</script>")
	require.NoError(t, Validate("shim.js", script))
}

func TestBuild_RequiresBase(t *testing.T) {
	_, err := Build(Config{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	script, err := Build(testConfig())
	require.NoError(t, err)
	assert.NoError(t, Validate("shim.js", script))

	err = Validate("broken.js", "function (")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken.js"))
}
