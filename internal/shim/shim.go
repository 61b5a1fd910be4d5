package shim

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
)

//go:embed shim.js.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("shim").Parse(scriptSource))

// Config parameterizes the rendered script.
type Config struct {
	APIBase           string   `json:"base"`
	DeploymentHosts   []string `json:"deploymentHosts"`
	VendorPath        string   `json:"vendorPath"`
	TranscodePrefixes []string `json:"transcodePrefixes"`
	TranscodeMethods  []string `json:"transcodeMethods"`
	// EventsPath, when set, is the cache manager's event stream; the page
	// reloads once when a newer cache generation takes over.
	EventsPath string `json:"eventsPath,omitempty"`
	// MessagePath receives {"type":"SKIP_WAITING"} from acceptUpdate().
	MessagePath string `json:"messagePath,omitempty"`
}

// Build renders the browser script for cfg.
func Build(cfg Config) (string, error) {
	if cfg.APIBase == "" {
		return "", errors.New("shim: empty API base")
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	// go-json escapes <, > and & so the literal cannot close the script element.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("shim: encode config: %w", err)
	}

	var b strings.Builder
	if err := scriptTemplate.Execute(&b, struct{ Config string }{string(raw)}); err != nil {
		return "", fmt.Errorf("shim: render: %w", err)
	}
	return b.String(), nil
}

// Validate reports whether script parses as JavaScript.
func Validate(name, script string) error {
	if _, err := goja.Compile(name, script, false); err != nil {
		return fmt.Errorf("shim: %s does not compile: %w", name, err)
	}
	return nil
}
