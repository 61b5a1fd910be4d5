package rewriter

import (
	"fmt"
	"html"
	"strings"

	json "github.com/goccy/go-json"

	"odic-edge/internal/environment"
	"odic-edge/internal/shim"
)

// DefaultFavicon is the inline "OD" badge used when no favicon is configured.
const DefaultFavicon = "data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='32' height='32'%3E" +
	"%3Crect width='32' height='32' rx='6' fill='%23006cff'/%3E" +
	"%3Ctext x='6' y='22' font-size='16' fill='white'%3EOD%3C/text%3E%3C/svg%3E"

// PayloadConfig describes what is injected into every HTML page.
type PayloadConfig struct {
	// GlobalName is the window property that receives the API base.
	GlobalName string
	Favicon    string
	// Shim is the script configuration; APIBase is filled per environment.
	Shim shim.Config
}

// globalScript publishes the API base on window and in every
// meta[name="api-base-url"], creating the tag when the page has none.
const globalScript = `try{window[%s]=%s;(function(d,b){` +
	`var m=d.querySelectorAll('meta[name="api-base-url"]');` +
	`if(m.length){for(var i=0;i<m.length;i++){m[i].setAttribute("content",b);}return;}` +
	`m=d.createElement("meta");m.setAttribute("name","api-base-url");m.setAttribute("content",b);` +
	`(d.head||d.documentElement).appendChild(m);` +
	`})(document,window[%s]);}catch(e){}`

// buildPayload renders the markup spliced before </head> for one API base.
func buildPayload(cfg PayloadConfig, apiBase string) (string, error) {
	base, err := json.Marshal(apiBase)
	if err != nil {
		return "", err
	}
	name, err := json.Marshal(cfg.GlobalName)
	if err != nil {
		return "", err
	}
	global := fmt.Sprintf(globalScript, name, base, name)
	if err := shim.Validate("global.js", global); err != nil {
		return "", err
	}

	sc := cfg.Shim
	sc.APIBase = apiBase
	script, err := shim.Build(sc)
	if err != nil {
		return "", err
	}
	if err := shim.Validate("shim.js", script); err != nil {
		return "", err
	}

	favicon := cfg.Favicon
	if favicon == "" {
		favicon = DefaultFavicon
	}

	var b strings.Builder
	b.WriteString("\n<script>")
	b.WriteString(global)
	b.WriteString("</script>\n")
	b.WriteString("<script>")
	b.WriteString(script)
	b.WriteString("</script>\n")
	fmt.Fprintf(&b, "<link rel=\"icon\" href=\"%s\">\n", html.EscapeString(favicon))
	return b.String(), nil
}

// buildPayloads renders one payload per environment.
func buildPayloads(resolver *environment.Resolver, cfg PayloadConfig) (map[environment.Environment][]byte, error) {
	out := make(map[environment.Environment][]byte, 2)
	for _, env := range []environment.Environment{environment.Production, environment.Staging} {
		p, err := buildPayload(cfg, resolver.Target(env).APIBase())
		if err != nil {
			return nil, fmt.Errorf("%s payload: %w", env, err)
		}
		out[env] = []byte(p)
	}
	return out, nil
}
