package resourceclass

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// Class is the kind of resource a request is for.
// Every class is mapped to exactly one cache strategy at configuration time.
type Class int

const (
	Document Class = iota
	Image
	API
	StaticAsset
)

var classNames = map[Class]string{
	Document:    "document",
	Image:       "image",
	API:         "api",
	StaticAsset: "static-asset",
}

// All returns every class.
func All() []Class {
	return []Class{Document, Image, API, StaticAsset}
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Parse returns the class with the given name.
func Parse(name string) (Class, error) {
	for c, n := range classNames {
		if n == strings.ToLower(name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown resource class %q", name)
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Sec-Fetch-Dest values
var destinations = map[string]Class{
	"document":      Document,
	"iframe":        Document,
	"frame":         Document,
	"image":         Image,
	"script":        StaticAsset,
	"style":         StaticAsset,
	"font":          StaticAsset,
	"worker":        StaticAsset,
	"sharedworker":  StaticAsset,
	"serviceworker": StaticAsset,
	"manifest":      StaticAsset,
}

var extensions = map[string]Class{
	".png":   Image,
	".jpg":   Image,
	".jpeg":  Image,
	".gif":   Image,
	".webp":  Image,
	".avif":  Image,
	".svg":   Image,
	".ico":   Image,
	".js":    StaticAsset,
	".mjs":   StaticAsset,
	".css":   StaticAsset,
	".woff":  StaticAsset,
	".woff2": StaticAsset,
	".ttf":   StaticAsset,
	".wasm":  StaticAsset,
	".json":  API,
}

// Classifier assigns classes to requests.
// Configured rules win, then the Sec-Fetch-Dest header, then the Accept
// header, then the path extension. Everything else is a document.
type Classifier struct {
	Rules Rules
}

func (c Classifier) Classify(r *http.Request) Class {
	if rule := c.Rules.Find(r); rule != nil {
		return rule.Class
	}
	if class, ok := destinations[strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))]; ok {
		return class
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	switch {
	case strings.Contains(accept, "application/json"):
		return API
	case strings.HasPrefix(accept, "image/"):
		return Image
	case strings.Contains(accept, "text/html"):
		return Document
	}
	if class, ok := extensions[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return class
	}
	return Document
}
