package webfeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Document is a web-hosted update feed.
//
//	updates:
//	  - id: agent
//	    name: Breeze Agent
//	    version: 2.4.1
//	    size: 18874368
//	    url: https://downloads.example.com/agent-2.4.1.msi
//	    digest: sha256:9f86d08...
//	    args: [/qn]
//	    platforms: [windows/amd64]
//	    priority: 10
//	    eula:
//	      vendor: Example Corp
//	      text: ...
type Document struct {
	Updates []Entry `json:"updates" yaml:"updates" toml:"updates"`
}

// Entry describes one downloadable installer.
type Entry struct {
	ID        string     `json:"id" yaml:"id" toml:"id"`
	Name      string     `json:"name" yaml:"name" toml:"name"`
	Version   string     `json:"version" yaml:"version" toml:"version"`
	Size      int64      `json:"size" yaml:"size" toml:"size"`
	URL       string     `json:"url" yaml:"url" toml:"url"`
	Digest    string     `json:"digest" yaml:"digest" toml:"digest"`
	Args      []string   `json:"args" yaml:"args" toml:"args"`
	Platforms []string   `json:"platforms" yaml:"platforms" toml:"platforms"`
	Priority  int        `json:"priority" yaml:"priority" toml:"priority"`
	Eula      *EulaEntry `json:"eula,omitempty" yaml:"eula,omitempty" toml:"eula,omitempty"`
}

// EulaEntry is a license that must be accepted before installing an entry.
type EulaEntry struct {
	Vendor string `json:"vendor" yaml:"vendor" toml:"vendor"`
	Text   string `json:"text" yaml:"text" toml:"text"`
}

// Format is a feed serialization.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatYAML
	FormatTOML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	default:
		return "unknown"
	}
}

// detectFormat picks the format from the Content-Type, then the URL
// extension, then the first non-blank byte of the body.
func detectFormat(contentType, urlPath string, body []byte) Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/json" || strings.HasSuffix(mt, "+json"):
			return FormatJSON
		case mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml" || mt == "text/x-yaml":
			return FormatYAML
		case mt == "application/toml" || mt == "text/toml":
			return FormatTOML
		}
	}

	switch strings.ToLower(path.Ext(urlPath)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		return FormatJSON
	case bytes.HasPrefix(trimmed, []byte("[[")):
		return FormatTOML
	case len(trimmed) > 0:
		return FormatYAML
	}
	return FormatUnknown
}

// decodeDocument parses body in the detected format.
func decodeDocument(contentType, urlPath string, body []byte) (*Document, Format, error) {
	format := detectFormat(contentType, urlPath, body)
	var doc Document
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(body, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(body, &doc)
	case FormatTOML:
		err = toml.Unmarshal(body, &doc)
	default:
		return nil, format, fmt.Errorf("empty feed document")
	}
	if err != nil {
		return nil, format, fmt.Errorf("parse %s feed: %w", format, err)
	}
	return &doc, format, nil
}

// matchesPlatform reports whether the entry applies to goos/goarch. An empty
// list matches everything; items are "os", "os/arch" or "os/*".
func (e Entry) matchesPlatform(goos, goarch string) bool {
	if len(e.Platforms) == 0 {
		return true
	}
	for _, p := range e.Platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		osPart, archPart, hasArch := strings.Cut(p, "/")
		if osPart != goos && osPart != "*" {
			continue
		}
		if !hasArch || archPart == "*" || archPart == goarch {
			return true
		}
	}
	return false
}
