package llm

import "strings"

const (
	schemeText      = "gpt"
	schemeEmbedding = "emb"
	schemeImage     = "art"
)

// modelAliases rewrites OpenAI model names to upstream model paths. Names not
// listed here are sent as-is, so callers can also address upstream models
// directly ("yandexgpt/rc").
var modelAliases = map[string]string{
	"gpt-3.5-turbo": "yandexgpt-lite/latest",
	"gpt-4o-mini":   "yandexgpt-lite/latest",
	"gpt-4":         "yandexgpt/latest",
	"gpt-4-turbo":   "yandexgpt/latest",
	"gpt-4o":        "yandexgpt/latest",

	"text-embedding-ada-002": "text-search-doc/latest",
	"text-embedding-3-small": "text-search-doc/latest",
	"text-embedding-3-large": "text-search-query/latest",

	"dall-e-2": "yandex-art/latest",
	"dall-e-3": "yandex-art/latest",
}

// ResolveModel returns the upstream model path for an OpenAI model name.
func ResolveModel(name string) string {
	name = strings.TrimSpace(name)
	if alias, ok := modelAliases[name]; ok {
		return alias
	}
	return name
}

// modelURI builds "<scheme>://<folder>/<model>". Fully qualified URIs pass
// through untouched.
func modelURI(scheme, folderID, model string) string {
	resolved := ResolveModel(model)
	if strings.Contains(resolved, "://") {
		return resolved
	}
	return scheme + "://" + folderID + "/" + resolved
}

// versionedModel appends the upstream model version to the requested name,
// "gpt-4" + "23.10.2024" -> "gpt-4-23102024".
func versionedModel(model, version string) string {
	version = strings.ReplaceAll(version, ".", "")
	if version == "" {
		return model
	}
	return model + "-" + version
}
