package fetch

import "strings"

const imageKey = "image"

// NormalizeImages returns a copy of body in which every string, or string
// element of a sequence, stored under an "image" key is prefixed with prefix.
// body is not modified.
func NormalizeImages(body any, prefix string) any {
	switch v := body.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = NormalizeImages(item, prefix)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if k == imageKey {
				out[k] = prefixImage(item, prefix)
			} else {
				out[k] = NormalizeImages(item, prefix)
			}
		}

		return out
	default:
		return body
	}
}

func prefixImage(v any, prefix string) any {
	switch img := v.(type) {
	case string:
		return joinURL(prefix, img)
	case []any:
		out := make([]any, len(img))
		for i, item := range img {
			if s, ok := item.(string); ok {
				out[i] = joinURL(prefix, s)
			} else {
				out[i] = NormalizeImages(item, prefix)
			}
		}

		return out
	default:
		return NormalizeImages(v, prefix)
	}
}

func joinURL(prefix, path string) string {
	if prefix == "" {
		return path
	}

	switch {
	case strings.HasSuffix(prefix, "/") && strings.HasPrefix(path, "/"):
		return prefix + path[1:]
	case strings.HasSuffix(prefix, "/") || strings.HasPrefix(path, "/"):
		return prefix + path
	default:
		return prefix + "/" + path
	}
}
