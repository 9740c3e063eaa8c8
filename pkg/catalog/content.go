package catalog

import "os"

// ReadContent returns the contents of a catalog document with any YAML
// front matter stripped, memoized per path. Read failures memoize as the
// empty string so prompt assembly never retries a broken path on every run.
func (c *Catalog) ReadContent(path string) string {
	if path == "" {
		return ""
	}
	c.mu.RLock()
	cached, ok := c.content[path]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	raw, err := os.ReadFile(path)
	content := ""
	if err == nil {
		content = string(raw)
		if _, rest, ok := splitFrontMatter(content); ok {
			content = rest
		}
	}

	c.mu.Lock()
	c.content[path] = content
	c.mu.Unlock()
	return content
}
