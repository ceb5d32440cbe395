package pumped

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML sets the values of a YAML mapping on c. Nested mappings are
// flattened into dotted keys:
//
//	http:
//	  addr: ":8080"
//
// sets "http.addr". Sequences and scalars are stored as decoded.
func (c *Context) LoadYAML(r io.Reader) error {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decoding yaml: %w", err)
	}

	values := make(map[string]any)
	flatten("", doc, values)
	return c.SetAll(values)
}

// LoadYAMLFile is LoadYAML on the contents of path
func (c *Context) LoadYAMLFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := c.LoadYAML(f); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
