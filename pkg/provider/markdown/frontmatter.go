package markdown

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// encodeFile renders frontmatter and body into the on-disk markdown
// format: a YAML block delimited by --- lines, then the body. Frontmatter
// keys are emitted in sorted order so identical rows produce identical
// bytes and pull can skip unchanged files.
func encodeFile(data FileData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(data.Frontmatter))
	for k := range data.Frontmatter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range keys {
			var keyNode, valueNode yaml.Node
			keyNode.SetString(k)
			if err := valueNode.Encode(data.Frontmatter[k]); err != nil {
				return nil, fmt.Errorf("encode frontmatter field %q: %w", k, err)
			}
			node.Content = append(node.Content, &keyNode, &valueNode)
		}

		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(node); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
	}

	buf.WriteString(frontmatterDelimiter)
	buf.WriteByte('\n')
	// The body is written verbatim: adding or stripping trailing
	// newlines would break the lossless round-trip through decodeFile.
	buf.WriteString(data.Body)
	return buf.Bytes(), nil
}

// decodeFile splits raw file content into frontmatter and body. Files
// without a leading --- block decode as all-body with empty frontmatter.
func decodeFile(content []byte, filename string) (FileData, error) {
	data := FileData{Filename: filename, Frontmatter: map[string]any{}}
	text := string(content)

	if !strings.HasPrefix(text, frontmatterDelimiter+"\n") && text != frontmatterDelimiter {
		data.Body = text
		return data, nil
	}

	rest := strings.TrimPrefix(text, frontmatterDelimiter+"\n")
	if strings.HasPrefix(rest, frontmatterDelimiter+"\n") || rest == frontmatterDelimiter {
		// Empty frontmatter: the closing delimiter directly follows the
		// opening one, as encodeFile writes it for a row with no fields.
		data.Body = strings.TrimPrefix(rest, frontmatterDelimiter)
		data.Body = strings.TrimPrefix(data.Body, "\n")
		return data, nil
	}
	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		return FileData{}, fmt.Errorf("unterminated frontmatter block in %q", filename)
	}
	yamlBlock := rest[:end+1]
	body := rest[end+1+len(frontmatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")

	if strings.TrimSpace(yamlBlock) != "" {
		if err := yaml.Unmarshal([]byte(yamlBlock), &data.Frontmatter); err != nil {
			return FileData{}, fmt.Errorf("invalid frontmatter YAML in %q: %w", filename, err)
		}
	}
	data.Body = body
	return data, nil
}
