package markdown

import (
	"fmt"
	"strings"

	"github.com/epicenterhq/epicenter/pkg/schema"
)

// FileData is the decoded form of one markdown file: YAML frontmatter,
// markdown body, and the filename it lives under.
type FileData struct {
	Frontmatter map[string]any
	Body        string
	Filename    string
}

// ParsedName is the result of extracting a row id from a filename
type ParsedName struct {
	ID    string
	Extra map[string]string
}

// Serializer defines the wire format between a row and a markdown file.
// Serialize and Deserialize must be lossless inverses for valid rows, and
// ParseFilename must invert the filename component of Serialize. A nil
// ParseFilename result marks the filename as unidentifiable: the file can
// neither be mapped to a row nor considered for deletion tracking.
//
// Both directions receive the table validator so serializers stay agnostic
// of the schema's id field name.
type Serializer interface {
	Serialize(row schema.Row, validator *schema.Validator) (FileData, error)
	Deserialize(data FileData, validator *schema.Validator) (schema.Row, error)
	ParseFilename(filename string) *ParsedName
}

// trimMD strips the .md extension, returning ok=false for other files
func trimMD(filename string) (string, bool) {
	if !strings.HasSuffix(filename, ".md") {
		return "", false
	}
	return strings.TrimSuffix(filename, ".md"), true
}

// defaultSerializer puts every field except the id into frontmatter with
// an empty body and an {id}.md filename.
type defaultSerializer struct{}

// DefaultSerializer returns the built-in id-filename serializer
func DefaultSerializer() Serializer { return defaultSerializer{} }

func (defaultSerializer) Serialize(row schema.Row, validator *schema.Validator) (FileData, error) {
	id, fm, err := splitID(row, validator.IDField())
	if err != nil {
		return FileData{}, err
	}
	return FileData{Frontmatter: fm, Filename: id + ".md"}, nil
}

func (s defaultSerializer) Deserialize(data FileData, validator *schema.Validator) (schema.Row, error) {
	parsed := s.ParseFilename(data.Filename)
	if parsed == nil {
		return nil, &FilenameParseError{Filename: data.Filename}
	}
	raw := make(map[string]any, len(data.Frontmatter)+1)
	for k, v := range data.Frontmatter {
		raw[k] = v
	}
	raw[validator.IDField()] = parsed.ID
	row, verr := validator.Validate(raw)
	if verr != nil {
		return nil, verr
	}
	return row, nil
}

func (defaultSerializer) ParseFilename(filename string) *ParsedName {
	base, ok := trimMD(filename)
	if !ok || base == "" {
		return nil
	}
	return &ParsedName{ID: base}
}

// bodyFieldSerializer promotes one designated field to the markdown body;
// the remaining fields form the frontmatter.
type bodyFieldSerializer struct {
	field      string
	stripNulls bool
}

// BodyField returns a serializer that stores the named field as the
// markdown body and everything else as frontmatter, under an {id}.md
// filename.
func BodyField(field string) Serializer {
	return bodyFieldSerializer{field: field}
}

// BodyFieldStripNulls is BodyField with nil-valued frontmatter fields
// omitted from the encoded file.
func BodyFieldStripNulls(field string) Serializer {
	return bodyFieldSerializer{field: field, stripNulls: true}
}

func (s bodyFieldSerializer) Serialize(row schema.Row, validator *schema.Validator) (FileData, error) {
	id, fm, err := splitID(row, validator.IDField())
	if err != nil {
		return FileData{}, err
	}
	body := ""
	if v, ok := fm[s.field]; ok {
		if str, ok := v.(string); ok {
			body = str
		} else if v != nil {
			return FileData{}, fmt.Errorf("body field %q must be a string, got %T", s.field, v)
		}
		delete(fm, s.field)
	}
	if s.stripNulls {
		for k, v := range fm {
			if v == nil {
				delete(fm, k)
			}
		}
	}
	return FileData{Frontmatter: fm, Body: body, Filename: id + ".md"}, nil
}

func (s bodyFieldSerializer) Deserialize(data FileData, validator *schema.Validator) (schema.Row, error) {
	parsed := s.ParseFilename(data.Filename)
	if parsed == nil {
		return nil, &FilenameParseError{Filename: data.Filename}
	}
	raw := make(map[string]any, len(data.Frontmatter)+2)
	for k, v := range data.Frontmatter {
		raw[k] = v
	}
	raw[validator.IDField()] = parsed.ID
	raw[s.field] = data.Body
	row, verr := validator.Validate(raw)
	if verr != nil {
		return nil, verr
	}
	return row, nil
}

func (bodyFieldSerializer) ParseFilename(filename string) *ParsedName {
	base, ok := trimMD(filename)
	if !ok || base == "" {
		return nil
	}
	return &ParsedName{ID: base}
}

// titleFilenameSerializer derives the filename from a title field:
// {sanitizedTitle}-{id}.md, title and id separated by the last dash.
type titleFilenameSerializer struct {
	titleField string
}

// TitleFilename returns a serializer whose filenames carry a sanitized
// title in front of the id. Renaming happens automatically when the title
// changes: the provider deletes the old file and writes the new one.
func TitleFilename(titleField string) Serializer {
	return titleFilenameSerializer{titleField: titleField}
}

func (s titleFilenameSerializer) Serialize(row schema.Row, validator *schema.Validator) (FileData, error) {
	id, fm, err := splitID(row, validator.IDField())
	if err != nil {
		return FileData{}, err
	}
	title := ""
	if v, ok := fm[s.titleField].(string); ok {
		title = v
	}
	return FileData{Frontmatter: fm, Filename: sanitizeTitle(title) + "-" + id + ".md"}, nil
}

func (s titleFilenameSerializer) Deserialize(data FileData, validator *schema.Validator) (schema.Row, error) {
	parsed := s.ParseFilename(data.Filename)
	if parsed == nil {
		return nil, &FilenameParseError{Filename: data.Filename}
	}
	raw := make(map[string]any, len(data.Frontmatter)+1)
	for k, v := range data.Frontmatter {
		raw[k] = v
	}
	raw[validator.IDField()] = parsed.ID
	row, verr := validator.Validate(raw)
	if verr != nil {
		return nil, verr
	}
	return row, nil
}

func (titleFilenameSerializer) ParseFilename(filename string) *ParsedName {
	base, ok := trimMD(filename)
	if !ok {
		return nil
	}
	i := strings.LastIndex(base, "-")
	if i < 0 || i == len(base)-1 {
		return nil
	}
	id := base[i+1:]
	// Finder/Explorer duplicate a file as "title-id copy.md"; the id ends
	// at the first whitespace so the copy still maps to its original row.
	if j := strings.IndexAny(id, " \t"); j >= 0 {
		id = id[:j]
	}
	if id == "" {
		return nil
	}
	return &ParsedName{ID: id, Extra: map[string]string{"title": base[:i]}}
}

// sanitizeTitle makes a title safe for use as a filename component.
// Path separators, control characters, and the reserved dash are replaced
// so that ParseFilename can recover the id from the last dash.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r == '-':
			b.WriteRune('_')
		case r < 0x20:
			// drop control characters
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "untitled"
	}
	return out
}

// splitID separates the id from the remaining fields of a valid row
func splitID(row schema.Row, idField string) (string, map[string]any, error) {
	fm := make(map[string]any, len(row))
	var id string
	for k, v := range row {
		if k == idField {
			id, _ = v.(string)
			continue
		}
		fm[k] = v
	}
	if id == "" {
		return "", nil, fmt.Errorf("row has no %q field", idField)
	}
	return id, fm, nil
}
