package records

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

const delimiter = "---\n"

// Encode renders rec as a markdown file with a YAML frontmatter header.
func Encode(rec *models.Record) ([]byte, error) {
	header, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter)
	buf.Write(header)
	buf.WriteString(delimiter)
	buf.WriteString(rec.Body)
	return buf.Bytes(), nil
}

// Decode parses a record file produced by Encode.
func Decode(data []byte) (*models.Record, error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte(delimiter)) {
		return nil, errors.New("missing frontmatter")
	}
	rest := data[len(delimiter):]

	var header, body []byte
	switch {
	case bytes.HasPrefix(rest, []byte(delimiter)):
		body = rest[len(delimiter):]
	default:
		end := bytes.Index(rest, []byte("\n"+delimiter))
		if end < 0 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return nil, errors.New("unterminated frontmatter")
			}
			header = rest[:len(rest)-len("\n---")]
		} else {
			header = rest[:end+1]
			body = rest[end+1+len(delimiter):]
		}
	}

	var rec models.Record
	if err := yaml.Unmarshal(header, &rec); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if rec.ID == "" {
		return nil, errors.New("frontmatter has no id")
	}
	if len(rec.Supersedes) == 0 {
		rec.Supersedes = nil
	}
	if len(rec.EvidenceEventIDs) == 0 {
		rec.EvidenceEventIDs = nil
	}
	rec.Body = string(body)
	return &rec, nil
}
