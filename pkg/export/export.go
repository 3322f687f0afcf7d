// Package export reads and writes the portable recording document: a single
// JSON object holding the session metadata and every frame.
package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
)

//go:embed document.schema.json
var documentSchema []byte

const schemaURL = "mem://rewind/document.schema.json"

// Document is the export format.
type Document struct {
	Metadata session.Session `json:"metadata"`
	Frames   []frame.Frame   `json:"frames"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchema))
		if err != nil {
			compileErr = err
			return
		}
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc Document) error {
	if doc.Frames == nil {
		doc.Frames = []frame.Frame{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}

// Read validates r against the document schema and decodes it. Frames must
// be in strictly increasing sequence order and a set end time may not precede
// the start time.
func Read(r io.Reader) (Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("export: read: %w", err)
	}
	sch, err := schema()
	if err != nil {
		return Document{}, errmodel.System("schema_compile", "document schema failed to compile", nil, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Document{}, invalid(err)
	}
	if err := sch.Validate(inst); err != nil {
		return Document{}, invalid(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, invalid(err)
	}
	if m := doc.Metadata; m.Ended() && m.EndTime.Before(m.StartTime) {
		return Document{}, invalid(fmt.Errorf("end_time %s is before start_time %s", m.EndTime.Format(time.RFC3339Nano), m.StartTime.Format(time.RFC3339Nano)))
	}
	for i := 1; i < len(doc.Frames); i++ {
		if doc.Frames[i].Seq <= doc.Frames[i-1].Seq {
			return Document{}, invalid(fmt.Errorf("frame %d: seq %d does not follow %d", i, doc.Frames[i].Seq, doc.Frames[i-1].Seq))
		}
	}
	return doc, nil
}

// FileName is the conventional download name for doc.
func FileName(doc Document) string {
	return "rewind-recording-" + strconv.FormatInt(doc.Metadata.StartTime.UnixMilli(), 10) + ".json"
}

func invalid(err error) error {
	return errmodel.New(errmodel.CategoryValidation, "invalid_document", "recording document is invalid", map[string]any{"reason": err.Error()}, err)
}
