package source

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tinytelemetry/datastream/internal/model"
)

type jsonShape int

const (
	shapeSingle jsonShape = iota // scalar, or object without array values
	shapeArray                   // top-level array
	shapeKeyed                   // object with at least one array value
)

// readJSON streams the records of a JSON document without materializing it,
// except for the single-value shape which is one record by definition.
// The shape is detected in a first pass, then the file is rewound.
func readJSON(r io.ReadSeeker, sink recordSink) error {
	shape, err := detectShape(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()

	switch shape {
	case shapeArray:
		if _, err := dec.Token(); err != nil {
			return err
		}
		if err := streamArray(dec, sink, func(v any) model.Record { return v }); err != nil {
			return err
		}
	case shapeKeyed:
		if err := streamKeyed(dec, sink); err != nil {
			return err
		}
	default:
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if !sink.add(v) {
			return errStopped
		}
	}
	if !sink.flush() {
		return errStopped
	}
	return nil
}

func detectShape(r io.Reader) (jsonShape, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("empty json document")
		}
		return 0, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return shapeSingle, nil
	}
	if delim == '[' {
		return shapeArray, nil
	}

	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return 0, err
		}
		tok, err := dec.Token()
		if err != nil {
			return 0, err
		}
		if d, ok := tok.(json.Delim); ok {
			if d == '[' {
				return shapeKeyed, nil
			}
			if err := skipRest(dec); err != nil {
				return 0, err
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return 0, err
	}
	return shapeSingle, nil
}

// streamArray decodes elements until the closing ']' of an array whose
// opening delimiter has already been consumed.
func streamArray(dec *json.Decoder, sink recordSink, wrap func(any) model.Record) error {
	for dec.More() {
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if !sink.add(wrap(v)) {
			return errStopped
		}
	}
	_, err := dec.Token()
	return err
}

// streamKeyed walks an object, streaming every array-valued key in document
// order. Each key's records end with a flush so chunks never mix keys.
func streamKeyed(dec *json.Decoder, sink recordSink) error {
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		tok, err := dec.Token()
		if err != nil {
			return err
		}
		d, isDelim := tok.(json.Delim)
		switch {
		case isDelim && d == '[':
			if err := streamArray(dec, sink, tagWithKey(key)); err != nil {
				return err
			}
			if !sink.flush() {
				return errStopped
			}
		case isDelim:
			if err := skipRest(dec); err != nil {
				return err
			}
		}
	}
	_, err := dec.Token()
	return err
}

func tagWithKey(key string) func(any) model.Record {
	return func(v any) model.Record {
		if obj, ok := v.(map[string]any); ok {
			obj[sourceKeyField] = key
			return obj
		}
		return map[string]any{"value": v, sourceKeyField: key}
	}
}

// skipRest consumes tokens up to the delimiter closing an already-opened value.
func skipRest(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
	}
	return nil
}
