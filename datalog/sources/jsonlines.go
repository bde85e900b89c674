// Package sources turns external data into facts. A source is read in
// full and ingested as one batch at a caller-chosen time.
package sources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

// Schema resolves declared attributes
type Schema interface {
	Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool)
}

// Ingester accepts a batch of facts at a time
type Ingester interface {
	Ingest(facts []datalog.Fact, at datalog.Time) error
}

// Source produces facts
type Source interface {
	Name() string
	Facts(schema Schema) ([]datalog.Fact, error)
}

// Stats counts what a source read and what it skipped
type Stats struct {
	Objects int
	Facts   int
	Skipped int
}

// JSONLines reads a file holding one JSON object per line. Object i
// (counting non-empty lines from zero) becomes entity Base+i, and each
// of its top-level keys becomes a fact. Keys map to attributes through
// Attributes; when it is empty every key is read under its own name.
type JSONLines struct {
	Path       string
	Base       datalog.Entity
	Attributes map[string]datalog.Attribute

	Stats Stats
}

// Name identifies the source
func (s *JSONLines) Name() string {
	return "jsonl:" + s.Path
}

// Facts reads the whole file
func (s *JSONLines) Facts(schema Schema) ([]datalog.Fact, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer f.Close()
	return s.Read(f, schema)
}

// Read parses objects from r. Values are converted to the attribute's
// declared type; keys that are neither mapped nor declared, and values
// that cannot be converted, are skipped and counted.
func (s *JSONLines) Read(r io.Reader, schema Schema) ([]datalog.Fact, error) {
	s.Stats = Stats{}
	var facts []datalog.Fact

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if !gjson.ValidBytes(text) {
			return nil, fmt.Errorf("%s:%d: invalid JSON", s.Path, line)
		}
		obj := gjson.ParseBytes(text)
		if !obj.IsObject() {
			return nil, fmt.Errorf("%s:%d: expected an object, got %s", s.Path, line, obj.Type)
		}

		e := s.Base + datalog.Entity(s.Stats.Objects)
		s.Stats.Objects++
		obj.ForEach(func(key, value gjson.Result) bool {
			a, ok := s.attribute(key.String())
			if !ok {
				s.Stats.Skipped++
				return true
			}
			spec, ok := schema.Attribute(a)
			if !ok {
				s.Stats.Skipped++
				return true
			}
			v, ok := convert(value, spec.Type)
			if !ok {
				s.Stats.Skipped++
				return true
			}
			facts = append(facts, datalog.Assert(e, a, v))
			return true
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	s.Stats.Facts = len(facts)
	return facts, nil
}

func (s *JSONLines) attribute(key string) (datalog.Attribute, bool) {
	if len(s.Attributes) == 0 {
		return datalog.InternAttribute(key), true
	}
	a, ok := s.Attributes[key]
	return a, ok
}

// convert reads a JSON scalar as a value of type t. Numbers are exact:
// decimals become rationals.
func convert(r gjson.Result, t datalog.ValueType) (datalog.Value, bool) {
	switch r.Type {
	case gjson.String:
		switch t {
		case datalog.TypeString, datalog.TypeAny:
			return datalog.String(r.Str), true
		case datalog.TypeUUID:
			id, err := uuid.Parse(r.Str)
			if err != nil {
				return datalog.Value{}, false
			}
			return datalog.UUID(id), true
		case datalog.TypeAttribute:
			return datalog.AttributeValue(datalog.AttributeFromKeyword(r.Str)), true
		}
	case gjson.Number:
		v, err := datalog.ParseRational(r.Raw)
		if err != nil {
			return datalog.Value{}, false
		}
		switch t {
		case datalog.TypeRef:
			if n, ok := v.AsInt(); ok && n >= 0 {
				return datalog.Ref(datalog.Entity(n)), true
			}
		case datalog.TypeInt:
			if _, ok := v.AsInt(); ok {
				return v, true
			}
		case datalog.TypeRational, datalog.TypeAny:
			return v, true
		}
	case gjson.True, gjson.False:
		if t == datalog.TypeBool || t == datalog.TypeAny {
			return datalog.Bool(r.Bool()), true
		}
	}
	return datalog.Value{}, false
}

// Load reads every source concurrently and ingests all their facts as
// one batch at at.
func Load(ctx context.Context, dst Ingester, schema Schema, at datalog.Time, handler annotations.Handler, srcs ...Source) (int, error) {
	start := time.Now()
	batches := make([][]datalog.Fact, len(srcs))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			facts, err := src.Facts(schema)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			batches[i] = facts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var all []datalog.Fact
	for _, b := range batches {
		all = append(all, b...)
	}
	if err := dst.Ingest(all, at); err != nil {
		return 0, err
	}
	handler.Emit(annotations.SourceLoaded, start, map[string]interface{}{
		"sources": len(srcs),
		"facts":   len(all),
		"time":    at,
	})
	return len(all), nil
}
