// Package render writes command results for the cblib CLI.
//
// Without --format, a terminal gets tables and anything else gets JSON.
// Table output draws one row per element of a slice, one line per field
// of a struct or key of a map, and one titled table per Section of a
// Sectioned value. --no-color only plain-styles section titles.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/chrisbazley/cblibrary/cli/tui"
)

// Format is an output format name.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

var formats = []Format{FormatJSON, FormatTable, FormatYAML}

// ParseFormat resolves a --format value. The empty string is returned
// unchanged so the caller can pick a default.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return "", nil
	}
	f := Format(strings.ToLower(s))
	if !slices.Contains(formats, f) {
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
	return f, nil
}

// Section is one titled table.
type Section struct {
	Title string
	Data  any
}

// Sectioned values render as several tables. JSON and YAML encode the
// value itself.
type Sectioned interface {
	Sections() []Section
}

// Renderer writes values in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer builds a Renderer for stdout from the --format and
// --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if isTerminal(os.Stdout) {
			format = FormatTable
		}
	}
	return NewRendererWithWriter(format, c.Bool("no-color"), os.Stdout), nil
}

// NewRendererWithWriter builds a Renderer writing to out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

func (r *Renderer) Format() Format {
	return r.format
}

// Render writes data.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		sections := []Section{{Data: data}}
		if s, ok := data.(Sectioned); ok {
			sections = s.Sections()
		}
		return r.writeSections(sections)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI starts the interactive view for viewType.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

func (r *Renderer) writeSections(sections []Section) error {
	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(r.out)
		}
		if s.Title != "" {
			title := s.Title
			if !r.noColor {
				title = tui.SectionStyle.Render(title)
			}
			fmt.Fprintln(r.out, title)
		}
		if err := r.writeTable(s.Data); err != nil {
			return err
		}
	}
	return nil
}

// writeTable lays data out with tabwriter: a header and a row per element
// for slices, "name:\tvalue" lines otherwise.
func (r *Renderer) writeTable(data any) error {
	v := deref(reflect.ValueOf(data))
	if (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Len() == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		cols := columns(deref(v.Index(0)))
		fmt.Fprintln(w, strings.Join(names(cols), "\t"))
		for i := range v.Len() {
			fmt.Fprintln(w, strings.Join(cells(deref(v.Index(i)), cols), "\t"))
		}
	case reflect.Struct, reflect.Map:
		cols := columns(v)
		for i, val := range cells(v, cols) {
			fmt.Fprintf(w, "%s:\t%s\n", cols[i].name, val)
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

// column is one field of a struct or key of a map.
type column struct {
	name  string
	field int
	key   reflect.Value
}

func names(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.name
	}
	return out
}

// columns lists the exported fields of a struct, or the string keys of a
// map in order. Anything else is a single "value" column.
func columns(v reflect.Value) []column {
	switch v.Kind() {
	case reflect.Struct:
		var cols []column
		for _, f := range reflect.VisibleFields(v.Type()) {
			if !f.IsExported() || len(f.Index) > 1 {
				continue
			}
			if name, ok := fieldName(f); ok {
				cols = append(cols, column{name: name, field: f.Index[0]})
			}
		}
		return cols
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		slices.Sort(keys)
		cols := make([]column, len(keys))
		for i, k := range keys {
			cols[i] = column{name: k, key: reflect.ValueOf(k).Convert(v.Type().Key())}
		}
		return cols
	default:
		return []column{{name: "value", field: -1}}
	}
}

func cells(v reflect.Value, cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		switch {
		case v.Kind() == reflect.Struct:
			out[i] = formatCell(v.Field(c.field))
		case v.Kind() == reflect.Map:
			out[i] = formatCell(v.MapIndex(c.key))
		default:
			out[i] = formatCell(v)
		}
	}
	return out
}

// fieldName is the json name of f, or its lower-cased Go name. Fields
// tagged "-" are hidden.
func fieldName(f reflect.StructField) (string, bool) {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return "", false
	case "":
		return strings.ToLower(f.Name), true
	default:
		return name, true
	}
}

var (
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
	stringerType = reflect.TypeFor[fmt.Stringer]()
)

func formatCell(v reflect.Value) string {
	v = deref(v)
	if !v.IsValid() || ((v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()) {
		return ""
	}
	switch {
	case v.Type() == timeType:
		if t := v.Interface().(time.Time); !t.IsZero() {
			return t.Format(time.RFC3339)
		}
		return ""
	case v.Type() == durationType:
		return v.Interface().(time.Duration).String()
	case v.CanInterface() && v.Type().Implements(stringerType):
		return v.Interface().(fmt.Stringer).String()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func deref(v reflect.Value) reflect.Value {
	for (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
