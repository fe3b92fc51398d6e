package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/rotator/internal/storage"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
	faint  = color.New(color.Faint)
)

// printer renders command results as a table or as a JSON/YAML document.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) (*printer, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", formatText:
		format = formatText
	case formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unsupported output format: %s (must be text, json or yaml)", format)
	}
	return &printer{format: format, w: w}, nil
}

// print writes v in the structured formats and calls text otherwise.
func (p *printer) print(v any, text func(w io.Writer)) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(p.w, v)
	default:
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	}
}

// writeYAML renders v through its JSON form so YAML keys match the json tags.
// Parsing JSON as YAML keeps the key order; styles are cleared so the output
// is block YAML rather than flow.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, child := range n.Content {
		blockStyle(child)
	}
}

func colorClass(c storage.Classification) string {
	switch c {
	case storage.ClassAvailable:
		return green.Sprint(c)
	case storage.ClassPartiallyLimited:
		return yellow.Sprint(c)
	default:
		return red.Sprint(c)
	}
}

func colorStatus(q storage.QuotaState) string {
	if q.Exhausted() {
		return red.Sprint(q.Status)
	}
	return green.Sprint(q.Status)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
