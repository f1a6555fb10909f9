package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fruitsalade/poolgate/internal/federation"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/storage"
)

// printer renders command results in the selected output format.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, json: globalFlags.Output == "json"}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table(header string, rows func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func (p *printer) pools(pools []metadata.Pool) error {
	if p.json {
		return p.encode(pools)
	}
	return p.table("ID\tNAME\tKIND\tACTIVE\tCREATED", func(tw *tabwriter.Writer) {
		for _, pl := range pools {
			active := ""
			if pl.Active {
				active = "*"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", pl.ID, pl.Name, pl.Kind, active, formatTime(pl.CreatedAt))
		}
	})
}

func (p *printer) pool(pl *metadata.Pool) error {
	if p.json {
		return p.encode(pl)
	}
	fmt.Fprintf(p.w, "ID:      %d\n", pl.ID)
	fmt.Fprintf(p.w, "Name:    %s\n", pl.Name)
	fmt.Fprintf(p.w, "Kind:    %s\n", pl.Kind)
	fmt.Fprintf(p.w, "Active:  %t\n", pl.Active)
	fmt.Fprintf(p.w, "Config:  %s\n", redactConfig(pl.Config))
	fmt.Fprintf(p.w, "Created: %s\n", formatTime(pl.CreatedAt))
	fmt.Fprintf(p.w, "Updated: %s\n", formatTime(pl.UpdatedAt))
	return nil
}

// redactConfig hides credential values when printing a pool config.
func redactConfig(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	for _, k := range []string{"secret_key", "password"} {
		if _, ok := m[k]; ok {
			m[k] = "********"
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func (p *printer) entries(entries []storage.Entry) error {
	if p.json {
		return p.encode(entries)
	}
	return p.table("TYPE\tSIZE\tMODIFIED\tPATH", func(tw *tabwriter.Writer) {
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", entryType(e), e.Size, formatTime(e.ModTime), e.Path)
		}
	})
}

func entryType(e storage.Entry) string {
	if e.IsDir {
		return "dir"
	}
	return "file"
}

func (p *printer) entry(e *storage.Entry) error {
	if p.json {
		return p.encode(e)
	}
	fmt.Fprintf(p.w, "Path:     %s\n", e.Path)
	fmt.Fprintf(p.w, "Type:     %s\n", entryType(*e))
	fmt.Fprintf(p.w, "Size:     %d\n", e.Size)
	fmt.Fprintf(p.w, "Modified: %s\n", formatTime(e.ModTime))
	if e.MimeType != "" {
		fmt.Fprintf(p.w, "MIME:     %s\n", e.MimeType)
	}
	return nil
}

func (p *printer) items(items []federation.Item) error {
	if p.json {
		return p.encode(items)
	}
	return p.table("POOL\tTYPE\tSIZE\tPATH", func(tw *tabwriter.Writer) {
		for _, it := range items {
			fmt.Fprintf(tw, "%d:%s\t%s\t%d\t%s\n", it.PoolID, it.PoolName, entryType(it.Entry), it.Size, it.Path)
		}
	})
}

func (p *printer) records(recs []metadata.FileRecord) error {
	if p.json {
		return p.encode(recs)
	}
	return p.table("ID\tSIZE\tMIME\tPATH", func(tw *tabwriter.Writer) {
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.ID, r.SizeBytes, r.MimeType, r.StoredPath)
		}
	})
}

// result prints the outcome of a mutating command.
func (p *printer) result(action, target string, changed bool, detail string) error {
	if p.json {
		return p.encode(map[string]any{"action": action, "target": target, "changed": changed, "result": detail})
	}
	fmt.Fprintf(p.w, "%s %s: %s\n", action, target, detail)
	return nil
}
