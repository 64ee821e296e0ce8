package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aschepis/backscratcher/chatcore/app"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/spf13/cast"
)

const dateLayout = "2006-01-02"

func runUsage(ctx context.Context, core *app.App, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: chatcore usage <stats|export|clear> [flags]")
		return errUsage
	}
	switch args[0] {
	case "stats":
		return usageStats(ctx, core, args[1:], stdout, stderr)
	case "export":
		return usageExport(ctx, core, args[1:], stdout, stderr)
	case "clear":
		return usageClear(ctx, core, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown usage command %q\n", args[0])
		return errUsage
	}
}

// filterFlags holds the record filter flags shared by stats and export.
type filterFlags struct {
	start, end                 string
	provider, model, character string
	session                    string
	successOnly                bool
}

func (f *filterFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.start, "start", "", "Only records at or after this time (RFC3339 or YYYY-MM-DD)")
	fs.StringVar(&f.end, "end", "", "Only records at or before this time (RFC3339 or YYYY-MM-DD, whole day)")
	fs.StringVar(&f.provider, "provider", "", "Provider id")
	fs.StringVar(&f.model, "model", "", "Model id")
	fs.StringVar(&f.character, "character", "", "Character id")
	fs.StringVar(&f.session, "session", "", "Session id")
	fs.BoolVar(&f.successOnly, "success", false, "Only successful requests")
}

func (f *filterFlags) filter() (usage.Filter, error) {
	out := usage.Filter{
		ProviderID:  f.provider,
		ModelID:     f.model,
		CharacterID: f.character,
		SessionID:   f.session,
		SuccessOnly: f.successOnly,
	}
	if f.start != "" {
		t, err := parseTime(f.start, false)
		if err != nil {
			return out, err
		}
		out.Start = &t
	}
	if f.end != "" {
		t, err := parseTime(f.end, true)
		if err != nil {
			return out, err
		}
		out.End = &t
	}
	return out, nil
}

// parseTime accepts anything cast understands. A bare date used as an end
// bound covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", v, err)
	}
	if endOfDay && len(v) == len(dateLayout) {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func usageStats(ctx context.Context, core *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("usage stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ff filterFlags
	ff.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := ff.filter()
	if err != nil {
		return err
	}
	stats, err := core.Chat.UsageStats(ctx, f)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Requests\t%d\t(%d ok, %d failed)\n", stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests)
	fmt.Fprintf(tw, "Tokens\t%d\t(%d prompt, %d completion)\n", stats.TotalTokens, stats.PromptTokens, stats.CompletionTokens)
	fmt.Fprintf(tw, "Cost\t$%.6f\t\n", stats.TotalCost)
	for _, group := range []struct {
		title string
		rows  map[string]usage.Breakdown
	}{
		{"PROVIDER", stats.ByProvider},
		{"MODEL", stats.ByModel},
		{"CHARACTER", stats.ByCharacter},
	} {
		if len(group.rows) == 0 {
			continue
		}
		fmt.Fprintf(tw, "\n%s\tREQUESTS\tTOKENS\tCOST\n", group.title)
		keys := make([]string, 0, len(group.rows))
		for k := range group.rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b := group.rows[k]
			fmt.Fprintf(tw, "%s\t%d\t%d\t$%.6f\n", k, b.Requests, b.Tokens, b.Cost)
		}
	}
	return tw.Flush()
}

func usageExport(ctx context.Context, core *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("usage export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ff filterFlags
	ff.register(fs)
	outPath := fs.String("out", "", "Write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := ff.filter()
	if err != nil {
		return err
	}

	w := stdout
	if *outPath != "" {
		file, err := os.Create(*outPath) //nolint:gosec // user chosen output path
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *outPath, err)
		}
		defer file.Close() //nolint:errcheck
		w = file
	}
	n, err := core.Chat.ExportUsageCSV(ctx, w, f)
	if err != nil {
		return err
	}
	if *outPath != "" {
		fmt.Fprintf(stdout, "Exported %d records to %s\n", n, *outPath)
	}
	return nil
}

func usageClear(ctx context.Context, core *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("usage clear", flag.ContinueOnError)
	fs.SetOutput(stderr)
	before := fs.String("before", "", "Delete records before this time (RFC3339 or YYYY-MM-DD)")
	days := fs.Int("older-than-days", 0, "Delete records older than this many days")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cutoff time.Time
	switch {
	case *before != "" && *days > 0:
		fmt.Fprintln(stderr, "--before and --older-than-days are mutually exclusive")
		return errUsage
	case *before != "":
		t, err := parseTime(*before, false)
		if err != nil {
			return err
		}
		cutoff = t
	case *days > 0:
		cutoff = time.Now().AddDate(0, 0, -*days)
	default:
		fmt.Fprintln(stderr, "usage clear needs --before or --older-than-days")
		return errUsage
	}

	n, err := core.Chat.ClearUsageBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted %d records before %s\n", n, cutoff.UTC().Format(time.RFC3339))
	return nil
}
