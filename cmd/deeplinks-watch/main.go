package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deeplinks/internal/enrich"
	"github.com/agentworkforce/deeplinks/internal/logging"
	"github.com/agentworkforce/deeplinks/internal/watchclient"
)

type watchOptions struct {
	BaseURL    string
	HMACSecret string
	Input      string
	Places     []string
	City       string
	Providers  []string
	RequestID  string
	Channel    string
	Timeout    time.Duration
	Reconnects int
	Format     string
	Verbose    bool
}

var validFormats = []string{"text", "json"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "deeplinks-watch: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "deeplinks-watch",
		Short: "Enrich a result list and follow provider patches",
		Long: `Post a list of search results to a deeplinks server, subscribe to its
patch stream and print the merged provider states as patches arrive.

Results come from --input (a JSON array of {placeId,name,address}, or an
object with a "results" array; "-" reads stdin) and/or repeated --place
flags of the form "placeId|name|address".

Example:
  deeplinks-watch --place "ChIJ1|Pizza House|Dizengoff 10" --city "Tel Aviv"
  deeplinks-watch -i results.json --providers wolt,tenbis --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if strings.TrimSpace(opts.Input) == "" && len(opts.Places) == 0 {
				return errors.New("no results: pass --input or --place")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.BaseURL, "base-url", envOrDefault("DEEPLINKS_WATCH_BASE_URL", "http://127.0.0.1:8080"), "deeplinks server base URL")
	flags.StringVar(&opts.HMACSecret, "hmac-secret", strings.TrimSpace(os.Getenv("DEEPLINKS_INTERNAL_HMAC_SECRET")), "shared secret for signed enrich calls")
	flags.StringVarP(&opts.Input, "input", "i", "", "JSON file with results (- for stdin)")
	flags.StringArrayVar(&opts.Places, "place", nil, `result as "placeId|name|address" (repeatable)`)
	flags.StringVar(&opts.City, "city", "", "city hint")
	flags.StringSliceVar(&opts.Providers, "providers", nil, "providers to enrich (default: all enabled on the server)")
	flags.StringVar(&opts.RequestID, "request-id", "", "request id (generated when empty)")
	flags.StringVar(&opts.Channel, "channel", enrich.DefaultPatchChannel, "patch channel")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for patches")
	flags.IntVar(&opts.Reconnects, "reconnects", 3, "patch stream reconnect attempts")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *watchOptions) error {
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), level, "console")

	results, err := collectResults(opts.Input, opts.Places, cmd.InOrStdin())
	if err != nil {
		return err
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	client := watchclient.NewClient(opts.BaseURL, opts.HMACSecret, &http.Client{Timeout: 15 * time.Second})
	updates := 0
	resp, err := client.Watch(ctx, watchclient.EnrichRequest{
		RequestID: opts.RequestID,
		CityHint:  opts.City,
		Providers: opts.Providers,
		Results:   results,
	}, watchclient.WatchOptions{
		Channel:       opts.Channel,
		MaxReconnects: opts.Reconnects,
		JitterRatio:   0.2,
		Logger:        &logger,
		OnUpdate: func(current []enrich.Restaurant, event *enrich.PatchEvent) {
			updates++
			if opts.Format != "text" {
				return
			}
			if event == nil {
				fmt.Fprintln(out, "initial state:")
			} else {
				fmt.Fprintf(out, "patch %d for %s:\n", updates-1, event.PlaceID)
			}
			renderText(out, current)
		},
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return fmt.Errorf("timed out after %s with providers still pending", opts.Timeout)
	}
	logger.Debug().Str("request_id", resp.RequestID).Int("updates", updates).Msg("watch complete")
	return nil
}

// collectResults merges the --input file and --place flags, in that order.
func collectResults(input string, places []string, stdin io.Reader) ([]enrich.Restaurant, error) {
	var results []enrich.Restaurant
	if input = strings.TrimSpace(input); input != "" {
		var data []byte
		var err error
		if input == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(input)
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		parsed, err := parseResults(data)
		if err != nil {
			return nil, err
		}
		results = append(results, parsed...)
	}
	for _, raw := range places {
		place, err := parsePlace(raw)
		if err != nil {
			return nil, err
		}
		results = append(results, place)
	}
	if len(results) == 0 {
		return nil, errors.New("no results to enrich")
	}
	return results, nil
}

func parseResults(data []byte) ([]enrich.Restaurant, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var results []enrich.Restaurant
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		return results, nil
	}
	var wrapped struct {
		Results []enrich.Restaurant `json:"results"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return wrapped.Results, nil
}

func parsePlace(raw string) (enrich.Restaurant, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) < 2 {
		return enrich.Restaurant{}, fmt.Errorf("invalid --place %q: want placeId|name|address", raw)
	}
	place := enrich.Restaurant{
		PlaceID: strings.TrimSpace(parts[0]),
		Name:    strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		place.Address = strings.TrimSpace(parts[2])
	}
	if place.PlaceID == "" || place.Name == "" {
		return enrich.Restaurant{}, fmt.Errorf("invalid --place %q: placeId and name are required", raw)
	}
	return place, nil
}

func renderText(w io.Writer, results []enrich.Restaurant) {
	for _, r := range results {
		fmt.Fprintf(w, "  %s  %s\n", r.PlaceID, r.Name)
		providers := make([]string, 0, len(r.Providers))
		for id := range r.Providers {
			providers = append(providers, string(id))
		}
		sort.Strings(providers)
		for _, id := range providers {
			state := r.Providers[enrich.ProviderID(id)]
			line := fmt.Sprintf("    %-10s %-10s", id, state.Status)
			if state.URL != nil {
				line += " " + *state.URL
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
