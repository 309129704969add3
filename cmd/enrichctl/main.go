package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/app"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/config"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/jobs"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/storage"
	"github.com/spf13/pflag"
)

type command struct {
	summary string
	run     func(ctx context.Context, c *app.Console, args []string, out io.Writer) error
}

var commands = map[string]command{
	"enqueue":  {"create a job for a podcast", runEnqueue},
	"status":   {"show one job or list jobs", runStatus},
	"cancel":   {"cancel a queued job", runCancel},
	"retry":    {"re-queue a failed job", runRetry},
	"estimate": {"price a batch of profiles per provider", runEstimate},
	"validate": {"probe provider credentials", runValidate},
	"costs":    {"summarise the cost ledger", runCosts},
	"stats":    {"count jobs per status", runStats},
	"links":    {"show or replace a podcast's social links", runLinks},
	"run":      {"process queued jobs once and exit", runDrain},
	"refresh":  {"schedule background refreshes once", runRefresh},
	"set":      {"store an operator setting such as an API key", runSet},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "enrichctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(out)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var log logger.Logger = logger.NopLogger{}
	if cfg.LogLevel == "debug" {
		if log, err = logger.Init(cfg); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer core.Close()

	console, err := app.NewConsole(core, log)
	if err != nil {
		return err
	}
	return cmd.run(ctx, console, args[1:], out)
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: enrichctl <command> [flags]")
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func flagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}

func requireID(fs *pflag.FlagSet, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s: --id is required", fs.Name())
	}
	return nil
}

func runEnqueue(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("enqueue")
	podcast := fs.Int64("podcast", 0, "podcast id")
	platforms := fs.StringSlice("platforms", nil, "platforms to fetch (default: every linked platform)")
	jobType := fs.String("type", string(domain.JobTypeManualRefresh), "initial_tracking|background_refresh|manual_refresh")
	priority := fs.Int("priority", 50, "priority 0-100, higher runs first")
	maxAttempts := fs.Int("max-attempts", domain.DefaultMaxAttempts, "attempt budget")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := jobs.EnqueueRequest{
		PodcastID:   *podcast,
		Type:        domain.JobType(*jobType),
		Priority:    *priority,
		MaxAttempts: *maxAttempts,
	}
	for _, p := range *platforms {
		req.Platforms = append(req.Platforms, domain.Platform(p))
	}
	job, err := c.Enqueue(req)
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runStatus(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("status")
	id := fs.String("id", "", "job id")
	status := fs.String("status", "", "filter by status when listing")
	podcast := fs.Int64("podcast", 0, "filter by podcast when listing")
	limit := fs.Int("limit", 20, "max jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id != "" {
		job, err := c.Status(*id)
		if err != nil {
			return err
		}
		return printJSON(out, job)
	}
	list, err := c.Jobs(storage.JobFilter{
		Status:    domain.JobStatus(strings.ToLower(*status)),
		PodcastID: *podcast,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(out, list)
}

func runCancel(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("cancel")
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}
	job, err := c.Cancel(*id)
	if errors.Is(err, domain.ErrStatusConflict) {
		return fmt.Errorf("only queued jobs can be cancelled: %w", err)
	}
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runRetry(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("retry")
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}
	job, err := c.Retry(*id)
	if errors.Is(err, domain.ErrStatusConflict) {
		return fmt.Errorf("only failed jobs can be retried: %w", err)
	}
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runEstimate(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("estimate")
	platform := fs.String("platform", "", "platform to price")
	count := fs.Int("count", 1, "number of profiles")
	provider := fs.String("provider", "", "recommend this provider when configured")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, ok := domain.ParsePlatform(*platform)
	if !ok {
		return fmt.Errorf("estimate: %w: %q", domain.ErrUnsupportedPlatform, *platform)
	}
	return printJSON(out, c.Estimate(p, *count, *provider))
}

func runValidate(ctx context.Context, c *app.Console, args []string, out io.Writer) error {
	if err := flagSet("validate").Parse(args); err != nil {
		return err
	}
	return printJSON(out, c.Validate(ctx))
}

func runCosts(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("costs")
	period := fs.String("period", "month", "day|week|month|year|all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := storage.ParsePeriod(*period)
	if err != nil {
		return err
	}
	summary, err := c.Costs(p)
	if err != nil {
		return err
	}
	return printJSON(out, summary)
}

func runStats(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	if err := flagSet("stats").Parse(args); err != nil {
		return err
	}
	stats, err := c.Stats()
	if err != nil {
		return err
	}
	return printJSON(out, stats)
}

func runLinks(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("links")
	podcast := fs.Int64("podcast", 0, "podcast id")
	title := fs.String("title", "", "podcast title")
	links := fs.StringArray("link", nil, "platform=url, repeatable; replaces all links")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *podcast <= 0 {
		return fmt.Errorf("links: --podcast is required")
	}

	if len(*links) == 0 {
		p, latest, err := c.Podcast(*podcast)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]any{"podcast": p, "latest": latest})
	}

	parsed := make([]domain.SocialLink, 0, len(*links))
	for _, raw := range *links {
		platform, url, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return fmt.Errorf("links: expected platform=url, got %q", raw)
		}
		link := domain.SocialLink{Platform: domain.Platform(platform), ProfileURL: url}
		if !strings.Contains(url, "/") {
			link.ProfileURL, link.ProfileHandle = "", url
		}
		parsed = append(parsed, link)
	}
	p, err := c.SetLinks(*podcast, *title, parsed)
	if err != nil {
		return err
	}
	return printJSON(out, p)
}

func runDrain(ctx context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("run")
	limit := fs.Int("limit", 0, "max jobs to process (0 = until the queue is empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	done, err := c.Drain(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, done)
}

func runRefresh(ctx context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("refresh")
	limit := fs.Int("limit", 25, "max podcasts to schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scheduled, err := c.Refresh(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, scheduled)
}

func runSet(_ context.Context, c *app.Console, args []string, out io.Writer) error {
	fs := flagSet("set")
	key := fs.String("key", "", "setting key, e.g. apify_api_token")
	value := fs.String("value", "", "setting value; empty removes it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*key) == "" {
		return fmt.Errorf("set: --key is required")
	}
	if err := c.SetSetting(*key, *value); err != nil {
		return err
	}
	return printJSON(out, map[string]any{"key": strings.ToLower(strings.TrimSpace(*key)), "stored": *value != ""})
}
