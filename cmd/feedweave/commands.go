package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/feedweave/internal/config"
)

// Response shapes mirror the server's JSON. Only the fields the CLI prints
// are decoded.

type feedRow struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	URL                 string     `json:"url"`
	Status              string     `json:"status"`
	Priority            string     `json:"priority"`
	SyncInterval        string     `json:"sync_interval"`
	IntervalOverride    bool       `json:"interval_override"`
	NextSyncAt          *time.Time `json:"next_sync_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error"`
}

type syncOutcome struct {
	FeedID      string `json:"feed_id"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	NotModified bool   `json:"not_modified"`
	New         int    `json:"new"`
	Updated     int    `json:"updated"`
	Queued      int    `json:"queued"`
	Error       string `json:"error"`
}

type drainResult struct {
	Released     int `json:"released"`
	Claimed      int `json:"claimed"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Deferred     int `json:"deferred"`
}

type clusterRow struct {
	ID               string    `json:"id"`
	Scope            string    `json:"scope"`
	Title            string    `json:"title"`
	Summary          string    `json:"summary"`
	ArticleCount     int       `json:"article_count"`
	SourceFeeds      []string  `json:"source_feeds"`
	ExpiresAt        time.Time `json:"expires_at"`
	RelevanceScore   float64   `json:"relevance_score"`
	GenerationMethod string    `json:"generation_method"`
}

type passSummary struct {
	Scope      string       `json:"scope"`
	Candidates int          `json:"candidates"`
	Groups     int          `json:"groups"`
	Discarded  int          `json:"discarded"`
	Stale      int          `json:"stale"`
	Replaced   int          `json:"replaced"`
	Clusters   []clusterRow `json:"clusters"`
}

type clusterRunParams struct {
	UserID          string  `json:"user_id,omitempty"`
	Window          string  `json:"window,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`
	MinSources      int     `json:"min_sources,omitempty"`
	MinArticles     int     `json:"min_articles,omitempty"`
	KeywordFallback bool    `json:"keyword_fallback,omitempty"`
}

type similarResult struct {
	SourceID string `json:"source_id"`
	Articles []struct {
		ArticleID string  `json:"article_id"`
		Title     string  `json:"title"`
		URL       string  `json:"url"`
		Score     float64 `json:"score"`
	} `json:"articles"`
	Message string `json:"message"`
	Cached  bool   `json:"cached"`
}

type feedHealth struct {
	FeedID              string  `json:"feed_id"`
	Title               string  `json:"title"`
	Status              string  `json:"status"`
	Days                int     `json:"days"`
	TotalSyncs          int     `json:"total_syncs"`
	FailedSyncs         int     `json:"failed_syncs"`
	SuccessRate         float64 `json:"success_rate"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastError           string  `json:"last_error"`
}

type deadLetterRow struct {
	ID            string    `json:"id"`
	Operation     string    `json:"operation"`
	Payload       string    `json:"payload"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

type importSummary struct {
	Added    int `json:"added"`
	Existing int `json:"existing"`
	Failed   []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed"`
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func limitParam(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// --- sync ---

func runSync(ctx context.Context, c *apiClient, limit int) ([]syncOutcome, error) {
	resp, err := c.post(ctx, withQuery("/api/sync", map[string]string{"limit": limitParam(limit)}), nil)
	if err != nil {
		return nil, err
	}
	var out []syncOutcome
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one scheduler pass over the feeds that are due",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		outcomes, err := runSync(cmd.Context(), client, limit)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			printSuccess("No feeds due")
			return nil
		}

		tw := newTable()
		fmt.Fprintln(tw, "FEED\tSTATUS\tNEW\tUPDATED\tQUEUED\tNOTE")
		failed := 0
		for _, o := range outcomes {
			note := o.Error
			if o.NotModified {
				note = "not modified"
			}
			if o.Error != "" {
				failed++
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", o.URL, o.Status, o.New, o.Updated, o.Queued, note)
		}
		tw.Flush()
		if failed > 0 {
			printWarning("%d of %d feeds failed", failed, len(outcomes))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Int("limit", 0, "maximum number of feeds to sync (server default when 0)")
}

// --- embed ---

func runDrain(ctx context.Context, c *apiClient, limit int) (drainResult, error) {
	var out drainResult
	resp, err := c.post(ctx, withQuery("/api/queue/drain", map[string]string{"limit": limitParam(limit)}), nil)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Drain the embedding queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runDrain(cmd.Context(), client, limit)
		if err != nil {
			return err
		}
		printSuccess("Embedded %d of %d claimed articles", res.Processed, res.Claimed)
		if res.Released > 0 {
			printStatus("Released", "%d stale claims", res.Released)
		}
		if res.Failed > 0 {
			printStatus("Failed", "%d (will retry)", res.Failed)
		}
		if res.Deferred > 0 {
			printStatus("Deferred", "%d (rate or daily limit)", res.Deferred)
		}
		if res.DeadLettered > 0 {
			printWarning("%d articles moved to the dead-letter queue", res.DeadLettered)
		}
		return nil
	},
}

func init() {
	embedCmd.Flags().Int("limit", 0, "maximum number of queue items to claim (server default when 0)")
}

// --- cluster ---

func runClustering(ctx context.Context, c *apiClient, params clusterRunParams) (passSummary, error) {
	var out passSummary
	resp, err := c.post(ctx, "/api/clusters/run", params)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func listClusters(ctx context.Context, c *apiClient, scope string, all bool, limit int) ([]clusterRow, error) {
	params := map[string]string{"scope": scope, "limit": limitParam(limit)}
	if all {
		params["all"] = "true"
	}
	resp, err := c.get(ctx, withQuery("/api/clusters", params))
	if err != nil {
		return nil, err
	}
	var out []clusterRow
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func printClusters(clusters []clusterRow) {
	for i, cl := range clusters {
		fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), cl.Title)
		fmt.Printf("   %d articles from %d sources, relevance %.2f, %s (%s)\n",
			cl.ArticleCount, len(cl.SourceFeeds), cl.RelevanceScore, cl.GenerationMethod, cl.ID)
		if cl.Summary != "" {
			fmt.Printf("   %s\n", cl.Summary)
		}
	}
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run or inspect story clustering",
}

var clusterRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a clustering pass now",
	Long: `Run a clustering pass now. Unset flags use the server's configuration.

Examples:
  feedweave cluster run
  feedweave cluster run --scope alice --window 24h --threshold 0.7
  feedweave cluster run --keyword-fallback`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var p clusterRunParams
		p.UserID, _ = cmd.Flags().GetString("scope")
		window, _ := cmd.Flags().GetDuration("window")
		if window > 0 {
			p.Window = window.String()
		}
		p.Threshold, _ = cmd.Flags().GetFloat64("threshold")
		p.MinSources, _ = cmd.Flags().GetInt("min-sources")
		p.MinArticles, _ = cmd.Flags().GetInt("min-articles")
		p.KeywordFallback, _ = cmd.Flags().GetBool("keyword-fallback")
		if p.Threshold < 0 || p.Threshold > 1 {
			return fmt.Errorf("--threshold must be within [0, 1]")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runClustering(cmd.Context(), client, p)
		if err != nil {
			return err
		}
		scope := res.Scope
		if scope == "" {
			scope = "global"
		}
		printSuccess("%d clusters for %s scope", len(res.Clusters), scope)
		printStatus("Candidates", "%d", res.Candidates)
		printStatus("Groups", "%d (%d discarded, %d stale)", res.Groups, res.Discarded, res.Stale)
		printStatus("Replaced", "%d", res.Replaced)
		printClusters(res.Clusters)
		return nil
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live clusters by relevance",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		clusters, err := listClusters(cmd.Context(), client, scope, all, limit)
		if err != nil {
			return err
		}
		if len(clusters) == 0 {
			printStatus("Clusters", "none")
			return nil
		}
		printClusters(clusters)
		return nil
	},
}

var clusterShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show a cluster with its member articles as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/clusters/"+args[0])
		if err != nil {
			return err
		}
		var detail any
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		return printJSON(os.Stdout, detail)
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete <cluster-id>",
	Short: "Delete a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/clusters/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted cluster %s", args[0])
		return nil
	},
}

func init() {
	clusterRunCmd.Flags().String("scope", "", "user scope (global when empty)")
	clusterRunCmd.Flags().Duration("window", 0, "lookback window, e.g. 48h")
	clusterRunCmd.Flags().Float64("threshold", 0, "cosine similarity threshold in [0, 1]")
	clusterRunCmd.Flags().Int("min-sources", 0, "minimum distinct feeds per cluster")
	clusterRunCmd.Flags().Int("min-articles", 0, "minimum articles per cluster")
	clusterRunCmd.Flags().Bool("keyword-fallback", false, "group articles without embeddings by keyword overlap")

	clusterListCmd.Flags().String("scope", "", "user scope (global when empty)")
	clusterListCmd.Flags().Bool("all", false, "list clusters of every scope")
	clusterListCmd.Flags().Int("limit", 0, "maximum number of clusters")

	clusterCmd.AddCommand(clusterRunCmd, clusterListCmd, clusterShowCmd, clusterDeleteCmd)
}

// --- sweep ---

func runSweep(ctx context.Context, c *apiClient) (int, error) {
	resp, err := c.post(ctx, "/api/clusters/sweep", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := runSweep(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d expired clusters", n)
		return nil
	},
}

// --- similar ---

func findSimilar(ctx context.Context, c *apiClient, articleID, userID string) (similarResult, error) {
	var out similarResult
	path := withQuery("/api/articles/"+articleID+"/similar", map[string]string{"user_id": userID})
	resp, err := c.get(ctx, path)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

var similarCmd = &cobra.Command{
	Use:   "similar <article-id>",
	Short: "Find articles similar to the given one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all-users")
		userID := ""
		if !all {
			u, err := userFlag(cmd)
			if err != nil {
				return err
			}
			userID = u
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := findSimilar(cmd.Context(), client, args[0], userID)
		if err != nil {
			return err
		}
		if len(res.Articles) == 0 {
			msg := res.Message
			if msg == "" {
				msg = "no similar articles"
			}
			printStatus("Similar", "%s", msg)
			return nil
		}
		for _, a := range res.Articles {
			fmt.Printf("%s  %s\n     %s\n", colorize(colorCyan, fmt.Sprintf("%.3f", a.Score)), a.Title, a.URL)
		}
		return nil
	},
}

func init() {
	similarCmd.Flags().Bool("all-users", false, "search every feed instead of the user's subscriptions")
}

// --- health ---

func getFeedHealth(ctx context.Context, c *apiClient, feedID string, days int) (feedHealth, error) {
	var out feedHealth
	path := withQuery("/api/feeds/"+feedID+"/health", map[string]string{"days": limitParam(days)})
	resp, err := c.get(ctx, path)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func getAllFeedHealth(ctx context.Context, c *apiClient, userID string) ([]feedHealth, error) {
	resp, err := c.get(ctx, withQuery("/api/feeds/health", map[string]string{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	var out []feedHealth
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var healthCmd = &cobra.Command{
	Use:   "health [feed-id]",
	Short: "Show sync health for one feed or all of the user's feeds",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var stats []feedHealth
		if len(args) == 1 {
			days, _ := cmd.Flags().GetInt("days")
			h, err := getFeedHealth(cmd.Context(), client, args[0], days)
			if err != nil {
				return err
			}
			stats = []feedHealth{h}
		} else {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			if stats, err = getAllFeedHealth(cmd.Context(), client, userID); err != nil {
				return err
			}
		}

		tw := newTable()
		fmt.Fprintln(tw, "FEED\tSTATUS\tSYNCS\tSUCCESS\tAVG\tFAILURES\tLAST ERROR")
		for _, h := range stats {
			name := h.Title
			if name == "" {
				name = h.FeedID
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.0fms\t%d\t%s\n",
				name, h.Status, h.TotalSyncs, percent(h.SuccessRate), h.AvgDurationMs, h.ConsecutiveFailures, h.LastError)
		}
		return tw.Flush()
	},
}

func init() {
	healthCmd.Flags().Int("days", 0, "history window in days for a single feed")
}

// --- feeds ---

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage feed subscriptions",
}

var feedsAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe to a feed",
	Long: `Subscribe to a feed.

Examples:
  feedweave feeds add https://example.com/rss.xml
  feedweave feeds add https://example.com --discover --priority high
  feedweave feeds add https://example.com/atom.xml --interval 2h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd)
		if err != nil {
			return err
		}
		title, _ := cmd.Flags().GetString("title")
		priority, _ := cmd.Flags().GetString("priority")
		interval, _ := cmd.Flags().GetDuration("interval")
		discover, _ := cmd.Flags().GetBool("discover")

		req := map[string]any{
			"user_id":  userID,
			"url":      args[0],
			"discover": discover,
		}
		if title != "" {
			req["title"] = title
		}
		if priority != "" {
			req["priority"] = priority
		}
		if interval > 0 {
			req["interval"] = interval.String()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/feeds", req)
		if err != nil {
			return err
		}
		var f feedRow
		if err := decodeJSON(resp, &f); err != nil {
			return err
		}
		printSuccess("Subscribed to %s (%s)", f.URL, f.ID)
		return nil
	},
}

func importFeeds(ctx context.Context, c *apiClient, userID string, data []byte, discover bool) (importSummary, error) {
	var out importSummary
	params := map[string]string{"user_id": userID}
	if discover {
		params["discover"] = "true"
	}
	resp, err := c.postRaw(ctx, withQuery("/api/feeds/import", params), "application/yaml", data)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

var feedsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Subscribe to every feed listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd)
		if err != nil {
			return err
		}
		discover, _ := cmd.Flags().GetBool("discover")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := importFeeds(cmd.Context(), client, userID, data, discover)
		if err != nil {
			return err
		}
		printSuccess("Imported %d feeds (%d already subscribed)", res.Added, res.Existing)
		for _, f := range res.Failed {
			printWarning("%s: %s", f.URL, f.Error)
		}
		return nil
	},
}

func listFeeds(ctx context.Context, c *apiClient, userID string) ([]feedRow, error) {
	resp, err := c.get(ctx, withQuery("/api/feeds", map[string]string{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	var out []feedRow
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user's feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		feeds, err := listFeeds(cmd.Context(), client, userID)
		if err != nil {
			return err
		}
		if len(feeds) == 0 {
			printStatus("Feeds", "none")
			return nil
		}

		tw := newTable()
		fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tPRIORITY\tINTERVAL\tNEXT SYNC")
		for _, f := range feeds {
			interval := f.SyncInterval
			if f.IntervalOverride {
				interval += "*"
			}
			next := "-"
			if f.NextSyncAt != nil {
				next = f.NextSyncAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.Title, f.Status, f.Priority, interval, next)
		}
		return tw.Flush()
	},
}

// updateFeed sends a partial update for one feed.
func updateFeed(ctx context.Context, c *apiClient, feedID string, body map[string]any) error {
	resp, err := c.patch(ctx, "/api/feeds/"+feedID, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func feedUpdateCmd(use, short string, nargs int, body func(args []string) (map[string]any, error), done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := body(args)
			if err != nil {
				return err
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := updateFeed(cmd.Context(), client, args[0], b); err != nil {
				return err
			}
			printSuccess(done, args[0])
			return nil
		},
	}
}

var feedsPriorityCmd = feedUpdateCmd("priority <feed-id> <high|medium|low>", "Set a feed's priority tier", 2,
	func(args []string) (map[string]any, error) {
		p := strings.ToLower(args[1])
		switch p {
		case "high", "medium", "low":
			return map[string]any{"priority": p}, nil
		}
		return nil, fmt.Errorf("priority must be high, medium or low")
	}, "Updated priority of %s")

var feedsIntervalCmd = feedUpdateCmd("interval <feed-id> <duration|tier>", "Override a feed's sync interval, or reset it to the tier default", 2,
	func(args []string) (map[string]any, error) {
		if args[1] == "tier" {
			return map[string]any{"interval": "tier"}, nil
		}
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid interval %q", args[1])
		}
		return map[string]any{"interval": d.String()}, nil
	}, "Updated interval of %s")

var feedsPauseCmd = feedUpdateCmd("pause <feed-id>", "Stop syncing a feed", 1,
	func([]string) (map[string]any, error) { return map[string]any{"paused": true}, nil },
	"Paused %s")

var feedsResumeCmd = feedUpdateCmd("resume <feed-id>", "Resume syncing a feed and clear its failures", 1,
	func([]string) (map[string]any, error) { return map[string]any{"paused": false}, nil },
	"Resumed %s")

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove <feed-id>",
	Short: "Unsubscribe from a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/feeds/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed feed %s", args[0])
		return nil
	},
}

func init() {
	feedsAddCmd.Flags().String("title", "", "display title")
	feedsAddCmd.Flags().String("priority", "", "priority tier: high, medium or low")
	feedsAddCmd.Flags().Duration("interval", 0, "sync interval override, e.g. 2h")
	feedsAddCmd.Flags().Bool("discover", false, "treat the URL as a web page and discover its feed")
	feedsImportCmd.Flags().Bool("discover", false, "discover feeds for page URLs")

	feedsCmd.AddCommand(feedsAddCmd, feedsImportCmd, feedsListCmd, feedsRemoveCmd,
		feedsPriorityCmd, feedsIntervalCmd, feedsPauseCmd, feedsResumeCmd)
}

// --- dead letters ---

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue failed embeddings",
}

func listDeadLetters(ctx context.Context, c *apiClient, limit int) ([]deadLetterRow, error) {
	resp, err := c.get(ctx, withQuery("/api/deadletters", map[string]string{"limit": limitParam(limit)}))
	if err != nil {
		return nil, err
	}
	var out []deadLetterRow
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered items",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		items, err := listDeadLetters(cmd.Context(), client, limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			printSuccess("Dead-letter queue is empty")
			return nil
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tOPERATION\tATTEMPTS\tLAST ATTEMPT\tERROR")
		for _, d := range items {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Operation, d.Attempts, d.LastAttemptAt.Local().Format(time.DateTime), d.Error)
		}
		return tw.Flush()
	},
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Put a dead-lettered article back on the embedding queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/deadletters/"+args[0]+"/requeue", nil)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Requeued article %s", out["article_id"])
		return nil
	},
}

func init() {
	deadLettersListCmd.Flags().Int("limit", 0, "maximum number of items")
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersRequeueCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		printStep("Restart feedweave serve for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
