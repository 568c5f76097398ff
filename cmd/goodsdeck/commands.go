package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/scraper"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/spf13/cobra"
)

func (c *cli) scrapeCmd() *cobra.Command {
	var (
		sources  string
		maxItems int
	)
	cmd := &cobra.Command{
		Use:   "scrape [keyword]",
		Short: "Scrape one keyword, or every tracked keyword when none is given",
		Long: `Without arguments every tracked keyword is scraped in priority order.
With a keyword argument only that keyword is scraped; it is added to the
tracked list first when it does not exist yet.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := c.app
			if maxItems <= 0 {
				maxItems = a.Config.Scrape.MaxItemsPerSource
			}

			if len(args) == 0 {
				res, err := a.Scraper.RunAll(ctx, a.Coord, maxItems)
				fmt.Fprintf(cmd.OutOrStdout(), "keywords: %d  scraped: %d  new: %d\n", res.Keywords, res.TotalScraped, res.TotalSaved)
				return err
			}

			kw, err := a.Store.FindKeyword(ctx, args[0])
			if errors.Is(err, store.ErrKeywordNotFound) {
				kw, err = a.Store.AddKeyword(ctx, args[0], sources, nil)
			}
			if err != nil {
				return err
			}
			ref := scraper.KeywordRef{ID: &kw.ID, Text: kw.Keyword, Sources: kw.Sources()}
			if sources != "" {
				ref.Sources = model.ParseSourceSet(sources)
			}
			res, err := a.Scraper.ScrapeKeyword(ctx, ref, maxItems)
			printResult(cmd, kw.Keyword, res)
			return err
		},
	}
	cmd.Flags().StringVarP(&sources, "source", "s", "", `source set: all, both, or a list like "mercari,yahoo"`)
	cmd.Flags().IntVarP(&maxItems, "max-items", "n", 0, "max new items per source (default scrape.max_items_per_source)")
	return cmd
}

func printResult(cmd *cobra.Command, keyword string, res scraper.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: scraped %d, new %d\n", keyword, res.Scraped, res.Saved)
	kinds := make([]string, 0, len(res.Stops))
	for k := range res.Stops {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-8s %s\n", k, res.Stops[model.SourceKind(k)])
	}
}

func (c *cli) keywordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keywords",
		Aliases: []string{"kw"},
		Short:   "Manage tracked keywords",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kws, err := c.app.Store.ListKeywords(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEYWORD\tSOURCES\tITEMS\tLAST SCRAPED")
			for _, kw := range kws {
				last := "-"
				if kw.LastScrapedAt != nil {
					last = kw.LastScrapedAt.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", kw.ID, kw.Keyword, kw.Source, kw.ItemCount, last)
			}
			return w.Flush()
		},
	}

	var sources string
	add := &cobra.Command{
		Use:   "add <keyword>",
		Short: "Track a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kw, err := c.app.Store.AddKeyword(cmd.Context(), args[0], sources, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keyword %d: %s (%s)\n", kw.ID, kw.Keyword, kw.Source)
			return nil
		},
	}
	add.Flags().StringVarP(&sources, "source", "s", "both", "source set")

	remove := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Stop tracking a keyword and drop its unseen items",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := c.app.Store.DeleteKeyword(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keyword %d removed\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func (c *cli) blocklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocklist",
		Short: "Manage blocked categories",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List blocked categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := c.app.Store.ListBlocklist(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tNAME\tKEYWORD")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.CategoryID, deref(e.CategoryName), deref(e.Keyword))
			}
			return w.Flush()
		},
	}

	var keywordID uint
	add := &cobra.Command{
		Use:   "add <category_id>",
		Short: "Block a category and hide its unseen items",
		Example: `  goodsdeck blocklist add mercari:1
  goodsdeck blocklist add yahoo:2084005403 --keyword 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kwID *uint
			if keywordID > 0 {
				kwID = &keywordID
			}
			entry, hidden, err := c.app.Store.AddToBlocklist(cmd.Context(), args[0], kwID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocklist entry %d added, %d items hidden\n", entry.ID, hidden)
			return nil
		},
	}
	add.Flags().UintVarP(&keywordID, "keyword", "k", 0, "limit the block to one keyword id")

	remove := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a blocklist entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := c.app.Store.RemoveFromBlocklist(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocklist entry %d removed\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item and keyword counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.app.Store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "items\t%d\n", st.TotalItems)
			fmt.Fprintf(w, "unseen\t%d\n", st.UnseenItems)
			fmt.Fprintf(w, "saved\t%d\n", st.SavedItems)
			fmt.Fprintf(w, "hidden\t%d\n", st.HiddenItems)
			fmt.Fprintf(w, "rated\t%d\n", st.RatedItems)
			fmt.Fprintf(w, "keywords\t%d\n", st.TotalKeywords)
			for _, kind := range model.AllSources() {
				fmt.Fprintf(w, "  %s\t%d\n", kind, st.BySource[string(kind)])
			}
			return w.Flush()
		},
	}
}

func (c *cli) mockCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "mock <keyword>",
		Short: "Insert generated items for a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kw, err := c.app.Store.AddKeyword(ctx, args[0], "", nil)
			if err != nil {
				return err
			}
			items := source.GenerateMockItems(kw.Keyword, count)
			saved, err := c.app.Store.SaveScrapedItems(ctx, items, &kw.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: generated %d, saved %d\n", kw.Keyword, len(items), saved)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of items")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <url>...",
		Short: "Import items by listing url and mark them saved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := c.app.Importer.ImportURLs(cmd.Context(), args)
			failed := 0
			for _, r := range results {
				if r.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "ok    %s  #%d %s\n", r.URL, r.ItemID, r.Title)
					continue
				}
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "fail  %s  %s\n", r.URL, r.Error)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d imports failed", failed, len(results))
			}
			return nil
		},
	}
}

func (c *cli) enrichCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Fetch details for items missing description or images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			n, err := c.app.Enricher.EnqueueMissing(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d items\n", n)
			if n == 0 {
				return nil
			}
			return c.app.Enricher.Flush(ctx)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max items to enrich")
	return cmd
}

func parseID(s string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(v), nil
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
