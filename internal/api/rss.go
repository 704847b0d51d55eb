package api

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/storage"
)

const rssClusterLimit = 50

// handleClustersRSS renders the current global clusters as RSS 2.0. Each
// item links to the cluster's newest article.
func handleClustersRSS(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clusters, err := deps.Service.GetClusters(ctx, clustering.ListOptions{Limit: rssClusterLimit})
		if err != nil {
			failWith(w, err, "clusters")
			return
		}

		members := make(map[string][]storage.Article, len(clusters))
		for _, c := range clusters {
			_, arts, err := deps.Service.GetCluster(ctx, c.ID)
			if err != nil {
				failWith(w, err, "cluster")
				return
			}
			members[c.ID] = arts
		}

		body, err := renderClustersRSS(deps.FeedLink, clusters, members, time.Now().UTC())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rendering feed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Write([]byte(body))
	}
}

func renderClustersRSS(link string, clusters []storage.Cluster, members map[string][]storage.Article, now time.Time) (string, error) {
	if link == "" {
		link = "http://localhost/"
	}
	feed := &feeds.Feed{
		Title:       "feedweave stories",
		Description: "Stories covered by several sources",
		Link:        &feeds.Link{Href: link, Rel: "self", Type: "text/html"},
		Created:     now,
		Updated:     now,
	}
	for _, c := range clusters {
		arts := members[c.ID]
		item := &feeds.Item{
			Title:       c.Title,
			Id:          "cluster:" + c.ID,
			Description: clusterDescription(c, arts),
			Created:     c.CreatedAt,
			Updated:     c.TimeframeEnd,
		}
		if len(arts) > 0 && arts[0].URL != "" {
			item.Link = &feeds.Link{Href: arts[0].URL, Rel: "alternate", Type: "text/html"}
		} else {
			item.Link = &feeds.Link{Href: link}
		}
		feed.Items = append(feed.Items, item)
	}
	return feed.ToRss()
}

func clusterDescription(c storage.Cluster, arts []storage.Article) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<p>%s</p><ul>", html.EscapeString(c.Summary))
	for _, a := range arts {
		if a.URL != "" {
			fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, html.EscapeString(a.URL), html.EscapeString(a.Title))
		} else {
			fmt.Fprintf(&sb, "<li>%s</li>", html.EscapeString(a.Title))
		}
	}
	sb.WriteString("</ul>")
	return sb.String()
}
