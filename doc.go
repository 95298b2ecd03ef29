/*
Package harvestctl is a concurrent, multi-site web crawler and downloader.

harvestctl routes user-supplied URLs to per-site scrapers, walks each
site's logical structure (albums, profiles, forum threads) to discover
media items, and transfers those items to local storage with rate
limiting, deduplication, request caching, and resumable downloads.

The main packages are:

	github.com/harvestctl/harvestctl/internal/httpclient  - HTTP client layer (cookies, cache, challenge solver)
	github.com/harvestctl/harvestctl/internal/cache        - persistent request cache
	github.com/harvestctl/harvestctl/internal/ratelimit    - per-host token buckets and download semaphores
	github.com/harvestctl/harvestctl/internal/cookiejar    - shared, seedable cookie store
	github.com/harvestctl/harvestctl/internal/challenge    - anti-bot challenge-solver adapter
	github.com/harvestctl/harvestctl/internal/history      - completed/failed download ledger
	github.com/harvestctl/harvestctl/internal/download     - resumable download engine
	github.com/harvestctl/harvestctl/internal/engine       - site-scraper interface and dispatcher
	github.com/harvestctl/harvestctl/internal/model        - ScrapeItem/DownloadItem data model
	github.com/harvestctl/harvestctl/internal/config       - engine settings
	github.com/harvestctl/harvestctl/cmd/harvestctl        - command-line interface
*/
package harvestctl
