package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"p3server/internal/registry"
	"p3server/internal/xfer"
)

// RunMetrics logs a periodic snapshot of online population, chat
// membership, and in-flight transfers until ctx is canceled.
func RunMetrics(ctx context.Context, reg *registry.UserRegistry, downloads *xfer.DownloadRegistry, uploads *xfer.UploadRegistry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := reg.OnlineCount()
			inChat := len(reg.GetOrderedChatMembers())

			var xferBytes int64
			var dlCount, ulCount int
			if downloads != nil {
				snaps := downloads.Snapshot()
				dlCount = len(snaps)
				for _, d := range snaps {
					xferBytes += d.FileSize
				}
			}
			if uploads != nil {
				snaps := uploads.Snapshot()
				ulCount = len(snaps)
				for _, u := range snaps {
					xferBytes += u.Received
				}
			}

			if online == 0 && dlCount == 0 && ulCount == 0 {
				continue
			}
			log.Printf("[metrics] online=%d in_chat=%d downloads=%d uploads=%d xfer=%s",
				online, inChat, dlCount, ulCount, humanize.Bytes(uint64(xferBytes)))
		}
	}
}
