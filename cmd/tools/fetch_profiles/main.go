// Command fetch_profiles dumps the current userpage text of every tracked
// nominator to a JSON file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/nominator-track-go/internal/app"
	"github.com/kapu/nominator-track-go/internal/config"
	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/service/tracker"
)

const delayBetween = 350 * time.Millisecond

type profileEntry struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	DefaultGroup string `json:"default_group"`
	Raw          string `json:"raw"`
}

func main() {
	outputFile := flag.String("out", "data/profiles_raw.json", "output JSON file")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	client, err := app.NewOsuClient(ctx, cfg, logger, app.Console{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		logger.Fatal("failed to create osu! client", zap.Error(err))
	}

	tiers := []tracker.TierGroup{
		{Tier: domain.TierProbation, GroupID: cfg.Osu.ProbationGroupID},
		{Tier: domain.TierFull, GroupID: cfg.Osu.FullGroupID},
	}

	profiles := make(map[domain.Tier][]profileEntry, len(tiers))
	total := 0
	for _, tg := range tiers {
		users, err := client.FetchGroupMembers(ctx, tg.GroupID)
		if err != nil {
			logger.Fatal("failed to fetch group members", zap.Int("group_id", tg.GroupID), zap.Error(err))
		}

		for idx, user := range users {
			logger.Info("Fetching userpage",
				zap.String("tier", tg.Tier.String()),
				zap.Int("index", idx+1),
				zap.String("username", user.Username))

			raw, err := client.FetchUserProfileText(ctx, user.ID)
			if err != nil {
				logger.Error("failed to fetch userpage", zap.Int64("user_id", user.ID), zap.Error(err))
				continue
			}

			profiles[tg.Tier] = append(profiles[tg.Tier], profileEntry{
				ID:           user.ID,
				Username:     user.Username,
				DefaultGroup: user.DefaultGroup,
				Raw:          raw,
			})
			total++
			time.Sleep(delayBetween)
		}
	}

	if total == 0 {
		logger.Fatal("no profiles fetched")
	}

	if err := writeProfiles(*outputFile, profiles); err != nil {
		logger.Fatal("failed to write profiles", zap.Error(err))
	}

	logger.Info("Profile fetch completed", zap.Int("count", total), zap.String("output", *outputFile))
}

func writeProfiles(path string, profiles map[domain.Tier][]profileEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return err
	}
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, path)
}
