package db

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Seed inserts demo data into the canopy-ads database: a handful of draft
// campaigns ready to launch plus one campaign already monitoring, with
// variants, a running experiment and a day of synthetic metric history.
func Seed(ctx context.Context, db *pgxpool.Pool) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	owners := []string{"greenleaf-dispensary", "highgarden-collective", "emerald-coast-farms"}
	names := []string{
		"Spring Wellness Push",
		"New Strain Launch",
		"Loyalty Weekend",
		"Edibles Awareness",
		"Harvest Season Promo",
	}

	// draft campaigns, ready to launch through the API
	for i, name := range names {
		id := uuid.NewString()
		owner := owners[i%len(owners)]
		budget := int64((i + 1)) * 5_000_000_000 // 5000 USD steps in micros
		platforms := []string{"weedmaps", "leafly"}
		if i%2 == 0 {
			platforms = append(platforms, "facebook")
		}
		_, err := db.Exec(ctx, `INSERT INTO campaigns
    (id, owner, name, budget_micros, currency, platforms, state, paused,
     run_duration, created_at, updated_at)
VALUES ($1,$2,$3,$4,'USD',$5,'draft',FALSE,$6,now(),now()) ON CONFLICT DO NOTHING`,
			id, owner, name, budget, platforms, (72 * time.Hour).Nanoseconds())
		if err != nil {
			return err
		}
	}

	// one campaign mid-flight so the experiments and stats endpoints have
	// data to show immediately
	campaignID := uuid.NewString()
	started := time.Now().Add(-24 * time.Hour)
	_, err := db.Exec(ctx, `INSERT INTO campaigns
    (id, owner, name, budget_micros, currency, platforms, state, paused,
     run_duration, started_at, created_at, updated_at)
VALUES ($1,$2,'Flower Friday Flash Sale',20000000000,'USD',$3,'monitoring',FALSE,$4,$5,$5,now())
ON CONFLICT DO NOTHING`,
		campaignID, owners[0], []string{"weedmaps", "leafly"}, (96 * time.Hour).Nanoseconds(), started)
	if err != nil {
		return err
	}

	for _, platform := range []string{"weedmaps", "leafly"} {
		_, err = db.Exec(ctx, `INSERT INTO platform_runs
    (campaign_id, platform, state, attempts, updated_at)
VALUES ($1,$2,'monitoring',1,now()) ON CONFLICT DO NOTHING`, campaignID, platform)
		if err != nil {
			return err
		}

		variantIDs := make([]string, 0, 2)
		for _, strategy := range []string{"wellness_angle", "community_focus"} {
			vid := uuid.NewString()
			variantIDs = append(variantIDs, vid)
			headline := fmt.Sprintf("Flower Friday on %s", platform)
			body := "Celebrate the weekend with our curated flower menu. Lab-tested, locally grown, ready for pickup."
			_, err = db.Exec(ctx, `INSERT INTO variants
    (id, campaign_id, platform, headline, body, strategy, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
				vid, campaignID, platform, headline, body, strategy, started)
			if err != nil {
				return err
			}
			_, err = db.Exec(ctx, `INSERT INTO compliance_results
    (variant_id, campaign_id, platform, score, verdict, evaluated_at)
VALUES ($1,$2,$3,1.0,'approved',$4)`, vid, campaignID, platform, started)
			if err != nil {
				return err
			}
		}

		expID := uuid.NewString()
		_, err = db.Exec(ctx, `INSERT INTO experiments
    (id, campaign_id, platform, variant_ids, started_at, min_sample, confidence,
     max_duration, state)
VALUES ($1,$2,$3,$4,$5,1000,0.95,$6,'running') ON CONFLICT DO NOTHING`,
			expID, campaignID, platform, variantIDs, started, (168 * time.Hour).Nanoseconds())
		if err != nil {
			return err
		}

		// hourly snapshots per variant, rolled up into variant_stats
		for vi, vid := range variantIDs {
			var impressions, clicks, conversions, spend int64
			for hour := 0; hour < 24; hour++ {
				windowStart := started.Add(time.Duration(hour) * time.Hour)
				imp := int64(400 + r.Intn(200))
				// first variant clicks a little better, so a winner emerges
				clk := imp * int64(30+10*(1-vi)+r.Intn(10)) / 1000
				conv := clk / int64(8+r.Intn(5))
				cost := imp * int64(900+r.Intn(200))
				key := fmt.Sprintf("%s|%d", vid, windowStart.Unix())
				_, err = db.Exec(ctx, `INSERT INTO processed_snapshots
    (dedupe_key, variant_id, campaign_id, platform, window_start, window_end,
     impressions, clicks, conversions, spend_micros)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT DO NOTHING`,
					key, vid, campaignID, platform, windowStart, windowStart.Add(time.Hour),
					imp, clk, conv, cost)
				if err != nil {
					return err
				}
				impressions += imp
				clicks += clk
				conversions += conv
				spend += cost
			}
			_, err = db.Exec(ctx, `INSERT INTO variant_stats
    (experiment_id, variant_id, impressions, clicks, conversions, spend_micros)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (experiment_id, variant_id) DO UPDATE SET
    impressions = EXCLUDED.impressions, clicks = EXCLUDED.clicks,
    conversions = EXCLUDED.conversions, spend_micros = EXCLUDED.spend_micros`,
				expID, vid, impressions, clicks, conversions, spend)
			if err != nil {
				return err
			}
		}
	}

	_, err = db.Exec(ctx, `INSERT INTO events (campaign_id, kind, message, at)
VALUES ($1,'transition','campaign entered monitoring',$2)`, campaignID, started)
	return err
}
