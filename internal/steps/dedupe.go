package steps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shaiso/Harvester/internal/bulk"
	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// VenueMergeSpec - слияние площадок: события и алиасы дубликата
// переезжают на основную площадку.
var VenueMergeSpec = bulk.MergeSpec{
	Entity: "venues",
	Table:  "venues",
	Children: []bulk.ChildRef{
		{Table: "events", Column: "venue_id", UniqueColumns: []string{"source_url"}},
		{Table: "venue_aliases", Column: "venue_id", UniqueColumns: []string{"alias"}},
	},
}

// VenueAliasSpec - алиасы площадок, ключ - нормализованное имя.
var VenueAliasSpec = bulk.TableSpec{
	Table:           "venue_aliases",
	Columns:         []string{"alias", "venue_id"},
	ConflictColumns: []string{"alias"},
}

// findDuplicatesSQL - группы площадок с одинаковым нормализованным
// именем. Основная площадка - с минимальным id.
const findDuplicatesSQL = `
	SELECT lower(trim(name)) AS norm,
	       array_agg(id ORDER BY id),
	       array_agg(name ORDER BY id)
	FROM venues
	GROUP BY lower(trim(name))
	HAVING count(*) > 1
	ORDER BY norm
	LIMIT $1
`

// VenueGroup - группа площадок-дубликатов.
type VenueGroup struct {
	Norm  string
	IDs   []int64 // IDs[0] - основная площадка
	Names []string
}

// DedupeStats - итог venue_dedupe.
type DedupeStats struct {
	Groups     int
	Merged     int
	Moved      int64
	Duplicates int64
	Aliases    int64
	Degraded   int
}

// VenueDedupe - встроенный исполнитель шага venue_dedupe.
//
// Находит группы дубликатов пачками по dedupe_batch_size, сливает
// их через bulk.Facade не более чем в dedupe_workers потоков и
// записывает имена дубликатов как алиасы основной площадки.
// Пачки разделены паузой enrich_cooldown_seconds.
type VenueDedupe struct {
	db     repo.DB
	bulk   *bulk.Facade
	logger *slog.Logger
}

// NewVenueDedupe создаёт исполнитель venue_dedupe.
func NewVenueDedupe(db repo.DB, facade *bulk.Facade, logger *slog.Logger) *VenueDedupe {
	if logger == nil {
		logger = slog.Default()
	}
	return &VenueDedupe{db: db, bulk: facade, logger: logger}
}

// Run реализует Unit.
func (d *VenueDedupe) Run(ctx context.Context, run *domain.Run, out io.Writer) error {
	batchSize := run.Limit(domain.LimitDedupeBatchSize)
	workers := run.Limit(domain.LimitDedupeWorkers)
	cooldown := time.Duration(run.Limit(domain.LimitEnrichCooldownSeconds)) * time.Second

	logger := telemetry.WithStep(telemetry.WithRunID(d.logger, run.ID.String()), StepVenueDedupe)
	limiter := rate.NewLimiter(rate.Every(cooldown), 1)

	var total DedupeStats
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		groups, err := d.FindGroups(ctx, batchSize)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			break
		}

		stats, err := d.mergeGroups(ctx, groups, workers)
		total.add(stats)
		fmt.Fprintf(out, "batch: groups=%d merged=%d moved=%d duplicates=%d aliases=%d\n",
			stats.Groups, stats.Merged, stats.Moved, stats.Duplicates, stats.Aliases)
		if err != nil {
			return err
		}
		if len(groups) < batchSize {
			break
		}
	}

	logger.Info("venue dedupe finished",
		"groups", total.Groups,
		"merged", total.Merged,
		"moved", total.Moved,
		"duplicates", total.Duplicates,
		"degraded", total.Degraded,
	)
	fmt.Fprintf(out, "done: groups=%d merged=%d moved=%d duplicates=%d aliases=%d degraded=%d\n",
		total.Groups, total.Merged, total.Moved, total.Duplicates, total.Aliases, total.Degraded)
	return nil
}

// FindGroups возвращает до limit групп дубликатов.
func (d *VenueDedupe) FindGroups(ctx context.Context, limit int) ([]VenueGroup, error) {
	rows, err := d.db.Query(ctx, findDuplicatesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("find duplicate venues: %w", err)
	}
	defer rows.Close()

	var groups []VenueGroup
	for rows.Next() {
		var g VenueGroup
		if err := rows.Scan(&g.Norm, &g.IDs, &g.Names); err != nil {
			return nil, fmt.Errorf("scan venue group: %w", err)
		}
		if len(g.IDs) < 2 {
			continue
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate venue groups: %w", err)
	}
	return groups, nil
}

// mergeGroups сливает группы параллельно; первая ошибка
// отменяет остальные слияния.
func (d *VenueDedupe) mergeGroups(ctx context.Context, groups []VenueGroup, workers int) (DedupeStats, error) {
	var (
		mu    sync.Mutex
		stats = DedupeStats{Groups: len(groups)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, group := range groups {
		g.Go(func() error {
			s, err := d.mergeGroup(gctx, group)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return stats, err
}

// mergeGroup сливает все дубликаты группы в IDs[0].
func (d *VenueDedupe) mergeGroup(ctx context.Context, group VenueGroup) (DedupeStats, error) {
	var stats DedupeStats
	primary := group.IDs[0]

	aliases := make([][]any, 0, len(group.IDs))
	aliases = append(aliases, []any{group.Norm, primary})

	for i, dup := range group.IDs[1:] {
		res, err := d.bulk.BulkMerge(ctx, VenueMergeSpec, primary, dup)
		if err != nil {
			return stats, fmt.Errorf("merge venue %d into %d: %w", dup, primary, err)
		}
		stats.Merged++
		if res.Degraded {
			stats.Degraded++
		}
		for _, n := range res.Moved {
			stats.Moved += n
		}
		for _, n := range res.DuplicateCounts {
			stats.Duplicates += n
		}
		if name := group.Names[i+1]; name != group.Norm {
			aliases = append(aliases, []any{name, primary})
		}
	}

	res, err := d.bulk.BulkUpsert(ctx, VenueAliasSpec, aliases)
	if err != nil {
		return stats, fmt.Errorf("record aliases for venue %d: %w", primary, err)
	}
	stats.Aliases = res.Inserted
	if res.Degraded {
		stats.Degraded++
	}
	return stats, nil
}

func (s *DedupeStats) add(o DedupeStats) {
	s.Groups += o.Groups
	s.Merged += o.Merged
	s.Moved += o.Moved
	s.Duplicates += o.Duplicates
	s.Aliases += o.Aliases
	s.Degraded += o.Degraded
}
