package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashmap-kz/raygo/internal/metrics"
	"github.com/hashmap-kz/storecrypt/pkg/storage"
	"github.com/robfig/cron/v3"
)

const snapshotTsLayout = "20060102150405"

// SnapshotDoc is the on-storage format of one control-store snapshot.
type SnapshotDoc struct {
	ClusterName string                       `json:"cluster_name"`
	TakenAt     time.Time                    `json:"taken_at"`
	Data        map[string]map[string][]byte `json:"data"`
}

type SnapshotterOpts struct {
	ClusterName string
	Cron        string
	KeepLast    int
}

// Snapshotter periodically dumps the whole control store to a storage
// backend and prunes old snapshots past keep_last.
type Snapshotter struct {
	l     *slog.Logger
	mu    sync.Mutex
	store Store
	stor  storage.Storage
	opts  *SnapshotterOpts
	cron  *cron.Cron
	now   func() time.Time
}

func NewSnapshotter(store Store, stor storage.Storage, opts *SnapshotterOpts) *Snapshotter {
	return &Snapshotter{
		l:     slog.With(slog.String("component", "gcs-snapshotter")),
		store: store,
		stor:  stor,
		opts:  opts,
		now:   time.Now,
	}
}

func (u *Snapshotter) log() *slog.Logger {
	if u.l != nil {
		return u.l
	}
	return slog.With(slog.String("component", "gcs-snapshotter"))
}

// Run installs the schedule and starts the cron.
// POSIX compatible cron syntax: "* * * * *". Without support of seconds.
func (u *Snapshotter) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))

	_, err := c.AddFunc(u.opts.Cron, func() {
		u.log().Info("starting scheduled control-store snapshot")
		if err := u.RunOnce(ctx); err != nil {
			u.log().Error("snapshot failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("cannot schedule snapshots with cron %q: %w", u.opts.Cron, err)
	}

	u.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule; a snapshot already in flight finishes.
func (u *Snapshotter) Stop() {
	if u.cron != nil {
		u.cron.Stop()
	}
}

// RunOnce dumps every namespace into one JSON document, uploads it under a
// timestamp name and applies count-based retention.
func (u *Snapshotter) RunOnce(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()

	doc, err := u.collect(ctx)
	if err != nil {
		metrics.M.AddSnapshotErrors()
		return fmt.Errorf("collect snapshot: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		metrics.M.AddSnapshotErrors()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	name := doc.TakenAt.Format(snapshotTsLayout) + ".json"
	if err := u.stor.Put(ctx, name, bytes.NewReader(data)); err != nil {
		metrics.M.AddSnapshotErrors()
		return fmt.Errorf("upload snapshot %s: %w", name, err)
	}

	u.log().Info("snapshot uploaded",
		slog.String("path", name),
		slog.Int("bytes", len(data)),
		slog.Duration("took", time.Since(start)),
	)
	metrics.M.AddSnapshotRuns()
	metrics.M.ObserveSnapshotDuration(time.Since(start).Seconds())

	return u.performRetention(ctx)
}

func (u *Snapshotter) collect(ctx context.Context) (*SnapshotDoc, error) {
	doc := &SnapshotDoc{
		ClusterName: u.opts.ClusterName,
		TakenAt:     u.now().UTC(),
		Data:        make(map[string]map[string][]byte),
	}

	namespaces, err := u.store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		entries, err := u.store.All(ctx, ns)
		if err != nil {
			return nil, err
		}
		doc.Data[ns] = entries
	}
	return doc, nil
}

func (u *Snapshotter) performRetention(ctx context.Context) error {
	fileInfos, err := u.stor.ListInfo(ctx, "")
	if err != nil {
		return err
	}
	if len(fileInfos) == 0 {
		return nil
	}

	names := make([]string, 0, len(fileInfos))
	for _, fi := range fileInfos {
		names = append(names, fi.Path)
	}

	toDelete := filterSnapshotsToDelete(names, u.opts.KeepLast)
	if len(toDelete) == 0 {
		return nil
	}

	u.log().Debug("begin to retain snapshots", slog.Int("cnt", len(toDelete)))
	for _, path := range toDelete {
		u.log().Debug("delete snapshot", slog.String("path", filepath.ToSlash(path)))
		if err := u.stor.Delete(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// filterSnapshotsToDelete returns the snapshot paths to delete, keeping the
// keepLast newest. Names must start with a "20060102150405" timestamp;
// anything else in the listing is left alone.
func filterSnapshotsToDelete(snapshotFiles []string, keepLast int) []string {
	type fileWithTime struct {
		path string
		t    time.Time
	}

	parsed := make([]fileWithTime, 0, len(snapshotFiles))
	for _, path := range snapshotFiles {
		base := filepath.Base(path)
		if len(base) < len(snapshotTsLayout) {
			continue
		}
		t, err := time.Parse(snapshotTsLayout, base[:len(snapshotTsLayout)])
		if err != nil {
			// Skip foreign files
			continue
		}
		parsed = append(parsed, fileWithTime{path, t})
	}

	sort.Slice(parsed, func(i, j int) bool {
		return parsed[i].t.After(parsed[j].t) // newest first
	})

	if keepLast >= len(parsed) {
		return nil
	}

	toDelete := make([]string, 0, len(parsed)-keepLast)
	for _, entry := range parsed[keepLast:] {
		toDelete = append(toDelete, entry.path)
	}
	return toDelete
}

// RestoreLatest loads the newest snapshot from storage back into the store.
// Used on boot to warm an empty in-memory store after a head restart.
func (u *Snapshotter) RestoreLatest(ctx context.Context) (string, error) {
	fileInfos, err := u.stor.ListInfo(ctx, "")
	if err != nil {
		return "", err
	}
	if len(fileInfos) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(fileInfos))
	for _, fi := range fileInfos {
		names = append(names, fi.Path)
	}
	// Retention with keepLast=1 leaves exactly the newest; reuse the filter.
	older := filterSnapshotsToDelete(names, 1)
	newest := pickNewest(names, older)
	if newest == "" {
		return "", nil
	}

	// Fetch by the name the snapshot was uploaded under; listings may
	// decorate paths with backend transform suffixes.
	logical := filepath.Base(newest)[:len(snapshotTsLayout)] + ".json"
	rdr, err := u.stor.Get(ctx, logical)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot %s: %w", logical, err)
	}
	defer rdr.Close()

	var doc SnapshotDoc
	if err := json.NewDecoder(rdr).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode snapshot %s: %w", newest, err)
	}

	for ns, entries := range doc.Data {
		for key, value := range entries {
			if err := u.store.Put(ctx, ns, key, value); err != nil {
				return "", err
			}
		}
	}

	u.log().Info("snapshot restored",
		slog.String("path", newest),
		slog.Time("taken_at", doc.TakenAt),
	)
	return newest, nil
}

func pickNewest(names, older []string) string {
	olderSet := make(map[string]bool, len(older))
	for _, n := range older {
		olderSet[n] = true
	}
	for _, n := range names {
		base := filepath.Base(n)
		if len(base) < len(snapshotTsLayout) {
			continue
		}
		if _, err := time.Parse(snapshotTsLayout, base[:len(snapshotTsLayout)]); err != nil {
			continue
		}
		if !olderSet[n] {
			return n
		}
	}
	return ""
}
